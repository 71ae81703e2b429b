// Package verifier implements the bounded health-stability polling loop
// that decides whether a set of updated services came up healthy.
package verifier

import (
	"context"
	"fmt"
	"time"

	"compose-guardian/internal/engine"
	"compose-guardian/internal/logx"
)

// Config carries the three timing knobs from spec.md §4.5. Zero values are
// replaced with the documented defaults by NewConfig.
type Config struct {
	HealthTimeoutSeconds int
	StableSeconds        int
	VerifyPollSeconds    int
}

// NewConfig applies the spec.md §6 defaults for any zero field.
func NewConfig(healthTimeout, stable, pollInterval int) Config {
	if healthTimeout <= 0 {
		healthTimeout = 180
	}
	if stable <= 0 {
		stable = 30
	}
	if pollInterval <= 0 {
		pollInterval = 3
	}
	return Config{
		HealthTimeoutSeconds: healthTimeout,
		StableSeconds:        stable,
		VerifyPollSeconds:    pollInterval,
	}
}

// clock abstracts time so tests can drive the loop without sleeping.
type clock interface {
	now() time.Time
	sleep(d time.Duration)
}

type realClock struct{}

func (realClock) now() time.Time        { return time.Now() }
func (realClock) sleep(d time.Duration) { time.Sleep(d) }

// Verifier runs the per-stack post-update health check described in
// spec.md §4.5. One Verifier's baseline state is scoped to a single
// invocation and must never be reused across stacks or runs.
type Verifier struct {
	Engine *engine.Engine
	Config Config
	Log    logx.Logger

	clk clock
}

// New returns a Verifier backed by the real wall clock.
func New(eng *engine.Engine, cfg Config, log logx.Logger) *Verifier {
	return &Verifier{Engine: eng, Config: cfg, Log: log, clk: realClock{}}
}

// Verify polls composeFile's services until every container is healthy (or
// stable, for containers without a healthcheck), or until
// HealthTimeoutSeconds elapses. ctx cancellation short-circuits the loop
// and returns (false, "cancelled").
func (v *Verifier) Verify(ctx context.Context, composeFile string, services []string) (bool, string) {
	clk := v.clk
	if clk == nil {
		clk = realClock{}
	}

	restartBaseline := map[string]int{}
	stableSince := map[string]time.Time{}

	deadline := clk.now().Add(time.Duration(v.Config.HealthTimeoutSeconds) * time.Second)
	pollInterval := time.Duration(v.Config.VerifyPollSeconds) * time.Second
	stableWindow := time.Duration(v.Config.StableSeconds) * time.Second

	for {
		select {
		case <-ctx.Done():
			return false, "cancelled"
		default:
		}

		ok, reason := v.pollOnce(ctx, composeFile, services, restartBaseline, stableSince, clk, stableWindow)
		if ok {
			return true, "ok"
		}
		if v.Log != nil {
			v.Log.Debug("verify: not yet healthy: %s", reason)
		}

		if !clk.now().Before(deadline) {
			return false, fmt.Sprintf("verify timeout after %ds", v.Config.HealthTimeoutSeconds)
		}

		remaining := deadline.Sub(clk.now())
		if remaining < pollInterval {
			clk.sleep(remaining)
		} else {
			clk.sleep(pollInterval)
		}
		if !clk.now().Before(deadline) {
			return false, fmt.Sprintf("verify timeout after %ds", v.Config.HealthTimeoutSeconds)
		}
	}
}

// pollOnce runs exactly one iteration of spec.md §4.5 step 1-3. Every
// service and container is visited unconditionally — never short-circuited
// by an earlier failure — so each container's restart-count baseline and
// stable-since bookkeeping advances every iteration regardless of whether
// some other container in the same poll is still failing. Only the first
// failure reason encountered is kept for the returned message.
func (v *Verifier) pollOnce(
	ctx context.Context,
	composeFile string,
	services []string,
	restartBaseline map[string]int,
	stableSince map[string]time.Time,
	clk clock,
	stableWindow time.Duration,
) (bool, string) {
	ok := true
	reason := ""
	fail := func(r string) {
		ok = false
		if reason == "" {
			reason = r
		}
	}

	for _, svc := range services {
		containerIDs := v.Engine.ComposePsService(ctx, composeFile, svc)
		if len(containerIDs) == 0 {
			fail(fmt.Sprintf("service %s has no containers", svc))
			continue
		}

		for _, cid := range containerIDs {
			state, err := v.Engine.InspectContainer(ctx, cid)
			if err != nil {
				fail(fmt.Sprintf("container not running: %s:%s status=unknown", svc, cid))
				continue
			}

			key := svc + ":" + cid

			if state.RuntimeStatus != "running" {
				delete(restartBaseline, key)
				delete(stableSince, key)
				fail(fmt.Sprintf("container not running: %s:%s status=%s", svc, cid, state.RuntimeStatus))
				continue
			}

			if state.HealthStatus != "" {
				if state.HealthStatus != "healthy" {
					fail(fmt.Sprintf("container not healthy: %s:%s health=%s", svc, cid, state.HealthStatus))
				}
				continue
			}

			baseline, seeded := restartBaseline[key]
			now := clk.now()
			if !seeded || state.RestartCount != baseline {
				restartBaseline[key] = state.RestartCount
				stableSince[key] = now
				fail(fmt.Sprintf("container not yet stable: %s:%s restarts=%d", svc, cid, state.RestartCount))
				continue
			}

			if now.Sub(stableSince[key]) < stableWindow {
				fail(fmt.Sprintf("container not yet stable: %s:%s restarts=%d", svc, cid, state.RestartCount))
			}
		}
	}

	if ok {
		return true, "ok"
	}
	return false, reason
}
