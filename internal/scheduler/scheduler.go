// Package scheduler supplies the one-shot / cron / interval trigger
// described in spec.md §6 and §9. It is deliberately thin: all it knows
// how to do is call a provided run function at the right times.
package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"compose-guardian/internal/logx"
)

var everyPattern = regexp.MustCompile(`^(\d+)([smh])$`)

// ParseEvery parses a SCHEDULE_EVERY value like "30s", "5m", "2h" into a
// Duration. Returns an error for anything not matching ^\d+[smh]$.
func ParseEvery(raw string) (time.Duration, error) {
	m := everyPattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, fmt.Errorf("SCHEDULE_EVERY %q does not match ^\\d+[smh]$", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("unreachable unit %q", m[2])
	}
}

// Scheduler runs fn on a trigger: cron expression, fixed interval, or
// exactly once. Config validation (mutual exclusivity of cron/interval) is
// the caller's responsibility (internal/config), per spec.md §7 — a
// configuration error is fail-fast at startup, not a scheduler concern.
type Scheduler struct {
	CronExpr string
	Every    string
	Log      logx.Logger

	// sleep is overridable in tests.
	sleep func(d time.Duration)
	now   func() time.Time
}

// New returns a Scheduler reading cronExpr/every as spec.md §6 documents.
func New(cronExpr, every string, log logx.Logger) *Scheduler {
	return &Scheduler{
		CronExpr: cronExpr,
		Every:    every,
		Log:      log,
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

// Run invokes fn according to the configured trigger. It returns when ctx
// is cancelled (cron/interval mode) or after fn's single invocation
// (no-schedule mode).
func (s *Scheduler) Run(ctx context.Context, fn func(context.Context)) error {
	switch {
	case s.CronExpr != "":
		return s.runCron(ctx, fn)
	case s.Every != "":
		return s.runInterval(ctx, fn)
	default:
		if s.Log != nil {
			s.Log.Info("no schedule configured, running once")
		}
		fn(ctx)
		return nil
	}
}

func (s *Scheduler) runCron(ctx context.Context, fn func(context.Context)) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(s.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid SCHEDULE_CRON %q: %w", s.CronExpr, err)
	}

	for {
		now := s.now().UTC()
		next := schedule.Next(now)
		wait := next.Sub(now)
		if s.Log != nil {
			s.Log.Info("next scheduled run at %s (in %s)", next.Format(time.RFC3339), wait)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-afterFunc(wait, s.sleep):
			if ctx.Err() != nil {
				return nil
			}
			fn(ctx)
		}
	}
}

func (s *Scheduler) runInterval(ctx context.Context, fn func(context.Context)) error {
	interval, err := ParseEvery(s.Every)
	if err != nil {
		return err
	}

	fn(ctx) // run immediately, then repeat
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-afterFunc(interval, s.sleep):
			if ctx.Err() != nil {
				return nil
			}
			fn(ctx)
		}
	}
}

// afterFunc returns a channel that closes once sleepFn(d) returns, letting
// tests substitute an instantaneous sleep without real time passing.
func afterFunc(d time.Duration, sleepFn func(time.Duration)) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		sleepFn(d)
		close(ch)
	}()
	return ch
}
