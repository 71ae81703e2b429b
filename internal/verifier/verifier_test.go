package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compose-guardian/internal/engine"
)

// fakeClock lets tests advance time deterministically instead of sleeping,
// so the bounded polling loop in Verify can be exercised without waiting
// on a real wall clock.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time        { return c.t }
func (c *fakeClock) sleep(d time.Duration) { c.t = c.t.Add(d) }

func fakeDocker(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestVerifySucceedsOnFirstHealthyPoll(t *testing.T) {
	script := `
case "$*" in
  *ps*) echo cid1; exit 0 ;;
  *inspect*) echo '[{"State":{"Status":"running","RestartCount":0,"Health":{"Status":"healthy"}}}]'; exit 0 ;;
esac
exit 1
`
	eng := &engine.Engine{DockerBin: fakeDocker(t, script)}
	v := &Verifier{Engine: eng, Config: NewConfig(10, 30, 1), clk: &fakeClock{t: time.Unix(0, 0)}}

	ok, msg := v.Verify(context.Background(), "/stack/docker-compose.yml", []string{"api"})
	assert.True(t, ok)
	assert.Equal(t, "ok", msg)
}

func TestVerifyTimesOutWhenAlwaysStarting(t *testing.T) {
	script := `
case "$*" in
  *ps*) echo cid1; exit 0 ;;
  *inspect*) echo '[{"State":{"Status":"running","RestartCount":0,"Health":{"Status":"starting"}}}]'; exit 0 ;;
esac
exit 1
`
	eng := &engine.Engine{DockerBin: fakeDocker(t, script)}
	v := &Verifier{Engine: eng, Config: NewConfig(10, 30, 3), clk: &fakeClock{t: time.Unix(0, 0)}}

	ok, msg := v.Verify(context.Background(), "/stack/docker-compose.yml", []string{"api"})
	assert.False(t, ok)
	assert.Equal(t, "verify timeout after 10s", msg)
}

func TestVerifyNoHealthcheckSucceedsAfterStableWindow(t *testing.T) {
	script := `
case "$*" in
  *ps*) echo cid1; exit 0 ;;
  *inspect*) echo '[{"State":{"Status":"running","RestartCount":0}}]'; exit 0 ;;
esac
exit 1
`
	eng := &engine.Engine{DockerBin: fakeDocker(t, script)}
	v := &Verifier{Engine: eng, Config: NewConfig(60, 5, 2), clk: &fakeClock{t: time.Unix(0, 0)}}

	ok, msg := v.Verify(context.Background(), "/stack/docker-compose.yml", []string{"worker"})
	assert.True(t, ok)
	assert.Equal(t, "ok", msg)
}

func TestVerifyNoHealthcheckCrashloopNeverStabilizes(t *testing.T) {
	countFile := filepath.Join(t.TempDir(), "restarts")
	require.NoError(t, os.WriteFile(countFile, []byte("0"), 0o644))
	script := `
case "$*" in
  *ps*) echo cid1; exit 0 ;;
  *inspect*)
    n=$(cat "` + countFile + `")
    echo '[{"State":{"Status":"running","RestartCount":'"$n"'}}]'
    echo $((n+1)) > "` + countFile + `"
    exit 0
    ;;
esac
exit 1
`
	eng := &engine.Engine{DockerBin: fakeDocker(t, script)}
	v := &Verifier{Engine: eng, Config: NewConfig(45, 30, 3), clk: &fakeClock{t: time.Unix(0, 0)}}

	ok, msg := v.Verify(context.Background(), "/stack/docker-compose.yml", []string{"worker"})
	assert.False(t, ok)
	assert.Equal(t, "verify timeout after 45s", msg)
}

func TestVerifyServiceWithNoContainersKeepsPolling(t *testing.T) {
	script := `
case "$*" in
  *ps*) exit 1 ;;
esac
exit 1
`
	eng := &engine.Engine{DockerBin: fakeDocker(t, script)}
	v := &Verifier{Engine: eng, Config: NewConfig(5, 30, 2), clk: &fakeClock{t: time.Unix(0, 0)}}

	ok, msg := v.Verify(context.Background(), "/stack/docker-compose.yml", []string{"api"})
	assert.False(t, ok)
	assert.Equal(t, "verify timeout after 5s", msg)
}

// TestVerifyMultiServiceAdvancesEachContainerIndependently reproduces the
// scenario where one service's healthcheck is still "starting" while a
// second, healthcheck-less service is already stable: the second service's
// stable-since bookkeeping must advance every poll regardless of the first
// service's failure, so the whole verify succeeds the moment the first
// service turns healthy rather than being pushed past the stable window (and
// the overall timeout) by a stalled sweep.
func TestVerifyMultiServiceAdvancesEachContainerIndependently(t *testing.T) {
	aCountFile := filepath.Join(t.TempDir(), "a_polls")
	require.NoError(t, os.WriteFile(aCountFile, []byte("0"), 0o644))

	script := `
case "$*" in
  *"ps -q a"*) echo cid-a; exit 0 ;;
  *"ps -q b"*) echo cid-b; exit 0 ;;
  *"inspect cid-a"*)
    n=$(cat "` + aCountFile + `")
    if [ "$n" -lt 8 ]; then
      echo '[{"State":{"Status":"running","RestartCount":0,"Health":{"Status":"starting"}}}]'
    else
      echo '[{"State":{"Status":"running","RestartCount":0,"Health":{"Status":"healthy"}}}]'
    fi
    echo $((n+1)) > "` + aCountFile + `"
    exit 0
    ;;
  *"inspect cid-b"*) echo '[{"State":{"Status":"running","RestartCount":0}}]'; exit 0 ;;
esac
exit 1
`
	eng := &engine.Engine{DockerBin: fakeDocker(t, script)}
	// poll=5s, stable=30s, timeout=45s: "a" turns healthy at its 9th poll
	// (t=40s); "b" has no healthcheck and is stable from t=0, so its own
	// 30s stable window completes at t=30s independently of "a".
	v := &Verifier{Engine: eng, Config: NewConfig(45, 30, 5), clk: &fakeClock{t: time.Unix(0, 0)}}

	ok, msg := v.Verify(context.Background(), "/stack/docker-compose.yml", []string{"a", "b"})
	assert.True(t, ok, "verify should succeed once a turns healthy at t=40s, well inside the 45s timeout: got %q", msg)
}

func TestNewConfigAppliesDefaults(t *testing.T) {
	cfg := NewConfig(0, 0, 0)
	assert.Equal(t, 180, cfg.HealthTimeoutSeconds)
	assert.Equal(t, 30, cfg.StableSeconds)
	assert.Equal(t, 3, cfg.VerifyPollSeconds)
}

func TestVerifyCancelledByContext(t *testing.T) {
	eng := &engine.Engine{DockerBin: fakeDocker(t, "exit 1\n")}
	v := &Verifier{Engine: eng, Config: NewConfig(60, 30, 1), clk: &fakeClock{t: time.Unix(0, 0)}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, msg := v.Verify(ctx, "/stack/docker-compose.yml", []string{"api"})
	assert.False(t, ok)
	assert.Equal(t, "cancelled", msg)
}
