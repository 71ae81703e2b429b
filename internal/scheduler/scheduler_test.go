package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEveryAcceptsSecondsMinutesHours(t *testing.T) {
	d, err := ParseEvery("30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseEvery("5m")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	d, err = ParseEvery("2h")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, d)
}

func TestParseEveryRejectsUnmatchedFormat(t *testing.T) {
	_, err := ParseEvery("5")
	assert.Error(t, err)
	_, err = ParseEvery("5d")
	assert.Error(t, err)
	_, err = ParseEvery("")
	assert.Error(t, err)
}

func TestRunNoScheduleRunsExactlyOnce(t *testing.T) {
	s := New("", "", nil)
	var calls int32
	err := s.Run(context.Background(), func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestRunIntervalRunsImmediatelyThenRepeats(t *testing.T) {
	s := New("", "1s", nil)
	s.sleep = func(d time.Duration) {} // instantaneous, deterministic test

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	err := s.Run(ctx, func(ctx context.Context) {
		n := atomic.AddInt32(&calls, 1)
		if n >= 3 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestRunIntervalRejectsInvalidEvery(t *testing.T) {
	s := New("", "bogus", nil)
	err := s.Run(context.Background(), func(ctx context.Context) {})
	assert.Error(t, err)
}

func TestRunCronRejectsInvalidExpression(t *testing.T) {
	s := New("not a cron expr", "", nil)
	err := s.Run(context.Background(), func(ctx context.Context) {})
	assert.Error(t, err)
}

func TestRunCronFiresAtNextMatchingMinute(t *testing.T) {
	s := New("*/1 * * * *", "", nil)
	s.sleep = func(d time.Duration) {}
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	err := s.Run(ctx, func(ctx context.Context) {
		if atomic.AddInt32(&calls, 1) >= 1 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}
