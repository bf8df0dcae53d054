package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/failure"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/proxy"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type countingOp struct {
	mu       sync.Mutex
	attempts int
	fails    int
	proxies  []string
}

func (c *countingOp) run(_ context.Context, p *proxy.Identity) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if p != nil {
		c.proxies = append(c.proxies, p.Name)
	}
	if c.attempts <= c.fails {
		return "", errors.New("connection reset by peer")
	}
	return "payload", nil
}

func newTracker(t *testing.T) *failure.Tracker {
	t.Helper()
	return failure.NewTracker(failure.Config{Dir: t.TempDir(), SessionID: "t"}, fixedClock{now: time.Unix(100, 0)}, zap.NewNop())
}

func TestDoSucceedsOnFinalAttemptWithoutRecording(t *testing.T) {
	t.Parallel()

	tracker := newTracker(t)
	h := New(Config{MaxRetries: 5}, nil, tracker, zap.NewNop())
	op := &countingOp{fails: 4}

	res, err := Do(context.Background(), h, "seg-1", nil, op.run)
	require.NoError(t, err)
	require.Equal(t, "payload", res.Value)
	require.Equal(t, 5, res.Attempts)
	require.Equal(t, 0, tracker.Len())
}

func TestDoExhaustionRecordsOnce(t *testing.T) {
	t.Parallel()

	tracker := newTracker(t)
	h := New(Config{MaxRetries: 5, Delay: 0}, nil, tracker, zap.NewNop())
	op := &countingOp{fails: 100}

	res, err := Do(context.Background(), h, "seg-1", nil, op.run)
	require.ErrorIs(t, err, ErrExhausted)
	require.Empty(t, res.Value)
	require.Equal(t, 5, op.attempts)

	recs := tracker.Records()
	require.Len(t, recs, 1)
	require.Equal(t, "seg-1", recs[0].Ref)
	require.Equal(t, 5, recs[0].AttemptCount)
	require.Equal(t, failure.KindConnection, recs[0].Kind)
}

func TestDoStopsAfterFirstSuccess(t *testing.T) {
	t.Parallel()

	h := New(Config{MaxRetries: 5}, nil, nil, nil)
	op := &countingOp{}

	res, err := Do(context.Background(), h, "seg", nil, op.run)
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, op.attempts)
}

func TestDoRotatesProxyBetweenAttempts(t *testing.T) {
	t.Parallel()

	mgr, err := proxy.NewManager([]proxy.Identity{
		{Name: "a", Host: "localhost", Port: 1},
		{Name: "b", Host: "localhost", Port: 2},
		{Name: "c", Host: "localhost", Port: 3},
	}, zap.NewNop())
	require.NoError(t, err)

	h := New(Config{MaxRetries: 4}, mgr, nil, zap.NewNop())
	op := &countingOp{fails: 3}
	start := mgr.Assign(0)

	res, err := Do(context.Background(), h, "seg", &start, op.run)
	require.NoError(t, err)
	require.Len(t, op.proxies, 4)
	for i := 1; i < len(op.proxies); i++ {
		require.NotEqual(t, op.proxies[i-1], op.proxies[i])
	}
	require.Equal(t, op.proxies[3], res.Proxy.Name)
}

func TestDoAbortsPromptlyOnCancellation(t *testing.T) {
	t.Parallel()

	tracker := newTracker(t)
	h := New(Config{MaxRetries: 5, Delay: time.Hour}, nil, tracker, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	op := &countingOp{fails: 100}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, h, "seg", nil, op.run)
		done <- err
	}()

	require.Eventually(t, func() bool {
		op.mu.Lock()
		defer op.mu.Unlock()
		return op.attempts == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, ErrExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
	require.Equal(t, 0, tracker.Len())
}

func TestDoNoDelayAfterFinalAttempt(t *testing.T) {
	t.Parallel()

	h := New(Config{MaxRetries: 1, Delay: time.Hour}, nil, nil, zap.NewNop())
	op := &countingOp{fails: 1}

	start := time.Now()
	_, err := Do(context.Background(), h, "seg", nil, op.run)
	require.ErrorIs(t, err, ErrExhausted)
	require.Less(t, time.Since(start), time.Second)
}
