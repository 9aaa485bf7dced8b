package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stamp-order-service/internal/redisclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingExpirer struct {
	calls atomic.Int32
	err   error
}

func (e *countingExpirer) ExpireStaleAuthorizations(context.Context) (int, error) {
	e.calls.Add(1)
	return 1, e.err
}

func TestOnlyLeaderSweeps(t *testing.T) {
	lock := redisclient.NewLocal()
	first, second := &countingExpirer{}, &countingExpirer{}
	a := NewExpirySweeper(first, lock, time.Minute)
	b := NewExpirySweeper(second, lock, time.Minute)
	ctx := context.Background()

	a.RunOnce(ctx)
	b.RunOnce(ctx)
	a.RunOnce(ctx)

	assert.Equal(t, int32(2), first.calls.Load())
	assert.Equal(t, int32(0), second.calls.Load())

	a.resign()
	b.RunOnce(ctx)
	assert.Equal(t, int32(1), second.calls.Load())
}

func TestSweepErrorsDoNotStopTheLoop(t *testing.T) {
	expirer := &countingExpirer{err: errors.New("db down")}
	w := NewExpirySweeper(expirer, nil, time.Minute)
	w.RunOnce(context.Background())
	w.RunOnce(context.Background())
	assert.Equal(t, int32(2), expirer.calls.Load())
}

func TestStartAndStop(t *testing.T) {
	expirer := &countingExpirer{}
	w := NewExpirySweeper(expirer, redisclient.NewLocal(), 10*time.Millisecond)

	var wg sync.WaitGroup
	var startErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		startErr = w.Start(context.Background())
	}()

	require.Eventually(t, func() bool { return expirer.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop())
	wg.Wait()
	assert.ErrorIs(t, startErr, context.Canceled)
}

func TestStopBeforeStartKeepsLoopFromRunning(t *testing.T) {
	expirer := &countingExpirer{}
	w := NewExpirySweeper(expirer, nil, time.Millisecond)
	require.NoError(t, w.Stop())

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper kept running after Stop")
	}
	assert.Equal(t, int32(0), expirer.calls.Load())
}
