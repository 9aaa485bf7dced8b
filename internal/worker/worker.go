package worker

import (
	"context"
	"sync"
	"time"

	"stamp-order-service/internal/util"

	"go.uber.org/zap"
)

// Expirer releases stock of gateway orders whose authorization lapsed
type Expirer interface {
	ExpireStaleAuthorizations(ctx context.Context) (int, error)
}

// LeaderLock keeps one sweeper active across replicas
type LeaderLock interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

const sweeperLockKey = "payment-expiry-sweeper"

// ExpirySweeper periodically expires stale payment authorizations. When
// several instances run, only the one holding the lock sweeps.
type ExpirySweeper struct {
	expirer  Expirer
	lock     LeaderLock
	interval time.Duration
	logger   *zap.Logger

	token   string
	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
	done    chan struct{}
}

// NewExpirySweeper creates a new sweeper
func NewExpirySweeper(expirer Expirer, lock LeaderLock, interval time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{
		expirer:  expirer,
		lock:     lock,
		interval: interval,
		logger:   util.ComponentLogger("sweeper"),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called. A
// Stop that lands before Start keeps the loop from running at all.
func (w *ExpirySweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return context.Canceled
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.started = true
	w.mu.Unlock()
	defer close(w.done)

	w.logger.Info("Starting payment expiry sweeper", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)

		select {
		case <-ctx.Done():
			w.resign()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop stops the sweeper and waits for the current sweep to finish
func (w *ExpirySweeper) Stop() error {
	w.logger.Info("Stopping payment expiry sweeper")
	w.mu.Lock()
	w.stopped = true
	cancel, started := w.cancel, w.started
	w.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-w.done
	return nil
}

// RunOnce performs a single sweep if this instance leads
func (w *ExpirySweeper) RunOnce(ctx context.Context) {
	if !w.lead(ctx) {
		return
	}

	expired, err := w.expirer.ExpireStaleAuthorizations(ctx)
	if err != nil {
		w.logger.Error("Payment expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		w.logger.Info("Expired stale payment authorizations", zap.Int("count", expired))
	}
}

// lead holds the lock for two intervals and renews it on every tick
func (w *ExpirySweeper) lead(ctx context.Context) bool {
	if w.lock == nil {
		return true
	}
	ttl := 2 * w.interval

	if w.token != "" {
		ok, err := w.lock.ExtendLock(ctx, sweeperLockKey, w.token, ttl)
		if err == nil && ok {
			return true
		}
		if err != nil {
			w.logger.Warn("Failed to extend sweeper lock", zap.Error(err))
		}
		w.token = ""
	}

	token, ok, err := w.lock.AcquireLock(ctx, sweeperLockKey, ttl)
	if err != nil {
		w.logger.Warn("Failed to acquire sweeper lock", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	w.token = token
	return true
}

func (w *ExpirySweeper) resign() {
	if w.lock == nil || w.token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.lock.ReleaseLock(ctx, sweeperLockKey, w.token); err != nil {
		w.logger.Warn("Failed to release sweeper lock", zap.Error(err))
	}
	w.token = ""
}
