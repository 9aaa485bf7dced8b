package redisclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Local offers the lock and de-duplication operations of Client within a
// single process, for running without Redis.
type Local struct {
	mu      sync.Mutex
	locks   map[string]localEntry
	seen    map[string]time.Time
	inserts int
	now     func() time.Time
}

// pruneEvery is how many inserts pass between sweeps of expired entries.
const pruneEvery = 256

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocal creates an empty in-process coordinator
func NewLocal() *Local {
	return &Local{
		locks: make(map[string]localEntry),
		seen:  make(map[string]time.Time),
		now:   time.Now,
	}
}

func (l *Local) AcquireLock(_ context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.locks[lockKey]; ok && now.Before(held.expires) {
		return "", false, nil
	}
	token := uuid.New().String()
	l.locks[lockKey] = localEntry{token: token, expires: now.Add(ttl)}
	l.inserted(now)
	return token, true, nil
}

func (l *Local) ReleaseLock(_ context.Context, lockKey, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.locks[lockKey]; ok && held.token == token {
		delete(l.locks, lockKey)
	}
	return nil
}

func (l *Local) ExtendLock(_ context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.locks[lockKey]
	if !ok || held.token != token || !l.now().Before(held.expires) {
		return false, nil
	}
	held.expires = l.now().Add(ttl)
	l.locks[lockKey] = held
	return true, nil
}

func (l *Local) MarkEventSeen(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.seen[eventID]; ok && now.Before(expires) {
		return false, nil
	}
	l.seen[eventID] = now.Add(ttl)
	l.inserted(now)
	return true, nil
}

// inserted drops expired keys every pruneEvery inserts, as Redis would
// have expired them. l.mu must be held.
func (l *Local) inserted(now time.Time) {
	l.inserts++
	if l.inserts%pruneEvery != 0 {
		return
	}
	for id, expires := range l.seen {
		if !now.Before(expires) {
			delete(l.seen, id)
		}
	}
	for key, held := range l.locks {
		if !now.Before(held.expires) {
			delete(l.locks, key)
		}
	}
}

func (l *Local) ForgetEvent(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, eventID)
	return nil
}

func (l *Local) Ping(context.Context) error { return nil }
