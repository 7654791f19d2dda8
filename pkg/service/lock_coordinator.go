package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/stepflow/pkg/locking"
	"github.com/ignatij/stepflow/pkg/models"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/errors"
)

const (
	DefaultLockAttempts   = 10
	DefaultLockRetryDelay = 500 * time.Millisecond
	DefaultLockTTL        = time.Minute
)

// leasePrefix namespaces the key a live root workflow holds to show its
// owning process is still running.
const leasePrefix = "lease/"


var errLockBusy = errors.New("lock busy")

// LockCoordinator acquires the resource locks of a workflow with a bounded
// retry budget and remembers which keys each owner holds, so that nested
// workflows do not try to take a key their root already holds.
type LockCoordinator struct {
	locker   locking.Locker
	logger   Logger
	clock    clock.Clock
	attempts int
	delay    time.Duration
	ttl      time.Duration
	mu       sync.Mutex
	held     map[string]map[string]struct{} // owner -> keys
}

// LockOption configures a LockCoordinator.
type LockOption func(*LockCoordinator)

// WithLockAttempts sets how many times each key is tried before giving up.
func WithLockAttempts(n int) LockOption {
	return func(c *LockCoordinator) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithLockRetryDelay sets the pause between attempts.
func WithLockRetryDelay(d time.Duration) LockOption {
	return func(c *LockCoordinator) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithLockTTL bounds how long a lock outlives an owner that died holding it.
// Held locks are renewed every third of the TTL.
func WithLockTTL(ttl time.Duration) LockOption {
	return func(c *LockCoordinator) {
		c.ttl = ttl
	}
}

// WithLockClock replaces the wall clock used between attempts.
func WithLockClock(clk clock.Clock) LockOption {
	return func(c *LockCoordinator) {
		c.clock = clk
	}
}

func NewLockCoordinator(locker locking.Locker, logger Logger, opts ...LockOption) *LockCoordinator {
	c := &LockCoordinator{
		locker:   locker,
		logger:   logger,
		clock:    clock.WallClock,
		attempts: DefaultLockAttempts,
		delay:    DefaultLockRetryDelay,
		ttl:      DefaultLockTTL,
		held:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLocks runs attempt while holding every key in keys. The locks are
// released on every exit path.
func (c *LockCoordinator) WithLocks(ctx context.Context, owner string, keys []string, attempt func(ctx context.Context) error) error {
	handles, err := c.Acquire(ctx, owner, keys)
	if err != nil {
		return err
	}
	defer c.Release(ctx, handles)
	stop := c.Keepalive(ctx, handles)
	defer stop()
	return attempt(ctx)
}

// Acquire takes keys for owner in sorted order. Keys the owner already holds
// through this coordinator are skipped and not returned. On failure every key
// taken by this call is released again and, if the retry budget ran out, the
// error is ErrLockRetry.
func (c *LockCoordinator) Acquire(ctx context.Context, owner string, keys []string) ([]models.LockHandle, error) {
	var handles []models.LockHandle
	for _, key := range normaliseKeys(keys) {
		if c.holds(owner, key) {
			continue
		}
		h, err := c.acquireOne(ctx, owner, key)
		if err != nil {
			c.Release(ctx, handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (c *LockCoordinator) acquireOne(ctx context.Context, owner, key string) (models.LockHandle, error) {
	attempts := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			ok, err := c.locker.TryAcquire(ctx, key, owner, c.ttl)
			if err != nil {
				return err
			}
			if !ok {
				return errLockBusy
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errLockBusy)
		},
		NotifyFunc: func(err error, attempt int) {
			c.logger.Infof("Lock %s busy for owner %s (attempt %d/%d)", key, owner, attempt, c.attempts)
		},
		Attempts: c.attempts,
		Delay:    c.delay,
		Clock:    c.clock,
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
	case retry.IsAttemptsExceeded(err), retry.IsDurationExceeded(err):
		return models.LockHandle{}, errors.Wrapf(ErrLockRetry, "key %s after %d attempts", key, attempts)
	case retry.IsRetryStopped(err):
		return models.LockHandle{}, errors.Wrapf(ctx.Err(), "acquire lock %s", key)
	default:
		return models.LockHandle{}, errors.Wrapf(err, "acquire lock %s", key)
	}

	c.mu.Lock()
	if c.held[owner] == nil {
		c.held[owner] = make(map[string]struct{})
	}
	c.held[owner][key] = struct{}{}
	c.mu.Unlock()

	return models.LockHandle{
		Key:        key,
		Owner:      owner,
		AcquiredAt: c.clock.Now(),
		Attempts:   attempts,
	}, nil
}

// Release gives up handles in reverse acquisition order. A handle that was
// already released is ignored; back end failures are logged.
func (c *LockCoordinator) Release(ctx context.Context, handles []models.LockHandle) {
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		if !c.forget(h.Owner, h.Key) {
			continue
		}
		if err := c.locker.Release(ctx, h.Key, h.Owner); err != nil {
			c.logger.Errorf("Failed to release lock %s held by %s: %v", h.Key, h.Owner, err)
		}
	}
}

// Keepalive renews handles every third of the lock TTL until the returned
// stop function is called or ctx is done. Stop must be called before the
// handles are released. A lock that was taken over by another owner is
// logged and no longer renewed.
func (c *LockCoordinator) Keepalive(ctx context.Context, handles []models.LockHandle) (stop func()) {
	if c.ttl <= 0 || len(handles) == 0 {
		return func() {}
	}
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		live := append([]models.LockHandle(nil), handles...)
		for len(live) > 0 {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-c.clock.After(c.ttl / 3):
			}
			live = c.renew(ctx, live)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			wg.Wait()
		})
	}
}

// renew re-applies the TTL of every handle still held and returns those
// worth renewing again.
func (c *LockCoordinator) renew(ctx context.Context, handles []models.LockHandle) []models.LockHandle {
	live := handles[:0]
	for _, h := range handles {
		if !c.holds(h.Owner, h.Key) {
			continue
		}
		ok, err := c.locker.TryAcquire(ctx, h.Key, h.Owner, c.ttl)
		switch {
		case err != nil:
			c.logger.Errorf("Failed to renew lock %s held by %s: %v", h.Key, h.Owner, err)
			live = append(live, h)
		case !ok:
			c.logger.Errorf("Lost lock %s of %s: it expired and was taken by another owner", h.Key, h.Owner)
		default:
			live = append(live, h)
		}
	}
	return live
}

// AcquireLease takes the liveness lease of a root workflow. It is held and
// renewed like any other lock for as long as the workflow runs here.
func (c *LockCoordinator) AcquireLease(ctx context.Context, root string) ([]models.LockHandle, error) {
	return c.Acquire(ctx, root, []string{LeaseKey(root)})
}

// OwnerAlive reports whether some process still holds the lease of root.
func (c *LockCoordinator) OwnerAlive(ctx context.Context, root string) (bool, error) {
	owner, held, err := c.locker.Holder(ctx, LeaseKey(root))
	if err != nil {
		return false, errors.Wrapf(err, "look up lease of %s", root)
	}
	return held && owner == root, nil
}

// LeaseKey is the lock key of the liveness lease of a root workflow.
func LeaseKey(root string) string {
	return leasePrefix + root
}

// ReleaseKeys releases keys on behalf of an owner that may no longer be
// alive, as done during orphan recovery.
func (c *LockCoordinator) ReleaseKeys(ctx context.Context, owner string, keys []string) {
	for _, key := range normaliseKeys(keys) {
		c.forget(owner, key)
		if err := c.locker.Release(ctx, key, owner); err != nil && !errors.Is(err, locking.ErrNotHeld) {
			c.logger.Errorf("Failed to release lock %s held by %s: %v", key, owner, err)
		}
	}
}

// Held returns the keys currently held by owner through this coordinator.
func (c *LockCoordinator) Held(owner string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedSet(c.held[owner])
}

func (c *LockCoordinator) holds(owner, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[owner][key]
	return ok
}

func (c *LockCoordinator) forget(owner, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, ok := c.held[owner]
	if !ok {
		return false
	}
	if _, ok := keys[key]; !ok {
		return false
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.held, owner)
	}
	return true
}

func normaliseKeys(keys []string) []string {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key != "" {
			set[key] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
