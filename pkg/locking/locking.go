// Package locking defines the distributed lock service used to serialise
// workflows that touch the same physical resource.
package locking

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotHeld is returned when releasing a key the owner does not hold.
var ErrNotHeld = errors.New("lock not held by owner")

// Locker grants exclusive ownership of resource keys. TryAcquire never
// blocks waiting for a busy key; retrying is the caller's business.
type Locker interface {
	// TryAcquire takes key for owner and reports whether it was granted.
	// ttl bounds how long the lock survives an owner that never releases it.
	// Acquiring a key the owner already holds succeeds.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release gives up key if owner holds it.
	Release(ctx context.Context, key, owner string) error
	// Holder returns the current owner of key, if any.
	Holder(ctx context.Context, key string) (string, bool, error)
}
