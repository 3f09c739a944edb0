package fswatch

import (
	"errors"
	"math"
	"time"
)

// SinceNow subscribes to events that happen after the subscription is created,
// without replaying history.
const SinceNow uint64 = math.MaxUint64

// DefaultLatency is how long the notification service may wait to coalesce
// changes into one batch.
const DefaultLatency = 100 * time.Millisecond

var (
	// ErrSubscribe is returned if the notification service refused the
	// subscription.
	ErrSubscribe = errors.New("fswatch: cannot subscribe to filesystem events")

	// ErrWatchLimit is returned on Linux if the inotify watch limit is
	// reached.
	ErrWatchLimit = errors.New("inotify watch limit reached; increase fs.inotify.max_user_watches")
)

// SubscribeOptions are passed to Source.Subscribe.
type SubscribeOptions struct {
	// Report events for individual files, rather than only for the
	// directory that contains them.
	FileEvents bool

	// Maximum number of events queued between two deliveries; further events
	// are dropped and reported with UserDropped. Zero uses a default.
	MaxPending int
}

// Source is the operating system's filesystem notification service.
type Source interface {
	// Subscribe registers interest in paths. Directories are watched
	// recursively. Delivery doesn't start until Subscription.Start is called.
	Subscribe(paths []string, since uint64, latency time.Duration, opts SubscribeOptions) (Subscription, error)
}

// Subscription is a handle to a registered interest in a set of paths.
//
// Stop, Invalidate and Release must be called in that order, and only once.
// Stream takes care of this.
type Subscription interface {
	// Start begins delivering batches to deliver, on a goroutine owned by the
	// subscription. fail is called (at most once, from any goroutine) if the
	// subscription stops working; it must not block.
	Start(deliver BatchFunc, fail func(error)) error

	// Stop ends delivery. Once Stop returns deliver won't be called again.
	Stop() error

	// Invalidate removes the subscription from the notification service.
	Invalidate() error

	// Release frees all remaining resources.
	Release() error
}
