package fswatch

import (
	"context"
	"sync"
	"time"
)

const defaultMaxPending = 65536

// coalescer collects events from a reader goroutine and hands them to the
// delivery goroutine in batches, at most once per latency window. It also
// assigns event ids.
type coalescer struct {
	latency    time.Duration
	maxPending int
	roots      []string
	dedupe     bool // Skip an event identical to the one before it.

	ready chan struct{}

	mu      sync.Mutex
	pending []Event
	dropped bool
	next    uint64
	wrapped bool
}

func newCoalescer(roots []string, latency time.Duration, maxPending int, firstID uint64) *coalescer {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return &coalescer{
		latency:    latency,
		maxPending: maxPending,
		roots:      roots,
		ready:      make(chan struct{}, 1),
		next:       firstID,
	}
}

// firstEventID returns the id of the first event in a stream subscribed from
// since.
//
// There is no persistent event counter, so "now" is the current time in
// nanoseconds; ids of later runs are still higher than those of earlier ones.
func firstEventID(since uint64) uint64 {
	if since == SinceNow {
		return uint64(time.Now().UnixNano())
	}
	return since + 1
}

func (c *coalescer) add(path string, flags Flags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) >= c.maxPending {
		if !c.dropped {
			sourceDroppedCounterVec.WithLabelValues("user").Inc()
		}
		c.dropped = true
		return
	}
	if c.dedupe && len(c.pending) > 0 {
		if last := c.pending[len(c.pending)-1]; last.Path == path && last.Flags == flags {
			return
		}
	}

	c.appendLocked(path, flags)
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *coalescer) appendLocked(path string, flags Flags) {
	if c.wrapped {
		flags |= EventIDsWrapped
		c.wrapped = false
	}
	c.pending = append(c.pending, Event{Path: path, Flags: flags, ID: c.next})
	c.next++
	if c.next == 0 {
		c.wrapped = true
	}
}

// take returns everything collected so far. If events were dropped every root
// gets an event telling the receiver to rescan it.
func (c *coalescer) take() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		for _, r := range c.roots {
			c.appendLocked(r, UserDropped|MustScanSubDirs)
		}
		c.dropped = false
	}
	events := c.pending
	c.pending = nil
	return events
}

// run delivers batches until ctx is cancelled. This is the delivery goroutine:
// deliver is never called concurrently.
func (c *coalescer) run(ctx context.Context, deliver BatchFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.ready:
		}

		if c.latency > 0 {
			t := time.NewTimer(c.latency)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}

		if events := c.take(); len(events) > 0 {
			deliver(Batch{events: events})
		}
	}
}
