package fswatch

import (
	"errors"
	"fmt"
	"iter"
	"unicode/utf8"
)

var (
	// ErrInvalidPath is returned by Event.Text if the path is not valid UTF-8.
	ErrInvalidPath = errors.New("fswatch: path is not valid UTF-8")

	// ErrBatchLength is returned by NewBatch if the paths, flags and ids have
	// different lengths.
	ErrBatchLength = errors.New("fswatch: batch arrays differ in length")
)

// Event is a single change reported by the notification service.
type Event struct {
	// Path as received from the operating system. This is usually, but not
	// always, valid UTF-8; use Text() to get a checked string.
	Path string

	// Flags describing the change.
	Flags Flags

	// ID increases for every event in a stream, unless Flags has
	// EventIDsWrapped set.
	ID uint64
}

// Text returns the path as text, or ErrInvalidPath if it's not valid UTF-8.
func (e Event) Text() (string, error) {
	if !utf8.ValidString(e.Path) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, e.Path)
	}
	return e.Path, nil
}

func (e Event) String() string {
	return fmt.Sprintf("%q: %s (%d)", e.Path, e.Flags, e.ID)
}

// Batch is a read-only list of events delivered together.
type Batch struct {
	events []Event

	// Reports if the receiver still wants events; nil means always.
	live func() bool
}

// NewBatch builds a Batch from the parallel arrays used by the native APIs;
// entry i is {paths[i], flags[i], ids[i]}.
func NewBatch(paths []string, flags []Flags, ids []uint64) (Batch, error) {
	if len(paths) != len(flags) || len(paths) != len(ids) {
		return Batch{}, fmt.Errorf("%w: paths=%d flags=%d ids=%d",
			ErrBatchLength, len(paths), len(flags), len(ids))
	}
	events := make([]Event, len(paths))
	for i := range paths {
		events[i] = Event{Path: paths[i], Flags: flags[i], ID: ids[i]}
	}
	return Batch{events: events}, nil
}

// BatchOf builds a Batch from events. The slice is copied.
func BatchOf(events ...Event) Batch {
	return Batch{events: append([]Event(nil), events...)}
}

// Len returns the number of events.
func (b Batch) Len() int { return len(b.events) }

// At returns event i. It panics if i is out of range, like a slice index.
func (b Batch) At(i int) Event { return b.events[i] }

// All iterates over the events in delivery order.
//
// For a batch delivered by a Stream the iteration ends early once the stream
// starts shutting down, so no event is processed after that point.
func (b Batch) All() iter.Seq2[int, Event] {
	return func(yield func(int, Event) bool) {
		for i, e := range b.events {
			if b.live != nil && !b.live() {
				return
			}
			if !yield(i, e) {
				return
			}
		}
	}
}

// gated returns b with iteration ending once live reports false.
func (b Batch) gated(live func() bool) Batch {
	b.live = live
	return b
}

// BatchFunc receives batches from a Subscription. It is called from a single
// goroutine, one batch at a time.
type BatchFunc func(Batch)
