package fswatch

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// DispatchStats counts what the Dispatcher did with the events it received.
type DispatchStats struct {
	Batches     uint64
	Emitted     uint64
	Filtered    uint64
	InvalidPath uint64
}

// Dispatcher writes a line for every event that isn't excluded by the filter:
//
//	paths: /tmp/x/a.txt flags: Item Created, Item is File id: 1234
type Dispatcher struct {
	w      io.Writer
	filter *Filter
	logger *slog.Logger

	batches, emitted, filtered, invalid atomic.Uint64
}

// NewDispatcher creates a new Dispatcher writing to w. The filter may be nil.
func NewDispatcher(w io.Writer, filter *Filter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		w:      w,
		filter: filter,
		logger: logger.With("component", "dispatcher"),
	}
}

// Dispatch processes all events in b, in order. An event whose path can't be
// decoded is skipped without affecting the others.
func (d *Dispatcher) Dispatch(b Batch) {
	if b.Len() == 0 {
		return
	}
	d.batches.Add(1)
	dispatchBatchesCounter.Inc()

	for i, e := range b.All() {
		path, err := e.Text()
		if err != nil {
			d.invalid.Add(1)
			dispatchEntriesCounterVec.WithLabelValues(resultInvalidPath).Inc()
			d.logger.Debug("skipping event", "index", i, "id", e.ID, "error", err)
			continue
		}

		if d.filter.Match(path) {
			d.filtered.Add(1)
			dispatchEntriesCounterVec.WithLabelValues(resultFiltered).Inc()
			continue
		}

		if _, err := fmt.Fprintf(d.w, "paths: %s flags: %s id: %d\n", path, DecodeFlags(e.Flags), e.ID); err != nil {
			d.logger.Warn("writing event", "path", path, "error", err)
			continue
		}
		d.emitted.Add(1)
		dispatchEntriesCounterVec.WithLabelValues(resultEmitted).Inc()
	}
}

// Stats returns the counters so far.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Batches:     d.batches.Load(),
		Emitted:     d.emitted.Load(),
		Filtered:    d.filtered.Load(),
		InvalidPath: d.invalid.Load(),
	}
}
