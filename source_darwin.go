//go:build darwin

package fswatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsevents"
)

type fseventsSource struct {
	logger *slog.Logger
}

// NewSource returns the filesystem notification service of this platform.
//
// On macOS this is FSEvents. The flags FSEvents reports are passed through
// unchanged.
func NewSource(logger *slog.Logger) Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &fseventsSource{logger: logger.With("source", "fsevents")}
}

func (src *fseventsSource) Subscribe(paths []string, since uint64, latency time.Duration, opts SubscribeOptions) (Subscription, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, err
		}
	}

	flags := fsevents.WatchRoot
	if opts.FileEvents {
		flags |= fsevents.FileEvents
	}
	es := &fsevents.EventStream{
		Paths:   paths,
		Latency: latency,
		Flags:   flags,
		Events:  make(chan []fsevents.Event, 16),
	}
	if since != SinceNow {
		es.Resume = true
		es.EventID = since
	}
	return &fseventsSubscription{logger: src.logger, es: es}, nil
}

// fseventsSubscription wraps an FSEvents stream. The fsevents package creates
// the native stream in Start and stops, invalidates and releases it in Stop,
// so Invalidate and Release only check the order.
type fseventsSubscription struct {
	logger *slog.Logger
	es     *fsevents.EventStream

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

func (s *fseventsSubscription) Start(deliver BatchFunc, fail func(error)) error {
	if s.started {
		return errors.New("fsevents: subscription already started")
	}
	if err := s.es.Start(); err != nil {
		return err
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evs, ok := <-s.es.Events:
				if !ok {
					if ctx.Err() == nil && fail != nil {
						fail(errors.New("fsevents: event channel closed"))
					}
					return
				}
				if len(evs) == 0 {
					continue
				}
				deliver(s.batch(evs))
			}
		}
	}()
	return nil
}

func (s *fseventsSubscription) batch(evs []fsevents.Event) Batch {
	events := make([]Event, len(evs))
	for i, e := range evs {
		f := Flags(e.Flags)
		if f&KernelDropped != 0 {
			sourceDroppedCounterVec.WithLabelValues("kernel").Inc()
		}
		if f&UserDropped != 0 {
			sourceDroppedCounterVec.WithLabelValues("user").Inc()
		}
		events[i] = Event{Path: e.Path, Flags: f, ID: e.ID}
	}
	return Batch{events: events}
}

func (s *fseventsSubscription) Stop() error {
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	// Stop the native stream first: its callback may be blocked sending on
	// Events, which the goroutine below is still draining.
	s.es.Stop()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *fseventsSubscription) Invalidate() error {
	if s.started && !s.stopped {
		return errors.New("fsevents: invalidate before stop")
	}
	return nil
}

func (s *fseventsSubscription) Release() error {
	if s.started && !s.stopped {
		return errors.New("fsevents: release before stop")
	}
	s.es = nil
	return nil
}
