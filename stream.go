package fswatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamState is returned when a Stream operation isn't valid in the
// stream's current state.
var ErrStreamState = errors.New("fswatch: invalid stream state")

// State is the lifecycle state of a Stream. States only ever move forward.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateStopping
	StateInvalidated
	StateReleased
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateInvalidated:
		return "invalidated"
	case StateReleased:
		return "released"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// StreamOptions configures CreateStream. The zero value is usable.
type StreamOptions struct {
	// Event id to start from. Zero and SinceNow only report new events.
	Since uint64

	// Coalescing window; zero uses DefaultLatency.
	Latency time.Duration

	// Only report changes per directory, rather than per file.
	DirEventsOnly bool

	// Passed on to SubscribeOptions.MaxPending.
	MaxPending int

	Logger *slog.Logger
}

// Stream owns a Subscription and drives it through its lifecycle:
//
//	created → started → stopping → invalidated → released → terminated
//
// Batches are only passed on while the stream is started. Shutdown can be
// called from any goroutine, any number of times; the subscription is torn
// down exactly once, and never while a batch is being dispatched.
type Stream struct {
	sub    Subscription
	paths  []string
	logger *slog.Logger

	state atomic.Int32

	// Read-locked for the duration of every batch; Shutdown takes the write
	// lock once to wait for an in-flight batch.
	dispatchMu sync.RWMutex

	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}

	errMu sync.Mutex
	err   error
}

// CreateStream subscribes to changes on the paths in req.
func CreateStream(src Source, req WatchRequest, opts StreamOptions) (*Stream, error) {
	paths := req.Paths()
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}

	since := opts.Since
	if since == 0 {
		since = SinceNow
	}
	latency := opts.Latency
	if latency == 0 {
		latency = DefaultLatency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sub, err := src.Subscribe(paths, since, latency, SubscribeOptions{
		FileEvents: !opts.DirEventsOnly,
		MaxPending: opts.MaxPending,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubscribe, err)
	}
	if sub == nil {
		return nil, ErrSubscribe
	}

	s := &Stream{
		sub:    sub,
		paths:  paths,
		logger: logger.With("component", "stream"),
		done:   make(chan struct{}),
	}
	s.transition(StateCreated)
	return s, nil
}

// Paths returns the watched paths.
func (s *Stream) Paths() []string { return append([]string(nil), s.paths...) }

// State returns the current state.
func (s *Stream) State() State { return State(s.state.Load()) }

// Done is closed once the subscription has been released.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the error the subscription failed with, if any.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Start begins delivering batches to fn. fn is called from a single
// goroutine, and must not call Shutdown itself. Once Shutdown is called the
// batch being processed yields no further events from Batch.All.
func (s *Stream) Start(fn BatchFunc) error {
	if fn == nil {
		return errors.New("fswatch: nil BatchFunc")
	}
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		return fmt.Errorf("%w: cannot start a stream that is %s", ErrStreamState, s.State())
	}
	s.transition(StateStarted)

	err := s.sub.Start(func(b Batch) { s.deliver(fn, b) }, s.fail)
	if err != nil {
		return errors.Join(fmt.Errorf("starting stream: %w", err), s.Shutdown())
	}
	return nil
}

func (s *Stream) deliver(fn BatchFunc, b Batch) {
	s.dispatchMu.RLock()
	defer s.dispatchMu.RUnlock()

	if !s.started() {
		return
	}
	fn(b.gated(s.started))
}

func (s *Stream) started() bool { return s.State() == StateStarted }

// fail is called by the subscription when it can no longer deliver events.
func (s *Stream) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()

	s.logger.Error("subscription failed", "error", err)
	// The subscription may call this from its own delivery goroutine, which
	// Stop waits for.
	go s.Shutdown()
}

// Shutdown stops, invalidates and releases the subscription. Only the first
// call does any work; later calls wait for it and return the same error.
func (s *Stream) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
		close(s.done)
	})
	return s.shutdownErr
}

func (s *Stream) shutdown() error {
	for {
		cur := s.state.Load()
		if cur >= int32(StateStopping) {
			return nil
		}
		if s.state.CompareAndSwap(cur, int32(StateStopping)) {
			break
		}
	}
	s.transition(StateStopping)

	// Wait for the batch that's being dispatched, if any. Batches that arrive
	// after this see StateStopping and are dropped.
	s.dispatchMu.Lock()
	s.dispatchMu.Unlock()

	var errs []error
	if err := s.sub.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}

	if err := s.sub.Invalidate(); err != nil {
		errs = append(errs, fmt.Errorf("invalidate: %w", err))
	}
	s.state.Store(int32(StateInvalidated))
	s.transition(StateInvalidated)

	if err := s.sub.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release: %w", err))
	}
	s.state.Store(int32(StateReleased))
	s.transition(StateReleased)

	return errors.Join(errs...)
}

// Terminate marks a released stream as terminated, right before the process
// exits. It reports false if the stream wasn't released.
func (s *Stream) Terminate() bool {
	if !s.state.CompareAndSwap(int32(StateReleased), int32(StateTerminated)) {
		return false
	}
	s.transition(StateTerminated)
	return true
}

func (s *Stream) transition(to State) {
	streamTransitionsCounterVec.WithLabelValues(to.String()).Inc()
	s.logger.Debug("stream state", "state", to.String())
}
