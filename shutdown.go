package fswatch

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// ShutdownController tears down a Stream when the process is asked to stop.
//
// The first signal (or call to Trigger) shuts the stream down; any signals
// after that are ignored. Done is closed once the stream is released and
// marked terminated, after which the process should exit with status 0.
type ShutdownController struct {
	stream *Stream
	logger *slog.Logger

	started      atomic.Bool
	loggedRepeat atomic.Bool

	done chan struct{}
	err  error

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewShutdownController creates a controller for stream.
func NewShutdownController(stream *Stream, logger *slog.Logger) *ShutdownController {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownController{
		stream: stream,
		logger: logger.With("component", "shutdown"),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// Watch starts a goroutine that calls Trigger for every signal received on
// signals, until Close is called or signals is closed.
func (c *ShutdownController) Watch(signals <-chan os.Signal) {
	if signals == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stop:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				reason := "signal"
				if sig != nil {
					reason = sig.String()
				}
				c.Trigger(reason)
			}
		}
	}()
}

// Trigger shuts the stream down. It reports whether this call did the work;
// only the first call does, the others return false immediately.
func (c *ShutdownController) Trigger(reason string) bool {
	if !c.started.CompareAndSwap(false, true) {
		if c.loggedRepeat.CompareAndSwap(false, true) {
			c.logger.Info("shutdown already in progress; ignoring", "reason", reason)
		}
		return false
	}

	c.logger.Info("shutting down", "reason", reason)
	c.err = c.stream.Shutdown()
	if c.err != nil {
		c.logger.Warn("stream teardown failed", "error", c.err)
	}
	c.stream.Terminate()
	close(c.done)
	return true
}

// Done is closed after the first Trigger finished.
func (c *ShutdownController) Done() <-chan struct{} { return c.done }

// Err returns the error from tearing down the stream. Only valid after Done
// is closed.
func (c *ShutdownController) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close stops watching for signals. It doesn't shut the stream down.
func (c *ShutdownController) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}
