package fswatch

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStream(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s, src := newFakeStream(t, StreamOptions{})
		sub := src.last()
		assert.Equal(t, StateCreated, s.State())
		assert.Equal(t, SinceNow, sub.since)
		assert.Equal(t, DefaultLatency, sub.latency)
		assert.True(t, sub.opts.FileEvents)
		assert.Equal(t, s.Paths(), sub.paths)
		require.NoError(t, s.Shutdown())
	})

	t.Run("options", func(t *testing.T) {
		s, src := newFakeStream(t, StreamOptions{
			Since:         5,
			Latency:       time.Second,
			DirEventsOnly: true,
			MaxPending:    10,
		})
		sub := src.last()
		assert.Equal(t, uint64(5), sub.since)
		assert.Equal(t, time.Second, sub.latency)
		assert.Equal(t, SubscribeOptions{FileEvents: false, MaxPending: 10}, sub.opts)
		require.NoError(t, s.Shutdown())
	})

	t.Run("subscribe error", func(t *testing.T) {
		req, err := NewWatchRequest([]string{t.TempDir()}, "")
		require.NoError(t, err)

		_, err = CreateStream(&fakeSource{err: errFake}, req, StreamOptions{})
		assert.ErrorIs(t, err, ErrSubscribe)
		assert.ErrorIs(t, err, errFake)
	})

	t.Run("no paths", func(t *testing.T) {
		_, err := CreateStream(&fakeSource{}, WatchRequest{}, StreamOptions{})
		assert.ErrorIs(t, err, ErrNoPaths)
	})
}

func TestStreamLifecycle(t *testing.T) {
	s, src := newFakeStream(t, StreamOptions{})
	sub := src.last()

	out := new(bytes.Buffer)
	d := NewDispatcher(out, nil, nil)
	require.NoError(t, s.Start(d.Dispatch))
	assert.Equal(t, StateStarted, s.State())

	sub.send(BatchOf(Event{"/tmp/a", ItemCreated | ItemIsFile, 1}))
	assert.Equal(t, "paths: /tmp/a flags: Item Created, Item is File id: 1\n", out.String())

	require.NoError(t, s.Shutdown())
	assert.Equal(t, StateReleased, s.State())
	assert.Equal(t, []string{"start", "stop", "invalidate", "release"}, sub.Calls())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	// Nothing is passed on after shutdown.
	sub.send(BatchOf(Event{"/tmp/b", ItemCreated, 2}))
	assert.Equal(t, uint64(1), d.Stats().Batches)

	assert.True(t, s.Terminate())
	assert.Equal(t, StateTerminated, s.State())
	assert.False(t, s.Terminate())
}

func TestStreamStartState(t *testing.T) {
	s, src := newFakeStream(t, StreamOptions{})
	fn := func(Batch) {}

	assert.Error(t, s.Start(nil))
	require.NoError(t, s.Start(fn))
	assert.ErrorIs(t, s.Start(fn), ErrStreamState)

	require.NoError(t, s.Shutdown())
	assert.ErrorIs(t, s.Start(fn), ErrStreamState)
	assert.Equal(t, 1, src.last().count("start"))
}

func TestStreamStartError(t *testing.T) {
	src := &fakeSource{startErr: errFake}
	req, err := NewWatchRequest([]string{t.TempDir()}, "")
	require.NoError(t, err)
	s, err := CreateStream(src, req, StreamOptions{})
	require.NoError(t, err)

	err = s.Start(func(Batch) {})
	assert.ErrorIs(t, err, errFake)
	assert.Equal(t, StateReleased, s.State())
	assert.Equal(t, []string{"start", "stop", "invalidate", "release"}, src.last().Calls())
}

func TestStreamShutdownBeforeStart(t *testing.T) {
	s, src := newFakeStream(t, StreamOptions{})
	require.NoError(t, s.Shutdown())
	assert.Equal(t, StateReleased, s.State())
	assert.Equal(t, []string{"stop", "invalidate", "release"}, src.last().Calls())
}

func TestStreamConcurrentShutdown(t *testing.T) {
	s, src := newFakeStream(t, StreamOptions{})
	require.NoError(t, s.Start(func(Batch) {}))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Shutdown())
		}()
	}
	wg.Wait()

	sub := src.last()
	assert.Equal(t, 1, sub.count("stop"))
	assert.Equal(t, 1, sub.count("invalidate"))
	assert.Equal(t, 1, sub.count("release"))
}

// A batch that is being dispatched is finished before the subscription is
// stopped.
func TestStreamShutdownWaitsForBatch(t *testing.T) {
	s, src := newFakeStream(t, StreamOptions{})

	var (
		entered = make(chan struct{})
		release = make(chan struct{})
		mu      sync.Mutex
		seen    []string
	)
	require.NoError(t, s.Start(func(b Batch) {
		close(entered)
		<-release
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, "batch done")
	}))
	sub := src.last()
	sub.stopHook = func() {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, "stop")
	}

	go sub.send(BatchOf(Event{"/tmp/a", ItemCreated, 1}))
	<-entered

	shutdown := make(chan error)
	go func() { shutdown <- s.Shutdown() }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStopping, s.State())
	assert.Equal(t, 0, sub.count("stop"), "stopped while a batch was dispatched")

	close(release)
	require.NoError(t, <-shutdown)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"batch done", "stop"}, seen)
}

func TestStreamFail(t *testing.T) {
	s, src := newFakeStream(t, StreamOptions{})
	require.NoError(t, s.Start(func(Batch) {}))

	src.last().failWith(errFake)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream not shut down after failure")
	}
	assert.ErrorIs(t, s.Err(), errFake)
	assert.Equal(t, StateReleased, s.State())

	// Only the first error is kept.
	src.last().failWith(errors.New("second"))
	assert.ErrorIs(t, s.Err(), errFake)
}

// Create, start and shut down a number of streams; every subscription is
// released exactly once.
func TestStreamCycles(t *testing.T) {
	src := &fakeSource{}
	req, err := NewWatchRequest([]string{t.TempDir()}, "")
	require.NoError(t, err)

	for range 50 {
		s, err := CreateStream(src, req, StreamOptions{})
		require.NoError(t, err)
		require.NoError(t, s.Start(func(Batch) {}))
		require.NoError(t, s.Shutdown())
		require.True(t, s.Terminate())
	}

	require.Len(t, src.subs, 50)
	for _, sub := range src.subs {
		assert.Equal(t, []string{"start", "stop", "invalidate", "release"}, sub.Calls())
	}
}

// gateWriter blocks the first Write until release is closed.
type gateWriter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *gateWriter) Write(p []byte) (int, error) {
	first := false
	w.once.Do(func() { first = true })
	if first {
		close(w.entered)
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gateWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Entries after the one being written when Shutdown is called are not printed.
func TestStreamShutdownMidBatch(t *testing.T) {
	s, src := newFakeStream(t, StreamOptions{})
	w := &gateWriter{entered: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(w, nil, nil)
	require.NoError(t, s.Start(d.Dispatch))

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		src.last().send(BatchOf(
			Event{"/tmp/a", ItemCreated, 1},
			Event{"/tmp/b", ItemCreated, 2},
			Event{"/tmp/c", ItemCreated, 3}))
	}()
	<-w.entered

	shutdown := make(chan error)
	go func() { shutdown <- s.Shutdown() }()
	require.Eventually(t, func() bool { return s.State() >= StateStopping }, 2*time.Second, time.Millisecond)

	close(w.release)
	require.NoError(t, <-shutdown)
	<-sent

	assert.Equal(t, "paths: /tmp/a flags: Item Created id: 1\n", w.String())
	assert.Equal(t, uint64(1), d.Stats().Emitted)
}

func TestBatchAllGated(t *testing.T) {
	live := true
	b := BatchOf(Event{Path: "/a"}, Event{Path: "/b"}, Event{Path: "/c"}).gated(func() bool { return live })

	var have []string
	for _, e := range b.All() {
		have = append(have, e.Path)
		live = false
	}
	assert.Equal(t, []string{"/a"}, have)
	assert.Equal(t, 3, b.Len())
}
