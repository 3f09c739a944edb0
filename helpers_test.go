package fswatch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// We wait a little bit after most commands; gives the system some time to sync
// things and makes things more consistent.
func eventSeparator() { time.Sleep(50 * time.Millisecond) }
func waitForEvents()  { time.Sleep(500 * time.Millisecond) }

var join = filepath.Join

// mkdir
func mkdir(t *testing.T, path ...string) {
	t.Helper()
	if err := os.Mkdir(join(path...), 0o0755); err != nil {
		t.Fatalf("mkdir(%q): %s", join(path...), err)
	}
	eventSeparator()
}

// mkdir -p
func mkdirAll(t *testing.T, path ...string) {
	t.Helper()
	if err := os.MkdirAll(join(path...), 0o0755); err != nil {
		t.Fatalf("mkdirAll(%q): %s", join(path...), err)
	}
	eventSeparator()
}

// echo data >>file
func cat(t *testing.T, data string, path ...string) {
	t.Helper()
	err := func() error {
		fp, err := os.OpenFile(join(path...), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return err
		}
		if _, err := fp.WriteString(data); err != nil {
			fp.Close()
			return err
		}
		return fp.Close()
	}()
	if err != nil {
		t.Fatalf("cat(%q): %s", join(path...), err)
	}
	eventSeparator()
}

// touch
func touch(t *testing.T, path ...string) {
	t.Helper()
	fp, err := os.Create(join(path...))
	if err != nil {
		t.Fatalf("touch(%q): %s", join(path...), err)
	}
	if err := fp.Close(); err != nil {
		t.Fatalf("touch(%q): %s", join(path...), err)
	}
	eventSeparator()
}

// mv
func mv(t *testing.T, src string, dst ...string) {
	t.Helper()
	if err := os.Rename(src, join(dst...)); err != nil {
		t.Fatalf("mv(%q, %q): %s", src, join(dst...), err)
	}
	eventSeparator()
}

// rm
func rm(t *testing.T, path ...string) {
	t.Helper()
	if err := os.Remove(join(path...)); err != nil {
		t.Fatalf("rm(%q): %s", join(path...), err)
	}
	eventSeparator()
}

// rm -r
func rmAll(t *testing.T, path ...string) {
	t.Helper()
	if err := os.RemoveAll(join(path...)); err != nil {
		t.Fatalf("rmAll(%q): %s", join(path...), err)
	}
	eventSeparator()
}

// chmod
func chmod(t *testing.T, mode fs.FileMode, path ...string) {
	t.Helper()
	if err := os.Chmod(join(path...), mode); err != nil {
		t.Fatalf("chmod(%q): %s", join(path...), err)
	}
	eventSeparator()
}

// Collect all batches from a stream.
//
//	c := newCollector()
//	stream.Start(c.deliver)
//
//	.. do stuff ..
//
//	events := c.stop(t, stream)
type eventCollector struct {
	mu      sync.Mutex
	batches []Batch
}

func newCollector() *eventCollector { return &eventCollector{} }

func (c *eventCollector) deliver(b Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
}

// events returns all events received so far, in order.
func (c *eventCollector) events() Events {
	c.mu.Lock()
	defer c.mu.Unlock()
	var e Events
	for _, b := range c.batches {
		for _, ee := range b.All() {
			e = append(e, ee)
		}
	}
	return e
}

// stop waits for pending events, shuts the stream down and returns what we've
// got.
func (c *eventCollector) stop(t *testing.T, s *Stream) Events {
	t.Helper()
	waitForEvents()
	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown: %s", err)
	}
	return c.events()
}

type Events []Event

func (e Events) String() string {
	b := new(strings.Builder)
	for i, ee := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(b, "%q %s (%d)", filepath.ToSlash(ee.Path), DecodeFlags(ee.Flags), ee.ID)
	}
	return b.String()
}

// find returns the first event for path that has all of flags set.
func (e Events) find(path string, flags Flags) (Event, bool) {
	for _, ee := range e {
		if ee.Path == path && ee.Flags&flags == flags {
			return ee, true
		}
	}
	return Event{}, false
}

func indent(s fmt.Stringer) string {
	return "\t" + strings.ReplaceAll(s.String(), "\n", "\n\t")
}

// fakeSource hands out fakeSubscriptions, or err.
type fakeSource struct {
	mu   sync.Mutex
	err  error
	subs []*fakeSubscription

	// Set on every new subscription.
	startErr error
	stopHook func()
}

func (f *fakeSource) Subscribe(paths []string, since uint64, latency time.Duration, opts SubscribeOptions) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSubscription{
		paths:    paths,
		since:    since,
		latency:  latency,
		opts:     opts,
		startErr: f.startErr,
		stopHook: f.stopHook,
	}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSource) last() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

// fakeSubscription records the calls made on it. Batches are delivered with
// send, from the calling goroutine.
type fakeSubscription struct {
	paths   []string
	since   uint64
	latency time.Duration
	opts    SubscribeOptions

	startErr error
	stopHook func()

	mu      sync.Mutex
	calls   []string
	deliver BatchFunc
	fail    func(error)
}

func (s *fakeSubscription) record(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *fakeSubscription) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func (s *fakeSubscription) count(c string) int {
	n := 0
	for _, cc := range s.Calls() {
		if cc == c {
			n++
		}
	}
	return n
}

func (s *fakeSubscription) Start(deliver BatchFunc, fail func(error)) error {
	s.record("start")
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.deliver, s.fail = deliver, fail
	s.mu.Unlock()
	return nil
}

func (s *fakeSubscription) Stop() error {
	s.record("stop")
	if s.stopHook != nil {
		s.stopHook()
	}
	return nil
}

func (s *fakeSubscription) Invalidate() error { s.record("invalidate"); return nil }
func (s *fakeSubscription) Release() error    { s.record("release"); return nil }

func (s *fakeSubscription) send(b Batch) {
	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	if deliver == nil {
		panic("fakeSubscription: send before start")
	}
	deliver(b)
}

func (s *fakeSubscription) failWith(err error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail == nil {
		panic("fakeSubscription: fail before start")
	}
	fail(err)
}

var errFake = errors.New("fake error")

// newFakeStream creates a stream on a fakeSource watching t.TempDir().
func newFakeStream(t *testing.T, opts StreamOptions) (*Stream, *fakeSource) {
	t.Helper()
	src := &fakeSource{}
	req, err := NewWatchRequest([]string{t.TempDir()}, "")
	if err != nil {
		t.Fatal(err)
	}
	s, err := CreateStream(src, req, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s, src
}
