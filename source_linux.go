// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package fswatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/fsnotify/fswatch/internal"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const inotifyWatchMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MODIFY |
	unix.IN_ATTRIB | unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
	unix.IN_DELETE_SELF | unix.IN_MOVE_SELF | unix.IN_EXCL_UNLINK

type inotifySource struct {
	logger *slog.Logger
}

// NewSource returns the filesystem notification service of this platform.
//
// On Linux this is inotify. inotify watches are not recursive, so every
// directory below a watched path gets its own watch; the
// fs.inotify.max_user_watches sysctl limits how many can be added:
//
//	sysctl fs.inotify.max_user_watches=124983
//
// Reaching the limit returns ErrWatchLimit.
func NewSource(logger *slog.Logger) Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &inotifySource{logger: logger.With("source", "inotify")}
}

func (src *inotifySource) Subscribe(paths []string, since uint64, latency time.Duration, opts SubscribeOptions) (Subscription, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, err
		}
	}

	s := &inotifySubscription{
		logger:     src.logger,
		roots:      paths,
		rootSet:    make(map[string]struct{}, len(paths)),
		fileEvents: opts.FileEvents,
		since:      since,
		watches:    make(map[string]int),
		paths:      make(map[int]string),
		items:      newItemCache(itemCacheSize),
		co:         newCoalescer(paths, latency, opts.MaxPending, firstEventID(since)),
	}
	s.co.dedupe = !opts.FileEvents
	for _, p := range paths {
		s.rootSet[p] = struct{}{}
	}

	if err := s.open(); err != nil {
		s.closeFDs()
		return nil, err
	}
	for _, p := range paths {
		if err := s.addRecursive(p); err != nil {
			s.closeFDs()
			return nil, err
		}
	}
	return s, nil
}

// inotifySubscription reads inotify events and passes them on as batches.
//
// Based on the inotify + epoll watcher in litestream's internal package: epoll
// waits on both the inotify descriptor and a pipe, so Stop can wake the reader
// by writing to the pipe.
type inotifySubscription struct {
	logger     *slog.Logger
	roots      []string
	rootSet    map[string]struct{}
	fileEvents bool
	since      uint64

	inotify struct {
		fd  int
		buf []byte
	}
	epoll struct {
		fd     int
		events []unix.EpollEvent
	}
	pipe struct {
		r, w int
	}

	mu        sync.Mutex
	watches   map[string]int // path → watch descriptor
	paths     map[int]string // watch descriptor → path
	capWarned bool

	items *itemCache
	co    *coalescer

	g       errgroup.Group
	cancel  context.CancelFunc
	started bool
	fail    func(error)
}

func (s *inotifySubscription) open() (err error) {
	s.inotify.fd, s.epoll.fd, s.pipe.r, s.pipe.w = -1, -1, -1, -1

	s.inotify.fd, err = unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return os.NewSyscallError("inotify_init1", err)
	}
	s.inotify.buf = make([]byte, 4096*(unix.SizeofInotifyEvent+unix.NAME_MAX+1))

	if s.epoll.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return os.NewSyscallError("epoll_create1", err)
	}
	s.epoll.events = make([]unix.EpollEvent, 8)

	pipe := []int{-1, -1}
	if err := unix.Pipe2(pipe, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return os.NewSyscallError("pipe2", err)
	}
	s.pipe.r, s.pipe.w = pipe[0], pipe[1]

	for _, fd := range []int{s.inotify.fd, s.pipe.r} {
		if err := unix.EpollCtl(s.epoll.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Fd:     int32(fd),
			Events: unix.EPOLLIN,
		}); err != nil {
			return os.NewSyscallError("epoll_ctl", err)
		}
	}
	return nil
}

// addRecursive watches path and, if it's a directory, every directory below
// it.
func (s *inotifySubscription) addRecursive(root string) error {
	fi, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		s.items.stat(root)
		return s.addWatch(root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			switch {
			case errors.Is(err, fs.ErrNotExist):
				return nil
			case errors.Is(err, fs.ErrPermission) && path != root:
				s.warnPermission(path, err)
				return nil
			}
			return err
		}
		s.items.prime(path, d)
		if !d.IsDir() {
			return nil
		}

		err = s.addWatch(path)
		if errors.Is(err, unix.EACCES) && path != root {
			s.warnPermission(path, err)
			return filepath.SkipDir
		}
		return err
	})
}

func (s *inotifySubscription) addWatch(path string) error {
	wd, err := unix.InotifyAddWatch(s.inotify.fd, path, inotifyWatchMask)
	if err != nil {
		if errors.Is(err, unix.ENOSPC) {
			return fmt.Errorf("%q: %w", path, ErrWatchLimit)
		}
		return fmt.Errorf("%q: %w", path, os.NewSyscallError("inotify_add_watch", err))
	}

	s.mu.Lock()
	s.watches[path] = wd
	s.paths[wd] = path
	s.mu.Unlock()
	return nil
}

// removeUnder removes the watches on dir and everything below it.
func (s *inotifySubscription) removeUnder(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := dir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	for path, wd := range s.watches {
		if path != dir && !strings.HasPrefix(path, prefix) {
			continue
		}
		_, _ = unix.InotifyRmWatch(s.inotify.fd, uint32(wd))
		delete(s.watches, path)
		delete(s.paths, wd)
	}
}

func (s *inotifySubscription) forgetWatch(wd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path, ok := s.paths[wd]; ok {
		delete(s.paths, wd)
		if s.watches[path] == wd {
			delete(s.watches, path)
		}
	}
}

// warnPermission logs a directory that is skipped because it can't be read.
// The first one is a warning that says whether CAP_DAC_READ_SEARCH is held,
// since that's what's needed to watch everything under "/".
func (s *inotifySubscription) warnPermission(path string, err error) {
	s.mu.Lock()
	first := !s.capWarned
	s.capWarned = true
	s.mu.Unlock()

	if !first {
		s.logger.Debug("skipping unreadable directory", "path", path, "error", err)
		return
	}
	s.logger.Warn("skipping unreadable directory; further ones are logged at debug level",
		"path", path, "error", err,
		"cap_dac_read_search", hasCapability(capability.CAP_DAC_READ_SEARCH))
}

func hasCapability(c capability.Cap) bool {
	caps, err := capability.NewPid2(os.Getpid())
	if err != nil {
		return false
	}
	if err := caps.Load(); err != nil {
		return false
	}
	return caps.Get(capability.EFFECTIVE, c)
}

func (s *inotifySubscription) Start(deliver BatchFunc, fail func(error)) error {
	if s.started {
		return errors.New("inotify: subscription already started")
	}
	s.started = true
	s.fail = fail

	// inotify has no history; say so right away.
	if s.since != SinceNow {
		s.co.add(s.roots[0], HistoryDone)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.g.Go(func() error {
		err := s.monitor(ctx)
		if err != nil && ctx.Err() == nil {
			if s.fail != nil {
				s.fail(err)
			}
			return err
		}
		return nil
	})
	s.g.Go(func() error {
		return s.co.run(ctx, deliver)
	})
	return nil
}

// Stop wakes the reader, and waits for both the reader and delivery goroutine
// to exit.
func (s *inotifySubscription) Stop() error {
	if !s.started {
		return nil
	}
	s.cancel()
	if err := s.wake(); err != nil {
		return err
	}
	return s.g.Wait()
}

// Invalidate removes all inotify watches.
func (s *inotifySubscription) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for wd, path := range s.paths {
		if _, err := unix.InotifyRmWatch(s.inotify.fd, uint32(wd)); err != nil && !errors.Is(err, unix.EINVAL) {
			errs = append(errs, fmt.Errorf("%q: %w", path, os.NewSyscallError("inotify_rm_watch", err)))
		}
	}
	clear(s.paths)
	clear(s.watches)
	return errors.Join(errs...)
}

// Release closes all file descriptors.
func (s *inotifySubscription) Release() error {
	return s.closeFDs()
}

func (s *inotifySubscription) closeFDs() error {
	var errs []error
	for _, fd := range []*int{&s.inotify.fd, &s.epoll.fd, &s.pipe.w, &s.pipe.r} {
		if *fd < 0 {
			continue
		}
		if err := unix.Close(*fd); err != nil {
			errs = append(errs, os.NewSyscallError("close", err))
		}
		*fd = -1
	}
	return errors.Join(errs...)
}

func (s *inotifySubscription) monitor(ctx context.Context) error {
	for {
		if err := s.wait(ctx); err != nil {
			return err
		}
		if err := s.read(); err != nil {
			return err
		}
	}
}

func (s *inotifySubscription) wait(ctx context.Context) error {
	for {
		n, err := internal.IgnoringEINTR(func() (int, error) {
			return unix.EpollWait(s.epoll.fd, s.epoll.events, -1)
		})
		if err != nil {
			return os.NewSyscallError("epoll_wait", err)
		}

		var hasData bool
		for _, ev := range s.epoll.events[:n] {
			switch ev.Fd {
			case int32(s.inotify.fd):
				hasData = hasData || ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLIN) != 0
			case int32(s.pipe.r):
				if _, err := unix.Read(s.pipe.r, make([]byte, 64)); err != nil && err != unix.EAGAIN {
					return fmt.Errorf("epoll pipe: %w", err)
				}
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if hasData {
			return nil
		}
	}
}

func (s *inotifySubscription) wake() error {
	if _, err := unix.Write(s.pipe.w, []byte{0}); err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write", err)
	}
	return nil
}

func (s *inotifySubscription) read() error {
	n, err := internal.IgnoringEINTR(func() (int, error) {
		return unix.Read(s.inotify.fd, s.inotify.buf)
	})
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return os.NewSyscallError("read", err)
	}
	if n == 0 {
		return errors.New("inotify: unexpected EOF")
	}
	return s.recv(s.inotify.buf[:n])
}

func (s *inotifySubscription) recv(b []byte) error {
	for len(b) > 0 {
		if len(b) < unix.SizeofInotifyEvent {
			return fmt.Errorf("inotify: short record: n=%d", len(b))
		}
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&b[0]))
		end := unix.SizeofInotifyEvent + int(raw.Len)
		if len(b) < end {
			return fmt.Errorf("inotify: short name: n=%d want=%d", len(b), end)
		}

		var name string
		if raw.Len > 0 {
			// The name is padded with NULL bytes.
			name = strings.TrimRight(string(b[unix.SizeofInotifyEvent:end]), "\x00")
		}
		s.handle(int(raw.Wd), raw.Mask, name)
		b = b[end:]
	}
	return nil
}

// handle translates one inotify event into Flags and queues it.
func (s *inotifySubscription) handle(wd int, mask uint32, name string) {
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.Debug("inotify event", "wd", wd, "name", name,
			"mask", strings.Join(internal.MaskNames(mask), "|"))
	}

	if mask&unix.IN_Q_OVERFLOW != 0 {
		sourceDroppedCounterVec.WithLabelValues("kernel").Inc()
		for _, r := range s.roots {
			s.co.add(r, KernelDropped|MustScanSubDirs)
		}
		return
	}

	s.mu.Lock()
	dir, ok := s.paths[wd]
	s.mu.Unlock()
	if !ok {
		return
	}
	if mask&unix.IN_IGNORED != 0 {
		s.forgetWatch(wd)
		return
	}

	path := dir
	if name != "" {
		path = filepath.Join(dir, name)
	}
	_, isRoot := s.rootSet[path]

	var flags Flags
	if mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 {
		// The parent directory reports this too, unless it's not watched.
		if !isRoot {
			return
		}
		flags |= RootChanged
		if mask&unix.IN_DELETE_SELF != 0 {
			flags |= ItemRemoved
		} else {
			flags |= ItemRenamed
		}
	}
	if mask&unix.IN_UNMOUNT != 0 {
		flags |= Unmount
	}
	if mask&unix.IN_CREATE != 0 {
		flags |= ItemCreated
	}
	if mask&unix.IN_DELETE != 0 {
		flags |= ItemRemoved
	}
	if mask&unix.IN_MODIFY != 0 {
		flags |= ItemModified
	}
	if mask&(unix.IN_MOVED_FROM|unix.IN_MOVED_TO) != 0 {
		flags |= ItemRenamed
	}
	if mask&unix.IN_ATTRIB != 0 {
		flags |= ItemInodeMetaMod
	}

	var kind Flags
	if mask&(unix.IN_DELETE|unix.IN_MOVED_FROM|unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 {
		kind = s.items.forget(path)
	} else {
		var chown bool
		kind, chown = s.items.stat(path)
		if chown && mask&unix.IN_ATTRIB != 0 {
			flags |= ItemChangeOwner
		}
	}
	if kind == 0 && mask&unix.IN_ISDIR != 0 {
		kind = ItemIsDir
	}
	flags |= kind

	if mask&unix.IN_ISDIR != 0 {
		switch {
		case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
			if err := s.addRecursive(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("cannot watch new directory", "path", path, "error", err)
				flags |= MustScanSubDirs
			}
		case mask&unix.IN_MOVED_FROM != 0:
			s.removeUnder(path)
		}
	}

	if !s.fileEvents {
		path = dir
		flags &= MustScanSubDirs | RootChanged | Mount | Unmount
	}
	s.co.add(path, flags)
}
