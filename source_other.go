//go:build !linux && !darwin

package fswatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

type fsnotifySource struct {
	logger *slog.Logger
}

// NewSource returns the filesystem notification service of this platform.
//
// On platforms without a dedicated bridge this uses fsnotify (kqueue on the
// BSDs, ReadDirectoryChangesW on Windows, FEN on illumos). Directories are
// watched recursively by adding every directory below the watched paths.
func NewSource(logger *slog.Logger) Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &fsnotifySource{logger: logger.With("source", "fsnotify")}
}

func (src *fsnotifySource) Subscribe(paths []string, since uint64, latency time.Duration, opts SubscribeOptions) (Subscription, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	s := &fsnotifySubscription{
		logger:     src.logger,
		w:          w,
		roots:      paths,
		fileEvents: opts.FileEvents,
		since:      since,
		items:      newItemCache(itemCacheSize),
		co:         newCoalescer(paths, latency, opts.MaxPending, firstEventID(since)),
	}
	s.co.dedupe = !opts.FileEvents

	for _, p := range paths {
		if err := s.addRecursive(p); err != nil {
			w.Close()
			return nil, err
		}
	}
	return s, nil
}

type fsnotifySubscription struct {
	logger     *slog.Logger
	w          *fsnotify.Watcher
	roots      []string
	fileEvents bool
	since      uint64

	items *itemCache
	co    *coalescer

	g       errgroup.Group
	cancel  context.CancelFunc
	started bool
}

func (s *fsnotifySubscription) addRecursive(root string) error {
	fi, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		s.items.stat(root)
		return s.w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || (errors.Is(err, fs.ErrPermission) && path != root) {
				return nil
			}
			return err
		}
		s.items.prime(path, d)
		if !d.IsDir() {
			return nil
		}
		if err := s.w.Add(path); err != nil {
			return fmt.Errorf("%q: %w", path, err)
		}
		return nil
	})
}

func (s *fsnotifySubscription) Start(deliver BatchFunc, fail func(error)) error {
	if s.started {
		return errors.New("fsnotify: subscription already started")
	}
	s.started = true

	if s.since != SinceNow {
		s.co.add(s.roots[0], HistoryDone)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.g.Go(func() error {
		err := s.watchLoop(ctx)
		if err != nil && ctx.Err() == nil && fail != nil {
			fail(err)
		}
		return nil
	})
	s.g.Go(func() error {
		return s.co.run(ctx, deliver)
	})
	return nil
}

func (s *fsnotifySubscription) watchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-s.w.Errors:
			if !ok {
				return errors.New("fsnotify: watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				sourceDroppedCounterVec.WithLabelValues("kernel").Inc()
				for _, r := range s.roots {
					s.co.add(r, KernelDropped|MustScanSubDirs)
				}
				continue
			}
			s.logger.Warn("watcher error", "error", err)
		case e, ok := <-s.w.Events:
			if !ok {
				return errors.New("fsnotify: watcher closed")
			}
			s.handle(e)
		}
	}
}

func (s *fsnotifySubscription) handle(e fsnotify.Event) {
	var flags Flags
	if e.Has(fsnotify.Create) {
		flags |= ItemCreated
	}
	if e.Has(fsnotify.Remove) {
		flags |= ItemRemoved
	}
	if e.Has(fsnotify.Write) {
		flags |= ItemModified
	}
	if e.Has(fsnotify.Rename) {
		flags |= ItemRenamed
	}

	var kind Flags
	if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
		kind = s.items.forget(e.Name)
	} else {
		var chown bool
		kind, chown = s.items.stat(e.Name)
		if e.Has(fsnotify.Chmod) {
			flags |= ItemInodeMetaMod
			if chown {
				flags |= ItemChangeOwner
			}
		}
	}
	flags |= kind

	for _, r := range s.roots {
		if r == e.Name && (e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename)) {
			flags |= RootChanged
		}
	}

	if kind == ItemIsDir && e.Has(fsnotify.Create) {
		if err := s.addRecursive(e.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("cannot watch new directory", "path", e.Name, "error", err)
			flags |= MustScanSubDirs
		}
	}

	path := e.Name
	if !s.fileEvents {
		path = filepath.Dir(e.Name)
		flags &= MustScanSubDirs | RootChanged | Mount | Unmount
	}
	s.co.add(path, flags)
}

func (s *fsnotifySubscription) Stop() error {
	if !s.started {
		return nil
	}
	s.cancel()
	return s.g.Wait()
}

func (s *fsnotifySubscription) Invalidate() error {
	var errs []error
	for _, p := range s.w.WatchList() {
		if err := s.w.Remove(p); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *fsnotifySubscription) Release() error {
	return s.w.Close()
}
