package fswatch

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strings"
)

// ErrNoPaths is returned by NewWatchRequest if no paths were given.
var ErrNoPaths = errors.New("no paths specified")

// WatchRequest is the set of paths to watch, and the optional file with
// exclusion patterns. It can't be modified after it's created.
type WatchRequest struct {
	paths      []string
	filterFile string
}

// NewWatchRequest creates a new request. Paths are made absolute and cleaned,
// "~" is expanded to the home directory, and duplicates are removed while
// keeping the order.
func NewWatchRequest(paths []string, filterFile string) (WatchRequest, error) {
	if len(paths) == 0 {
		return WatchRequest{}, ErrNoPaths
	}

	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			return WatchRequest{}, errors.New("empty path")
		}
		a, err := ExpandPath(p)
		if err != nil {
			return WatchRequest{}, fmt.Errorf("%q: %w", p, err)
		}
		if !slices.Contains(abs, a) {
			abs = append(abs, a)
		}
	}

	r := WatchRequest{paths: abs}
	if filterFile != "" {
		f, err := ExpandPath(filterFile)
		if err != nil {
			return WatchRequest{}, fmt.Errorf("filter %q: %w", filterFile, err)
		}
		r.filterFile = f
	}
	return r, nil
}

// Paths returns a copy of the paths to watch.
func (r WatchRequest) Paths() []string { return slices.Clone(r.paths) }

// FilterFile returns the filter file, or "" if there isn't one.
func (r WatchRequest) FilterFile() string { return r.filterFile }

// ExpandPath returns an absolute path for s, replacing a leading "~" with the
// home directory.
func ExpandPath(s string) (string, error) {
	prefix := "~" + string(os.PathSeparator)
	if s != "~" && !strings.HasPrefix(s, prefix) {
		return filepath.Abs(s)
	}

	u, err := user.Current()
	if err != nil {
		return "", err
	} else if u.HomeDir == "" {
		return "", fmt.Errorf("cannot expand path %s, no home directory available", s)
	}

	if s == "~" {
		return u.HomeDir, nil
	}
	return filepath.Join(u.HomeDir, strings.TrimPrefix(s, prefix)), nil
}
