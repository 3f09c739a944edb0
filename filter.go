package fswatch

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// FilterError is returned by CompileFilter if a pattern is not a valid regular
// expression.
type FilterError struct {
	Line    int // 1-based index of the pattern.
	Pattern string
	Err     error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter pattern %d %q: %s", e.Line, e.Pattern, e.Err)
}

func (e *FilterError) Unwrap() error { return e.Err }

// Filter excludes paths matching any of a set of regular expressions.
//
// The zero value and a nil *Filter match nothing.
type Filter struct {
	re *regexp.Regexp
	n  int
}

// CompileFilter combines patterns into a single Filter. A path is matched if
// any of the patterns matches anywhere in it.
//
// An empty patterns list gives a Filter that never matches.
func CompileFilter(patterns []string) (*Filter, error) {
	if len(patterns) == 0 {
		return &Filter{}, nil
	}

	// Compile one by one first so the error can point at the line; the
	// combined expression would only report the joined string.
	alt := make([]string, 0, len(patterns))
	for i, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			return nil, &FilterError{Line: i + 1, Pattern: p, Err: err}
		}
		alt = append(alt, "(?:"+p+")")
	}

	re, err := regexp.Compile(strings.Join(alt, "|"))
	if err != nil {
		return nil, fmt.Errorf("compiling combined filter: %w", err)
	}
	return &Filter{re: re, n: len(patterns)}, nil
}

// Match reports if path should be excluded.
func (f *Filter) Match(path string) bool {
	if f == nil || f.re == nil {
		return false
	}
	return f.re.MatchString(path)
}

// Len returns the number of patterns in the filter.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return f.n
}

// String returns the combined expression.
func (f *Filter) String() string {
	if f == nil || f.re == nil {
		return ""
	}
	return f.re.String()
}

// ParseFilterPatterns reads one pattern per line from r. Blank lines are
// skipped and a trailing carriage return is removed.
func ParseFilterPatterns(r io.Reader) ([]string, error) {
	var (
		patterns []string
		s        = bufio.NewScanner(r)
	)
	s.Buffer(make([]byte, 0, 4096), 1024*1024)
	for s.Scan() {
		line := strings.TrimSuffix(s.Text(), "\r")
		if line == "" {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("reading filter patterns: %w", err)
	}
	return patterns, nil
}

// ReadFilterFile reads the patterns from the file name.
func ReadFilterFile(name string) ([]string, error) {
	fp, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	patterns, err := ParseFilterPatterns(fp)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	return patterns, nil
}

// LoadFilter reads and compiles the filter file name. An empty name gives a
// Filter that never matches.
func LoadFilter(name string) (*Filter, error) {
	if name == "" {
		return CompileFilter(nil)
	}
	patterns, err := ReadFilterFile(name)
	if err != nil {
		return nil, err
	}
	f, err := CompileFilter(patterns)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	return f, nil
}
