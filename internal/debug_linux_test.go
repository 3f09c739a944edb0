package internal

import (
	"slices"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMaskNames(t *testing.T) {
	tests := []struct {
		mask uint32
		want []string
	}{
		{0, nil},
		{unix.IN_CREATE, []string{"IN_CREATE"}},
		{unix.IN_CREATE | unix.IN_ISDIR, []string{"IN_CREATE", "IN_ISDIR"}},
		{unix.IN_MOVED_TO | unix.IN_MOVED_FROM, []string{"IN_MOVED_FROM", "IN_MOVED_TO"}},
		{unix.IN_Q_OVERFLOW, []string{"IN_Q_OVERFLOW"}},
	}
	for _, tt := range tests {
		have := MaskNames(tt.mask)
		if !slices.Equal(have, tt.want) {
			t.Errorf("MaskNames(%#x)\nhave: %q\nwant: %q", tt.mask, have, tt.want)
		}
	}
}
