package internal

import "golang.org/x/sys/unix"

var maskNames = []struct {
	n string
	m uint32
}{
	{"IN_ACCESS", unix.IN_ACCESS},
	{"IN_ATTRIB", unix.IN_ATTRIB},
	{"IN_CLOSE_NOWRITE", unix.IN_CLOSE_NOWRITE},
	{"IN_CLOSE_WRITE", unix.IN_CLOSE_WRITE},
	{"IN_CREATE", unix.IN_CREATE},
	{"IN_DELETE", unix.IN_DELETE},
	{"IN_DELETE_SELF", unix.IN_DELETE_SELF},
	{"IN_IGNORED", unix.IN_IGNORED},
	{"IN_ISDIR", unix.IN_ISDIR},
	{"IN_MODIFY", unix.IN_MODIFY},
	{"IN_MOVED_FROM", unix.IN_MOVED_FROM},
	{"IN_MOVED_TO", unix.IN_MOVED_TO},
	{"IN_MOVE_SELF", unix.IN_MOVE_SELF},
	{"IN_OPEN", unix.IN_OPEN},
	{"IN_Q_OVERFLOW", unix.IN_Q_OVERFLOW},
	{"IN_UNMOUNT", unix.IN_UNMOUNT},
}

// MaskNames returns the names of the inotify bits set in mask, for debug
// logging.
func MaskNames(mask uint32) []string {
	var l []string
	for _, n := range maskNames {
		if mask&n.m == n.m {
			l = append(l, n.n)
		}
	}
	return l
}
