//go:build linux

package internal

import "syscall"

// IgnoringEINTR makes a function call and repeats it if it returns an
// EINTR error. Signal handlers are installed with SA_RESTART, but epoll_wait
// is never restarted and a signal arriving during it returns EINTR.
func IgnoringEINTR[T any](fn func() (T, error)) (T, error) {
	for {
		v, err := fn()
		if err != syscall.EINTR {
			return v, err
		}
	}
}
