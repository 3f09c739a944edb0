//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

func signalChan() <-chan os.Signal {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	return ch
}
