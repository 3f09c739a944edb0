//go:build windows

package main

import (
	"os"
	"os/signal"
)

func signalChan() <-chan os.Signal {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt)
	return ch
}
