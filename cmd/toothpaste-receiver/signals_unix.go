//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toothpaste/toothpaste/internal/dispatcher"
)

// watchPairingSignals stands in for the pairing button: SIGUSR1 opens a pairing window and
// SIGUSR2 leaves pairing mode.
func watchPairingSignals(ctx context.Context, d *dispatcher.Dispatcher, window time.Duration) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		defer signal.Stop(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-signals:
				if sig == syscall.SIGUSR1 {
					d.OpenPairingWindow(window)
				} else {
					d.SetPairingMode(false)
				}
			}
		}
	}()
}
