//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// setupDumpStackTrap logs the stacks of all goroutines on SIGUSR1 until ctx
// is done.
func setupDumpStackTrap(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, unix.SIGUSR1)
	go func() {
		defer signal.Stop(c)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c:
				log.G(ctx).WithField("stacks", dumpStacks()).Info("Goroutine stacks")
			}
		}
	}()
}
