//go:build windows

package doctor

import (
	"os"
	"os/signal"
)

func resetTerminal() {
	// No raw mode cleanup needed on Windows.
}

func setupInterruptHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go func() {
		<-ch
		println("\nInterrupted")
		os.Exit(1)
	}()
}
