//go:build !windows

package shutdown

import (
	"os"
	"os/signal"
	"syscall"
)

// Notify registers the termination signals that should release the capture
// device and flush logs. SIGHUP covers a closing controlling terminal when
// the console runs with the TUI attached.
func Notify(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}
