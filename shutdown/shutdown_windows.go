//go:build windows

package shutdown

import (
	"os"
	"os/signal"
)

// Notify registers the termination signals that should release the capture
// device and flush logs. Windows has no SIGTERM or SIGHUP delivery.
func Notify(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt)
}
