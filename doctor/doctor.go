// Package doctor runs interactive environment diagnostics: audio capture,
// the robot backend, and the log directory.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"goama/audio"
	"goama/log"
	"goama/robot"
)

// Run executes the checks and returns an exit code (0=all pass, 1=any fail).
func Run(backendURL string) int {
	resetTerminal()
	setupInterruptHandler()

	fmt.Println("goama doctor - system diagnostics")
	fmt.Println("=================================")

	allPass := true
	if !checkAudio() {
		allPass = false
	}
	if !checkBackend(backendURL) {
		allPass = false
	}
	if !checkLogDir() {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkAudio() bool {
	fmt.Println()
	fmt.Println("[1/3] Audio capture")

	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	devices, err := ctx.Devices()
	if err != nil {
		fmt.Printf("  FAIL: cannot list devices: %v\n", err)
		return false
	}
	if len(devices) == 0 {
		fmt.Println("  FAIL: no capture devices found")
		return false
	}
	for _, d := range devices {
		marker := ""
		if audio.IsBluetooth(d.Name) {
			marker = " [bluetooth: reduced quality]"
		}
		fmt.Printf("  device: %s%s\n", d.Name, marker)
	}
	fmt.Printf("  PASS: %d capture device(s)\n", len(devices))
	return true
}

func checkBackend(backendURL string) bool {
	fmt.Println()
	fmt.Printf("[2/3] Robot backend (%s)\n", backendURL)

	client := robot.NewClient(backendURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	raw, err := client.Health(ctx)
	if err != nil {
		fmt.Printf("  FAIL: health check: %v\n", err)
		return false
	}
	fmt.Printf("  health in %dms: %s\n", time.Since(start).Milliseconds(), compactJSON(raw))

	caps, err := client.Capabilities(ctx)
	if err != nil {
		fmt.Printf("  WARN: capabilities unavailable: %v\n", err)
	} else {
		fmt.Printf("  capabilities: %s\n", compactJSON(caps))
	}
	fmt.Println("  PASS: backend reachable")
	return true
}

func checkLogDir() bool {
	fmt.Println()
	fmt.Println("[3/3] Log directory")

	dir := log.Dir()
	if dir == "" {
		resolved, err := log.ResolveDir("")
		if err != nil {
			fmt.Printf("  FAIL: resolve log dir: %v\n", err)
			return false
		}
		dir = resolved
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf("  FAIL: create %s: %v\n", dir, err)
		return false
	}

	probe := filepath.Join(dir, ".doctor_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fmt.Printf("  FAIL: %s not writable: %v\n", dir, err)
		return false
	}
	os.Remove(probe)

	fmt.Printf("  PASS: %s writable\n", dir)
	return true
}

// compactJSON truncates a JSON document for terminal output.
func compactJSON(raw json.RawMessage) string {
	const max = 120
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
