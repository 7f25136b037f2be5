// Package resettrigger abstracts the last-resort "force the watchdog"
// error response: when recovery budgets are exhausted, the unit forces an
// immediate hardware reset rather than limping on in a state a human is
// not watching. The original relied on the board's dedicated watchdog
// timer silicon; on Linux that maps onto the kernel's /dev/watchdog
// character device.
package resettrigger

import (
	"fmt"
	"os"

	"github.com/chapmip/wxappliance/internal/report"
	"golang.org/x/sys/unix"
)

// Trigger forces a hardware reset. ExitTrigger.Force never returns;
// WatchdogTrigger.Force returns nil once the watchdog is armed, and the
// reset follows when its timeout elapses. A non-nil error means the reset
// could not be arranged.
type Trigger interface {
	Force() error
}

// WatchdogTrigger drives /dev/watchdog directly via ioctl, bypassing the
// normal keep-alive ping so the kernel fires the reset on its next
// timeout tick.
type WatchdogTrigger struct {
	devicePath string
	sink       *report.Sink
}

// NewWatchdogTrigger returns a WatchdogTrigger for devicePath (normally
// "/dev/watchdog").
func NewWatchdogTrigger(devicePath string, sink *report.Sink) *WatchdogTrigger {
	return &WatchdogTrigger{devicePath: devicePath, sink: sink}
}

// Force opens the watchdog device, sets its timeout to the minimum the
// driver allows, and closes the handle without writing the "V" magic
// disarm character -- most Linux watchdog drivers are built CONFIG_WATCHDOG_NOWAYOUT
// and will fire on the next tick once the keep-alive pings stop.
func (w *WatchdogTrigger) Force() error {
	w.sink.Reportf(report.SourceMain, report.SeverityProblem, false, "Forcing watchdog reset via %s", w.devicePath)

	f, err := os.OpenFile(w.devicePath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("resettrigger: open %s: %w", w.devicePath, err)
	}
	defer f.Close()

	const minTimeoutSecs = 1
	if ioctlErr := unix.IoctlSetInt(int(f.Fd()), unix.WDIOC_SETTIMEOUT, minTimeoutSecs); ioctlErr != nil {
		w.sink.Reportf(report.SourceMain, report.SeverityProblem, false, "WDIOC_SETTIMEOUT failed: %v", ioctlErr)
	}

	// Deliberately do not write the "V" disarm byte: letting the fd close
	// with pings stopped is what causes the kernel to fire the reset.
	return nil
}

// ExitTrigger is the fallback used when no watchdog device is present (for
// example inside a container): it logs and calls os.Exit with a distinct
// code so an outer supervisor (systemd, Docker restart policy) can restart
// the process, approximating a hardware reset.
type ExitTrigger struct {
	exitCode int
	sink     *report.Sink
}

// NewExitTrigger returns an ExitTrigger that calls os.Exit(exitCode).
func NewExitTrigger(exitCode int, sink *report.Sink) *ExitTrigger {
	return &ExitTrigger{exitCode: exitCode, sink: sink}
}

// Force logs and exits; it does not return.
func (e *ExitTrigger) Force() error {
	e.sink.Reportf(report.SourceMain, report.SeverityProblem, false, "No watchdog device available -- exiting with code %d to force a restart", e.exitCode)
	os.Exit(e.exitCode)
	return nil // unreachable
}

// NewPlatformTrigger returns a WatchdogTrigger for devicePath, falling back
// to an ExitTrigger with exitCode if os.Stat cannot find the device.
func NewPlatformTrigger(devicePath string, exitCode int, sink *report.Sink) Trigger {
	if _, err := os.Stat(devicePath); err != nil {
		return NewExitTrigger(exitCode, sink)
	}
	return NewWatchdogTrigger(devicePath, sink)
}
