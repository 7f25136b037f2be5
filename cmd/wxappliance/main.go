// Package main is the wxappliance entry point: parses flags, loads the
// YAML bootstrap file, opens the SQLite-backed parameter store, wires the
// serial station port and network transport, and runs the application
// until a shutdown signal arrives, following the CLI-flag/config-provider/
// logger wiring idiom of cmd/remoteweather/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/chapmip/wxappliance/internal/app"
	"github.com/chapmip/wxappliance/internal/appconfig"
	"github.com/chapmip/wxappliance/internal/bbvars"
	"github.com/chapmip/wxappliance/internal/collector"
	"github.com/chapmip/wxappliance/internal/constants"
	"github.com/chapmip/wxappliance/internal/lanmgr"
	"github.com/chapmip/wxappliance/internal/paramstore"
	"github.com/chapmip/wxappliance/internal/postclient"
	"github.com/chapmip/wxappliance/internal/report"
	"github.com/chapmip/wxappliance/internal/resettrigger"
)

const (
	verMajor = 5
	verMinor = 10
)

func main() {
	bootFile := flag.String("config", "wxappliance.yaml", "Path to YAML bootstrap configuration file")
	paramDB := flag.String("paramdb", "wxappliance.db", "Path to SQLite parameter-store database")
	snapshotFile := flag.String("snapshot", "wxappliance.snapshot", "Path to battery-backed-variable snapshot file")
	logFile := flag.String("logfile", "wxappliance.log", "Path to rotated log file")
	serialDevice := flag.String("serial", "/dev/ttyUSB0", "Weather station serial device")
	serialBaud := flag.Int("baud", 19200, "Weather station serial baud rate")
	netDevice := flag.String("iface", "eth0", "Network interface to manage")
	dhcpClient := flag.String("dhcp-client", "dhclient", "DHCP client binary")
	debug := flag.Bool("debug", false, "Enable verbose report output")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wxappliance %s (%s/%s)\n", constants.Version, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	mode := report.ModeTerse
	if *debug {
		mode = report.ModeVerbose
	}
	sink := report.NewSink(func() report.Mode { return mode })

	zapWriter := report.NewZapWriter(*logFile)
	sink.AddWriter(zapWriter)
	defer zapWriter.Sync()

	boot, err := appconfig.Load(*bootFile)
	if err != nil {
		sink.Reportf(report.SourceMain, report.SeverityProblem, false, "failed to load bootstrap config: %v", err)
		os.Exit(1)
	}

	store, err := paramstore.OpenSQLiteStore(*paramDB)
	if err != nil {
		sink.Reportf(report.SourceMain, report.SeverityProblem, false, "failed to open parameter store: %v", err)
		os.Exit(1)
	}

	if err := boot.InstallIfInvalid(store); err != nil {
		sink.Reportf(report.SourceMain, report.SeverityProblem, false, "failed to install bootstrap defaults: %v", err)
		os.Exit(1)
	}

	port, err := collector.OpenSerialPort(*serialDevice, *serialBaud)
	if err != nil {
		sink.Reportf(report.SourceMain, report.SeverityProblem, false, "failed to open weather station serial port: %v", err)
		os.Exit(1)
	}

	tr := postclient.NewNetTransport()
	iface := lanmgr.NewNetIface(*netDevice, *dhcpClient)

	var trigger resettrigger.Trigger
	if boot.Watchdog.DevicePath != "" {
		exitCode := boot.Watchdog.ExitCode
		if exitCode == 0 {
			exitCode = 1
		}
		trigger = resettrigger.NewPlatformTrigger(boot.Watchdog.DevicePath, exitCode, sink)
	}

	application, err := app.New(app.Config{
		Boot:         boot,
		Store:        store,
		Sink:         sink,
		SerialPort:   port,
		NetTransport: tr,
		LANInterface: iface,
		Snapshot:     bbvars.NewSnapshot(*snapshotFile),
		VerMajor:     verMajor,
		VerMinor:     verMinor,
		ResetTrigger: trigger,
	})
	if err != nil {
		sink.Reportf(report.SourceMain, report.SeverityProblem, false, "failed to build application: %v", err)
		os.Exit(1)
	}

	if err := application.Run(context.Background()); err != nil {
		sink.Reportf(report.SourceMain, report.SeverityProblem, false, "application error: %v", err)
		os.Exit(1)
	}
}
