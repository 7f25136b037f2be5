// Package app wires the appliance's state machines and auxiliary surfaces
// into one supervised process: LAN bring-up, the collect/deliver/clock-sync
// supervisor loop, the diagnostics and UDP console surfaces, the scheduled
// firmware self-update check, and the reset trigger, coordinated with
// golang.org/x/sync/errgroup and shut down on SIGINT/SIGTERM, using the
// errgroup.Context/wg plus os/signal graceful-shutdown shape common to
// long-running Go daemons.
package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/chapmip/wxappliance/internal/appconfig"
	"github.com/chapmip/wxappliance/internal/bbvars"
	"github.com/chapmip/wxappliance/internal/collector"
	"github.com/chapmip/wxappliance/internal/diagnostics"
	"github.com/chapmip/wxappliance/internal/diagstore"
	"github.com/chapmip/wxappliance/internal/lanmgr"
	"github.com/chapmip/wxappliance/internal/menu"
	"github.com/chapmip/wxappliance/internal/paramstore"
	"github.com/chapmip/wxappliance/internal/postclient"
	"github.com/chapmip/wxappliance/internal/report"
	"github.com/chapmip/wxappliance/internal/resettrigger"
	"github.com/chapmip/wxappliance/internal/rtcutil"
	"github.com/chapmip/wxappliance/internal/selfupdate"
	"github.com/chapmip/wxappliance/internal/supervisor"
	"github.com/chapmip/wxappliance/internal/udpconsole"
)

// postBodyBufSize is the supervisor's outgoing POST body buffer size; well
// above the original firmware's 512-byte default so a near-limit posterr
// record plus a full hex data payload never overflows it.
const postBodyBufSize = 2048

// Config bundles everything App needs to construct the appliance's
// components. Dependency-injection friendly so tests can substitute fakes
// for the serial port and network interface.
type Config struct {
	Boot  appconfig.Bootstrap
	Store paramstore.PageStore
	Sink  *report.Sink

	SerialPort   collector.Port
	NetTransport postclient.Transport
	LANInterface lanmgr.Interface

	Snapshot     *bbvars.Snapshot
	VerMajor     uint8
	VerMinor     uint8
	ResetTrigger resettrigger.Trigger
}

// App owns every long-running component and their lifetimes.
type App struct {
	cfg  Config
	sink *report.Sink

	lan         *lanmgr.Manager
	supervisor  *supervisor.Supervisor
	post        *postclient.Client
	col         *collector.Collector
	vars        *bbvars.Vars
	rtc         *rtcutil.Validated
	unit        paramstore.UnitConfig
	diagServer  *diagnostics.Server
	udpServer   *udpconsole.Server
	selfUpdater *selfupdate.Checker
	cronSched   *cron.Cron
	diagStore   *diagstore.PostgresWriter
}

// New builds every component from cfg but starts nothing.
func New(cfg Config) (*App, error) {
	vars := cfg.Snapshot.Load(cfg.VerMajor, cfg.VerMinor)

	unit, unitValid, _ := paramstore.ReadUnit(cfg.Store)
	if !unitValid {
		unit = paramstore.UnitConfig{}
	}

	rtc := &rtcutil.Validated{}
	clk := rtcutil.NewSystemClock()

	col := collector.New(cfg.SerialPort)
	post := postclient.NewClient(clk, cfg.Sink, rtc, cfg.NetTransport, postBodyBufSize)

	parms, err := paramstore.ReadPostParms(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("app: reading POST parameters: %w", err)
	}
	if parms.Valid {
		if err := post.SetServer(parms.Host, int(parms.Info.HostPort), parms.Path, parms.ProxyHost, int(parms.Info.ProxyPort)); err != nil {
			return nil, fmt.Errorf("app: configuring POST server: %w", err)
		}
	}

	lan := lanmgr.NewManager(cfg.LANInterface, cfg.Store, cfg.Sink)

	sup := supervisor.New(supervisor.Config{
		Clock:     clk,
		Sink:      cfg.Sink,
		Collector: col,
		Post:      post,
		LAN:       lan,
		Vars:      vars,
		Snapshot:  cfg.Snapshot,
		Store:     cfg.Store,
		RTC:       rtc,
		StationID: unit.IDBase,
		ElevFeet:  cfg.Boot.Unit.ElevationFt,
	})

	passwordHash := []byte(cfg.Boot.Console.PasswordHash)
	handler := menu.NewHandler(cfg.Store, cfg.Sink, passwordHash)

	diagServer := diagnostics.NewServer(
		cfg.Boot.Console.DiagnosticsAddr,
		func() diagnostics.Snapshot { return snapshotOf(sup, lan, rtc) },
		func() error { return resetAllDefaults(cfg.Store) },
		passwordHash,
		cfg.Sink,
	)

	var udpServer *udpconsole.Server
	if cfg.Boot.Console.UDPConsoleEnabled {
		udpServer = udpconsole.NewServer(cfg.Boot.Console.UDPConsoleAddr, handler, cfg.Sink)
	}

	var selfUpdater *selfupdate.Checker
	if cfg.Boot.SelfUpdate.Enabled {
		selfUpdater = selfupdate.NewChecker(cfg.NetTransport, cfg.Sink, int(cfg.VerMajor), int(cfg.VerMinor))
	}

	var diagStore *diagstore.PostgresWriter
	if cfg.Boot.DiagStore.DSN != "" {
		diagStore, err = diagstore.NewPostgresWriter(cfg.Boot.DiagStore.DSN, unit.IDBase, cfg.Sink)
		if err != nil {
			return nil, fmt.Errorf("app: connecting to diagnostics store: %w", err)
		}
		cfg.Sink.AddWriter(diagStore)
	}

	return &App{
		cfg:         cfg,
		sink:        cfg.Sink,
		lan:         lan,
		supervisor:  sup,
		post:        post,
		col:         col,
		vars:        vars,
		rtc:         rtc,
		unit:        unit,
		diagServer:  diagServer,
		udpServer:   udpServer,
		selfUpdater: selfUpdater,
		cronSched:   cron.New(),
		diagStore:   diagStore,
	}, nil
}

func snapshotOf(sup *supervisor.Supervisor, lan *lanmgr.Manager, rtc *rtcutil.Validated) diagnostics.Snapshot {
	status := "OK"
	if !lan.Active() {
		status = "Down"
	}
	return diagnostics.Snapshot{
		SupervisorState: supervisorStateName(sup.State()),
		LastObservation: time.Now(),
		RTCValidated:    rtc.Get(),
		LANStatus:       status,
	}
}

func supervisorStateName(s supervisor.State) string {
	switch s {
	case supervisor.StateIdle:
		return "Idle"
	case supervisor.StateCollecting:
		return "Collecting"
	case supervisor.StateProcessing:
		return "Processing"
	case supervisor.StateDelivering:
		return "Delivering"
	case supervisor.StateTimeChecking:
		return "TimeChecking"
	case supervisor.StateTimeSetting:
		return "TimeSetting"
	default:
		return "Unknown"
	}
}

func resetAllDefaults(store paramstore.PageStore) error {
	if _, err := paramstore.WriteLANDefaults(store); err != nil {
		return err
	}
	return nil
}

// Run starts every component and blocks until ctx is cancelled or a
// SIGINT/SIGTERM arrives, then stops the diagnostics server, the UDP
// console, the self-update scheduler and the diagnostics store, in that
// order, and waits for the running components to return.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.lan.Start(ctx); err != nil {
		a.sink.Reportf(report.SourceMain, report.SeverityProblem, false, "LAN bring-up failed: %v", err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.diagServer.Start()
		if err != nil {
			return fmt.Errorf("diagnostics server: %w", err)
		}
		return nil
	})

	if a.udpServer != nil {
		g.Go(func() error {
			if err := a.udpServer.Start(); err != nil {
				return fmt.Errorf("udp console: %w", err)
			}
			return nil
		})
	}

	if a.selfUpdater != nil && a.cfg.Boot.SelfUpdate.CheckCron != "" {
		if _, err := a.cronSched.AddFunc(a.cfg.Boot.SelfUpdate.CheckCron, a.runSelfUpdateCheck); err != nil {
			return fmt.Errorf("app: invalid self-update schedule %q: %w", a.cfg.Boot.SelfUpdate.CheckCron, err)
		}
		a.cronSched.Start()
	}

	g.Go(func() error {
		return a.runSupervisorLoop(gctx)
	})

	<-ctx.Done()
	a.sink.Reportf(report.SourceMain, report.SeverityInfo, false, "shutdown signal received, stopping components")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.diagServer.Stop(shutdownCtx); err != nil {
		a.sink.Reportf(report.SourceMain, report.SeverityProblem, false, "diagnostics shutdown: %v", err)
	}
	if a.udpServer != nil {
		if err := a.udpServer.Stop(shutdownCtx); err != nil {
			a.sink.Reportf(report.SourceMain, report.SeverityProblem, false, "udp console shutdown: %v", err)
		}
	}
	a.cronSched.Stop()
	if a.diagStore != nil {
		if err := a.diagStore.Close(); err != nil {
			a.sink.Reportf(report.SourceMain, report.SeverityProblem, false, "diagnostics store close: %v", err)
		}
	}

	return g.Wait()
}

// runSupervisorLoop drives the supervisor's cooperative tick loop until
// gctx is cancelled, persisting the battery-backed snapshot whenever a
// tick reports a non-OK outcome worth remembering across a restart.
func (a *App) runSupervisorLoop(gctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-gctx.Done():
			return nil
		case <-ticker.C:
			outcome := a.supervisor.Tick(a.unit.UpdateSecs, a.cfg.Boot.FastCollect)
			switch outcome {
			case supervisor.OutcomeCollectFail, supervisor.OutcomePostFail:
				if err := a.cfg.Snapshot.Save(a.vars); err != nil {
					a.sink.Reportf(report.SourceMain, report.SeverityProblem, false, "snapshot save failed: %v", err)
				}
			case supervisor.OutcomeEthDown, supervisor.OutcomeLANDown:
				if a.cfg.ResetTrigger != nil {
					if err := a.cfg.ResetTrigger.Force(); err != nil {
						a.sink.Reportf(report.SourceMain, report.SeverityProblem, false, "reset trigger failed: %v", err)
					}
				}
			}
		}
	}
}

func (a *App) runSelfUpdateCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	available, version, err := a.selfUpdater.CheckUpdate(ctx, a.cfg.Boot.SelfUpdate.Host, a.cfg.Boot.SelfUpdate.Path)
	if err != nil {
		a.sink.Reportf(report.SourceDownload, report.SeverityProblem, false, "self-update check failed: %v", err)
		return
	}
	if !available {
		return
	}
	a.sink.Reportf(report.SourceDownload, report.SeverityInfo, false, "firmware update %d available", version)
}
