// Package supervisor implements the task supervisor state machine that
// sequences data collection, POST delivery, and station clock
// synchronisation.
package supervisor

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/chapmip/wxappliance/internal/bbvars"
	"github.com/chapmip/wxappliance/internal/collector"
	"github.com/chapmip/wxappliance/internal/lanmgr"
	"github.com/chapmip/wxappliance/internal/paramstore"
	"github.com/chapmip/wxappliance/internal/postclient"
	"github.com/chapmip/wxappliance/internal/report"
	"github.com/chapmip/wxappliance/internal/rtcutil"
	"github.com/chapmip/wxappliance/internal/timeoututil"
)

// State is the supervisor's internal state.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateProcessing
	StateDelivering
	StateTimeChecking
	StateTimeSetting
)

// Outcome is returned by Tick when the supervisor exits to the caller
// (menu request, LAN failure, or exhausted retry budgets); Outcome zero
// value (OutcomeOK) means keep calling Tick.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeMenuRequested
	OutcomeEthDown
	OutcomeLANDown
	OutcomeCollectFail
	OutcomePostFail
	OutcomeBadState
)

const (
	initCollectSecs     = 30
	fastCollectSecs     = 60
	slowCollectSecs     = 300
	maxUpdateSecs       = 3600 // TASKS_MAX_UPDATE_SECS
	initTimeChkSecs     = 120
	backoffTimeChkSecs  = 300
	nextTimeChkSecs     = 86400
	maxCollectErrs      = 10
	maxPostErrs         = 10
	defaultElevationFt  = 0
	badPostErrStr       = "(none)"
)

// InputPoll abstracts "did the operator press a key, and was it ESC",
// mirroring wx_main's inchar()/MENU_ESC dispatch, which tasks_run checks
// only on idle ticks that are not themselves collection triggers.
type InputPoll func() (key rune, pressed bool)

// Supervisor drives the task state machine, owning no I/O itself beyond
// what Collector, postclient.Client, and lanmgr.Manager already expose.
type Supervisor struct {
	clk  rtcutil.Clock
	sink *report.Sink

	col  *collector.Collector
	post *postclient.Client
	lan  *lanmgr.Manager
	vars *bbvars.Vars
	snap *bbvars.Snapshot
	store paramstore.PageStore
	rtc  *rtcutil.Validated
	poll InputPoll

	stationID  uint16
	elevFt     int

	state          State
	collectDead    timeoututil.Deadline
	timeChkDead    timeoututil.Deadline
	newData        bool
	collectErrCtr  int
	postErrCtr     int

	lastTxnID string
}

// Config bundles construction parameters.
type Config struct {
	Clock      rtcutil.Clock
	Sink       *report.Sink
	Collector  *collector.Collector
	Post       *postclient.Client
	LAN        *lanmgr.Manager
	Vars       *bbvars.Vars
	Snapshot   *bbvars.Snapshot
	Store      paramstore.PageStore
	RTC        *rtcutil.Validated
	Poll       InputPoll
	StationID  uint16
	ElevFeet   int
}

// New returns a Supervisor in its initial idle state with the source's
// start-up timer values armed.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		clk: cfg.Clock, sink: cfg.Sink, col: cfg.Collector, post: cfg.Post,
		lan: cfg.LAN, vars: cfg.Vars, snap: cfg.Snapshot, store: cfg.Store,
		rtc: cfg.RTC, poll: cfg.Poll, stationID: cfg.StationID, elevFt: cfg.ElevFeet,
		state: StateIdle,
	}
	s.collectDead = timeoututil.SetSeconds(s.clk, initCollectSecs)
	s.timeChkDead = timeoututil.SetSeconds(s.clk, initTimeChkSecs)
	return s
}

func (s *Supervisor) reportf(sev report.Severity, raw bool, format string, args ...interface{}) {
	s.sink.Reportf(report.SourceTasks, sev, raw, format, args...)
}

// setNextCollectionTime arms collectDead per set_next_collection_time:
// the configured update_secs if it lies in [1, TASKS_MAX_UPDATE_SECS],
// else a DIP-switch-selected fast/slow default.
func (s *Supervisor) setNextCollectionTime(updateSecs uint16, fastSwitch bool) {
	var interval int
	if updateSecs >= 1 && int(updateSecs) <= maxUpdateSecs {
		interval = int(updateSecs)
	} else if fastSwitch {
		interval = fastCollectSecs
	} else {
		interval = slowCollectSecs
	}
	s.collectDead = timeoututil.SetSeconds(s.clk, interval)
	s.reportf(report.SeverityInfo, false, "Next automatic collection in %d seconds", interval)
}

// Tick advances the supervisor by one bounded step. updateSecs/fastSwitch
// are consulted only when (re)arming the collection timer. When a Snapshot
// is configured, the battery-backed vars are saved at the end of each
// delivery attempt that does not exhaust the POST retry budget.
func (s *Supervisor) Tick(updateSecs uint16, fastSwitch bool) Outcome {
	switch s.state {
	case StateIdle:
		return s.tickIdle(updateSecs, fastSwitch)
	case StateCollecting:
		return s.tickCollecting()
	case StateProcessing:
		return s.tickProcessing()
	case StateDelivering:
		return s.tickDelivering()
	case StateTimeChecking:
		return s.tickTimeChecking()
	case StateTimeSetting:
		return s.tickTimeSetting()
	default:
		s.reportf(report.SeverityProblem, false, "Bad state encountered")
		return OutcomeBadState
	}
}

func (s *Supervisor) startCollecting(updateSecs uint16, fastSwitch bool) {
	s.setNextCollectionTime(updateSecs, fastSwitch)
	s.col.Collect()
	s.state = StateCollecting
}

func (s *Supervisor) tickIdle(updateSecs uint16, fastSwitch bool) Outcome {
	s.col.Tick() // eat any serial chars, mirroring dav_tick() in TASKS_IDLE

	switch s.lan.CheckOK() {
	case lanmgr.StatusOK:
	case lanmgr.StatusEthDown:
		return OutcomeEthDown
	default:
		return OutcomeLANDown
	}

	if s.collectDead.Expired(s.clk) {
		s.reportf(report.SeverityDetail, false, "Starting automatic data collection")
		s.startCollecting(updateSecs, fastSwitch)
		return OutcomeOK
	}

	if s.timeChkDead.Expired(s.clk) {
		s.timeChkDead = timeoututil.SetSeconds(s.clk, backoffTimeChkSecs)
		if s.rtc.Get() {
			s.col.CheckTime()
			s.reportf(report.SeverityDetail, false, "Checking weather station clock")
			s.state = StateTimeChecking
		} else {
			s.reportf(report.SeverityDetail, false,
				"Cannot check weather station clock -- Interface clock not yet validated")
		}
		return OutcomeOK
	}

	if key, pressed := s.pollKey(); pressed {
		if key == menuEscape {
			return OutcomeMenuRequested
		}
		s.reportf(report.SeverityDetail, false, "Manually starting data collection")
		s.startCollecting(updateSecs, fastSwitch)
		return OutcomeOK
	}

	return OutcomeOK
}

const menuEscape = 0x1B

func (s *Supervisor) pollKey() (rune, bool) {
	if s.poll == nil {
		return 0, false
	}
	return s.poll()
}

func (s *Supervisor) tickCollecting() Outcome {
	res := s.col.Tick()
	if !res.Terminal() {
		return OutcomeOK
	}

	if res.Status == collector.Success {
		s.reportf(report.SeverityDetail, false, "Data collected okay")
		s.newData = true
		s.collectErrCtr = 0
		s.state = StateProcessing
		return OutcomeOK
	}

	s.reportf(report.SeverityProblem, false, "Error collecting data: %v", res.Err)
	if !s.col.DataValid() {
		s.newData = false
	}
	s.collectErrCtr++
	if s.collectErrCtr >= maxCollectErrs {
		s.reportf(report.SeverityProblem, false, "Too many consecutive collection errors")
		return OutcomeCollectFail
	}
	s.state = StateProcessing
	return OutcomeOK
}

func (s *Supervisor) tickProcessing() Outcome {
	s.col.Tick()

	s.lastTxnID = uuid.NewString()
	s.setPostBody()

	s.reportf(report.SeverityDetail, false, "Delivering data to remote server [%s]", s.lastTxnID)

	if err := s.post.Start(); err != nil {
		s.reportf(report.SeverityProblem, false, "post_start() failed: %v", err)
		return OutcomePostFail
	}

	s.state = StateDelivering
	return OutcomeOK
}

// setPostBody mirrors set_post_body: each field is added in a fixed order
// and a failure partway through is just reported, since a truncated body
// still gets sent and rejected cleanly by the server rather than crashing
// the supervisor.
func (s *Supervisor) setPostBody() {
	s.post.ClearBody()

	if err := s.post.AddVariable("station", strconv.Itoa(int(s.stationID))); err != nil {
		s.reportf(report.SeverityProblem, false, "add_station_id() failed: %v", err)
	}

	var err error
	if s.newData {
		err = s.post.AddVariableHex("data", s.col.DataBuf())
	} else {
		err = s.post.AddVariable("sererr", "collection error")
	}
	if err != nil {
		s.reportf(report.SeverityProblem, false, "add_collected_data() failed: %v", err)
	}

	if s.vars.PostErrorPending {
		errStr := s.vars.PostErrorStr
		if errStr == "" {
			errStr = badPostErrStr
		}
		if err := s.post.AddVariable("posterr", fmt.Sprintf("%s (state %d)", errStr, s.vars.PostErrorStateNum)); err != nil {
			s.reportf(report.SeverityProblem, false, "add_post_error() failed: %v", err)
		}
	}

	seq := s.vars.NextSeq()
	if err := s.post.AddVariable("seq", strconv.FormatUint(uint64(seq), 10)); err != nil {
		s.reportf(report.SeverityProblem, false, "add_seq_num() failed: %v", err)
	}

	ip := s.lan.LocalIP()
	if err := s.post.AddVariableHex("localip", ip[:]); err != nil {
		s.reportf(report.SeverityProblem, false, "add_my_ip() failed: %v", err)
	}

	if err := s.post.AddVariable("ver", fmt.Sprintf("%d%d", s.vars.VerMajor, s.vars.VerMinor)); err != nil {
		s.reportf(report.SeverityProblem, false, "add_firmware_version() failed: %v", err)
	}
}

func (s *Supervisor) tickDelivering() Outcome {
	s.col.Tick()

	res := s.post.Tick()
	if !res.Terminal() {
		return OutcomeOK
	}

	if res.Status == postclient.Success {
		s.reportf(report.SeverityDetail, false, "Data delivered okay to remote server [%s]", s.lastTxnID)
		s.newData = false
		s.vars.ClearPostError()
		s.postErrCtr = 0
	} else {
		s.reportf(report.SeverityProblem, false, "Problem delivering data to remote server: %v", res.Err)
		s.vars.RecordPostError(res.Err.Error(), int(res.FailState))
		s.postErrCtr++
		if s.postErrCtr >= maxPostErrs {
			s.reportf(report.SeverityProblem, false, "Too many consecutive POST errors")
			return OutcomePostFail
		}
	}

	if s.snap != nil {
		s.snap.Save(s.vars)
	}

	s.state = StateIdle
	return OutcomeOK
}

func (s *Supervisor) tickTimeChecking() Outcome {
	res := s.col.Tick()
	if !res.Terminal() {
		return OutcomeOK
	}

	switch res.Status {
	case collector.Success:
		s.reportf(report.SeverityDetail, false, "Weather station clock is set okay")
		s.timeChkDead = timeoututil.SetSeconds(s.clk, nextTimeChkSecs)
		s.state = StateIdle
	case collector.WrongTime:
		if s.rtc.Get() {
			s.col.SetTime()
			s.reportf(report.SeverityDetail, false, "Resetting weather station clock")
			s.state = StateTimeSetting
		} else {
			s.reportf(report.SeverityDetail, false,
				"Cannot reset weather station clock -- Interface clock not yet validated")
			s.state = StateIdle
		}
	default:
		s.reportf(report.SeverityProblem, false, "Error checking weather station clock: %v", res.Err)
		s.state = StateIdle
	}
	return OutcomeOK
}

func (s *Supervisor) tickTimeSetting() Outcome {
	res := s.col.Tick()
	if !res.Terminal() {
		return OutcomeOK
	}
	if res.Status == collector.Success {
		s.reportf(report.SeverityDetail, false, "Weather station clock has been reset")
	} else {
		s.reportf(report.SeverityProblem, false, "Error setting weather station clock: %v", res.Err)
	}
	s.state = StateIdle
	return OutcomeOK
}

// State reports the supervisor's current state (for diagnostics surfaces).
func (s *Supervisor) State() State { return s.state }
