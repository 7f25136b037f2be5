// Package collector implements the weather-station collector state
// machine: serial wakeup handshake, ASCII command dispatch, CRC-checked
// binary payloads, and clock synchronisation.
package collector

import (
	"time"

	"github.com/chapmip/wxappliance/internal/crc16"
	"github.com/chapmip/wxappliance/internal/timeoututil"
)

// State is the collector's internal state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateAwaitLF
	StateAwaitCR
	StateAwaitAck
	StateAwaitData
	StateCheckingData
	StateAwaitOk
	StateEchoingResp
	StateAwaitTime
)

// CmdID identifies the command currently in flight.
type CmdID int

const (
	CmdNone CmdID = iota
	CmdCollect
	CmdSetBar
	CmdEchoResp
	CmdChkTime
	CmdSetTime
	CmdExpectAck
)

// Status is the outcome surfaced by Tick(): Pending/Success/WrongTime are
// non-negative (0/1/2); everything else is a distinct error kind, mirroring
// the source's "positive = terminal success, zero = pending, negative =
// error kind" sign convention, kept here as a discriminated type rather
// than literal negative integers.
type Status int

const (
	Pending Status = iota
	Success
	WrongTime
)

// Error kinds, corresponding to davis.h's DAV_* negative codes.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrNotStarted
	ErrSerialErr
	ErrTimeout
	ErrAborted
	ErrNoWakeup
	ErrBadWakeup
	ErrNoAck
	ErrNegAck
	ErrBadAck
	ErrNoData
	ErrBadData
	ErrBadCrc
	ErrNoTime
	ErrBadTime
	ErrBadState
	ErrBadRange
)

func (e ErrKind) Error() string {
	switch e {
	case ErrNotStarted:
		return "collector: not started"
	case ErrSerialErr:
		return "collector: serial error"
	case ErrTimeout:
		return "collector: overall timeout"
	case ErrAborted:
		return "collector: aborted"
	case ErrNoWakeup:
		return "collector: no wakeup response"
	case ErrBadWakeup:
		return "collector: bad wakeup handshake"
	case ErrNoAck:
		return "collector: no ack"
	case ErrNegAck:
		return "collector: negative ack"
	case ErrBadAck:
		return "collector: bad ack byte"
	case ErrNoData:
		return "collector: no data"
	case ErrBadData:
		return "collector: malformed data framing"
	case ErrBadCrc:
		return "collector: bad CRC"
	case ErrNoTime:
		return "collector: no time data"
	case ErrBadTime:
		return "collector: bad time framing"
	case ErrBadState:
		return "collector: bad internal state"
	case ErrBadRange:
		return "collector: barometer reading out of range"
	default:
		return "collector: no error"
	}
}

// Result is returned by Tick on a terminal transition.
type Result struct {
	Status Status
	Err    ErrKind
}

func (r Result) Terminal() bool { return r.Status != Pending || r.Err != ErrNone }

const (
	overallTimeout  = 20 * time.Second
	wakeupTimeout   = 1200 * time.Millisecond
	respTimeout     = 2000 * time.Millisecond
	dataTimeout     = 2000 * time.Millisecond
	echoTimeout     = 1000 * time.Millisecond
	maxWakeupTries  = 5
	dataLen         = 99
	timeLen         = 8
	maxTimeDiff     = 30 * time.Second
	ackByte         = 0x06
	nakByte         = 0x21
)

var okStr = []byte("\n\rOK\n\r")

// Port is the non-blocking serial transport the collector drives one
// bounded step per Tick(). Production code backs this with goserial (see
// port.go); tests use a fake.
type Port interface {
	// Write sends buf, returning immediately; non-blocking by contract of
	// the underlying serial driver's write buffer.
	Write(buf []byte) error

	// ReadByte returns the next available byte without blocking. ok is
	// false if no byte is currently available.
	ReadByte() (b byte, ok bool, err error)

	// Flush discards any buffered input and output.
	Flush() error
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type sysClock struct{}

func (sysClock) Now() time.Time { return time.Now() }

// Collector is the station collector state machine.
type Collector struct {
	port Port
	clk  Clock

	state State
	cmdID CmdID

	attemptCount int
	overallDead  timeoututil.Deadline
	phaseDead    timeoututil.Deadline

	barMb   int
	barElev int
	echoLit string

	dataBuf      []byte
	dataValid    bool
	timeBuf      []byte
	stationTime  time.Time
	deviceNowFn  func() time.Time
	okMatchIndex int
}

// New returns an idle Collector.
func New(port Port) *Collector {
	return &Collector{port: port, clk: sysClock{}, state: StateIdle, deviceNowFn: time.Now}
}

// WithClock overrides the clock (for tests).
func (c *Collector) WithClock(clk Clock) *Collector {
	c.clk = clk
	c.deviceNowFn = clk.Now
	return c
}

func (c *Collector) startCommon(cmd CmdID) error {
	if c.state != StateIdle {
		c.abortInternal()
	}
	c.port.Flush()
	c.state = StateStarting
	c.cmdID = cmd
	c.attemptCount = maxWakeupTries
	c.dataValid = false
	c.overallDead = timeoututil.SetSeconds(c.clk, int(overallTimeout/time.Second))
	return nil
}

// Collect starts a LOOP data collection.
func (c *Collector) Collect() error { return c.startCommon(CmdCollect) }

// minBarMbThousandths and maxBarMbThousandths bound the barometer reading
// SetBarometer will accept, matching the original's sanity range of
// 678 to 1,100 millibars.
const (
	minBarMbThousandths = 678000
	maxBarMbThousandths = 1100000
)

// SetBarometer starts a barometer-set command. mbThousandths is the
// barometric pressure in thousandths of a millibar; formatSetBar converts it
// to the thousandths of inHg the station's BAR= command takes. elevFt is
// station elevation in feet.
func (c *Collector) SetBarometer(mbThousandths, elevFt int) error {
	if mbThousandths < minBarMbThousandths || mbThousandths > maxBarMbThousandths {
		return ErrBadRange
	}
	c.barMb = mbThousandths
	c.barElev = elevFt
	return c.startCommon(CmdSetBar)
}

// EchoResp starts an echo-response diagnostic command.
func (c *Collector) EchoResp(literal string) error {
	c.echoLit = literal
	return c.startCommon(CmdEchoResp)
}

// CheckTime starts a station-clock check.
func (c *Collector) CheckTime() error { return c.startCommon(CmdChkTime) }

// SetTime starts pushing the device clock to the station.
func (c *Collector) SetTime() error { return c.startCommon(CmdSetTime) }

// Abort cancels any in-flight command.
func (c *Collector) Abort() Result {
	c.abortInternal()
	return Result{Status: Pending, Err: ErrAborted}
}

func (c *Collector) abortInternal() {
	c.port.Flush()
	c.state = StateIdle
	c.cmdID = CmdNone
}

// DataValid reports whether the most recent Collect produced a validated
// buffer; callers must only read DataBuf after Tick reports Success.
func (c *Collector) DataValid() bool { return c.dataValid }

// DataBuf returns the most recently validated 99-byte observation buffer.
func (c *Collector) DataBuf() []byte { return c.dataBuf }

// Tick advances the state machine by one bounded step.
func (c *Collector) Tick() Result {
	if c.state == StateIdle {
		return Result{Status: Pending, Err: ErrNotStarted}
	}

	if c.overallDead.Expired(c.clk) {
		return c.fail(ErrTimeout)
	}

	switch c.state {
	case StateStarting:
		return c.tickStarting()
	case StateAwaitLF:
		return c.tickAwaitLF()
	case StateAwaitCR:
		return c.tickAwaitCR()
	case StateAwaitAck:
		return c.tickAwaitAck()
	case StateAwaitData:
		return c.tickAwaitData()
	case StateCheckingData:
		return c.tickCheckingData()
	case StateAwaitOk:
		return c.tickAwaitOk()
	case StateEchoingResp:
		return c.tickEchoingResp()
	case StateAwaitTime:
		return c.tickAwaitTime()
	default:
		return c.fail(ErrBadState)
	}
}

func (c *Collector) fail(kind ErrKind) Result {
	c.abortInternal()
	return Result{Status: Pending, Err: kind}
}

func (c *Collector) succeed() Result {
	c.state = StateIdle
	c.cmdID = CmdNone
	return Result{Status: Success, Err: ErrNone}
}

func (c *Collector) sendWakeup() bool {
	if c.attemptCount == 0 {
		return false
	}
	c.attemptCount--
	c.port.Write([]byte("\n"))
	c.phaseDead = timeoututil.SetMillis(c.clk, int(wakeupTimeout/time.Millisecond))
	c.state = StateAwaitLF
	return true
}

func (c *Collector) tickStarting() Result {
	if !c.sendWakeup() {
		return c.fail(ErrNoWakeup)
	}
	return Result{Status: Pending, Err: ErrNone}
}

func (c *Collector) tickAwaitLF() Result {
	b, ok, err := c.port.ReadByte()
	if err != nil {
		return c.fail(ErrSerialErr)
	}
	if ok {
		if b == '\n' {
			c.phaseDead = timeoututil.SetMillis(c.clk, int(wakeupTimeout/time.Millisecond))
			c.state = StateAwaitCR
		}
		// Any other byte is ignored (noise) while awaiting LF.
		return Result{Status: Pending, Err: ErrNone}
	}
	if c.phaseDead.Expired(c.clk) {
		if !c.sendWakeup() {
			return c.fail(ErrNoWakeup)
		}
	}
	return Result{Status: Pending, Err: ErrNone}
}

func (c *Collector) tickAwaitCR() Result {
	b, ok, err := c.port.ReadByte()
	if err != nil {
		return c.fail(ErrSerialErr)
	}
	if ok {
		if b == '\r' {
			return c.sendCommand()
		}
		// An unexpected byte restarts the wakeup handshake rather than
		// falling through silently.
		if !c.sendWakeup() {
			return c.fail(ErrBadWakeup)
		}
		return Result{Status: Pending, Err: ErrNone}
	}
	if c.phaseDead.Expired(c.clk) {
		if !c.sendWakeup() {
			return c.fail(ErrBadWakeup)
		}
	}
	return Result{Status: Pending, Err: ErrNone}
}

func (c *Collector) sendCommand() Result {
	var lit string
	switch c.cmdID {
	case CmdCollect:
		lit = "LOOP 1"
	case CmdSetBar:
		lit = formatSetBar(c.barMb, c.barElev)
	case CmdEchoResp:
		lit = c.echoLit
	case CmdChkTime:
		lit = "GETTIME"
	case CmdSetTime, CmdExpectAck:
		lit = "SETTIME"
	default:
		return c.fail(ErrBadState)
	}
	c.port.Write([]byte(lit + "\n"))

	switch c.cmdID {
	case CmdSetBar, CmdEchoResp:
		c.state = StateAwaitOk
		c.phaseDead = timeoututil.SetMillis(c.clk, int(echoTimeout/time.Millisecond))
		c.okMatchIndex = 0
	default:
		c.state = StateAwaitAck
		c.phaseDead = timeoututil.SetMillis(c.clk, int(respTimeout/time.Millisecond))
	}
	return Result{Status: Pending, Err: ErrNone}
}

// formatSetBar builds the BAR= command, converting millibar thousandths to
// inHg thousandths (1 mb = 0.02953 inHg).
func formatSetBar(mbThousandths, elevFt int) string {
	inHgThousandths := int(int64(mbThousandths) * 2953 / 100000)
	return "BAR=" + itoa(inHgThousandths) + " " + itoa(elevFt)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (c *Collector) tickAwaitAck() Result {
	b, ok, err := c.port.ReadByte()
	if err != nil {
		return c.fail(ErrSerialErr)
	}
	if ok {
		switch b {
		case ackByte:
			return c.dispatchPostAck()
		case nakByte:
			return c.fail(ErrNegAck)
		default:
			return c.fail(ErrBadAck)
		}
	}
	if c.phaseDead.Expired(c.clk) {
		return c.fail(ErrNoAck)
	}
	return Result{Status: Pending, Err: ErrNone}
}

func (c *Collector) dispatchPostAck() Result {
	switch c.cmdID {
	case CmdCollect:
		c.state = StateAwaitData
		c.dataBuf = c.dataBuf[:0]
		c.phaseDead = timeoututil.SetMillis(c.clk, int(dataTimeout/time.Millisecond))
	case CmdChkTime:
		c.state = StateAwaitTime
		c.timeBuf = c.timeBuf[:0]
		c.phaseDead = timeoututil.SetMillis(c.clk, int(dataTimeout/time.Millisecond))
	case CmdSetTime:
		c.sendTimePacket()
		c.cmdID = CmdExpectAck
		c.state = StateAwaitAck
		c.phaseDead = timeoututil.SetMillis(c.clk, int(dataTimeout/time.Millisecond))
	default:
		return c.succeed()
	}
	return Result{Status: Pending, Err: ErrNone}
}

func (c *Collector) sendTimePacket() {
	now := c.deviceNowFn().UTC()
	buf := make([]byte, 6, timeLen)
	buf[0] = byte(now.Second())
	buf[1] = byte(now.Minute())
	buf[2] = byte(now.Hour())
	buf[3] = byte(now.Day())
	buf[4] = byte(now.Month())
	buf[5] = byte(now.Year() - 1900)
	buf = crc16.Append(buf)
	c.port.Write(buf)
}

func (c *Collector) tickAwaitData() Result {
	for {
		b, ok, err := c.port.ReadByte()
		if err != nil {
			return c.fail(ErrSerialErr)
		}
		if !ok {
			break
		}
		c.dataBuf = append(c.dataBuf, b)
		if len(c.dataBuf) >= dataLen {
			c.state = StateCheckingData
			return c.tickCheckingData()
		}
	}
	if c.phaseDead.Expired(c.clk) {
		if len(c.dataBuf) == 0 {
			return c.fail(ErrNoData)
		}
		return c.fail(ErrBadData)
	}
	return Result{Status: Pending, Err: ErrNone}
}

func (c *Collector) tickCheckingData() Result {
	buf := c.dataBuf
	if len(buf) < dataLen || string(buf[0:3]) != "LOO" || buf[95] != '\n' || buf[96] != '\r' {
		return c.fail(ErrBadData)
	}
	if !crc16.Valid(buf[0:99]) {
		return c.fail(ErrBadCrc)
	}
	c.dataValid = true
	return c.succeed()
}

func (c *Collector) tickAwaitOk() Result {
	for {
		b, ok, err := c.port.ReadByte()
		if err != nil {
			return c.fail(ErrSerialErr)
		}
		if !ok {
			break
		}
		if b == okStr[c.okMatchIndex] {
			c.okMatchIndex++
			if c.okMatchIndex == len(okStr) {
				return c.dispatchPostOk()
			}
		} else {
			c.okMatchIndex = 0
		}
	}
	if c.phaseDead.Expired(c.clk) {
		return c.fail(ErrBadAck)
	}
	return Result{Status: Pending, Err: ErrNone}
}

func (c *Collector) dispatchPostOk() Result {
	switch c.cmdID {
	case CmdEchoResp:
		c.state = StateEchoingResp
		c.phaseDead = timeoututil.SetMillis(c.clk, int(echoTimeout/time.Millisecond))
		return Result{Status: Pending, Err: ErrNone}
	default:
		return c.succeed()
	}
}

func (c *Collector) tickEchoingResp() Result {
	// The echo diagnostic's response bytes are drained but not otherwise
	// interpreted; the command completes once the per-phase timeout
	// elapses with no error.
	for {
		_, ok, err := c.port.ReadByte()
		if err != nil {
			return c.fail(ErrSerialErr)
		}
		if !ok {
			break
		}
	}
	if c.phaseDead.Expired(c.clk) {
		return c.succeed()
	}
	return Result{Status: Pending, Err: ErrNone}
}

func (c *Collector) tickAwaitTime() Result {
	for {
		b, ok, err := c.port.ReadByte()
		if err != nil {
			return c.fail(ErrSerialErr)
		}
		if !ok {
			break
		}
		c.timeBuf = append(c.timeBuf, b)
		if len(c.timeBuf) >= timeLen {
			return c.checkTimeData()
		}
	}
	if c.phaseDead.Expired(c.clk) {
		if len(c.timeBuf) == 0 {
			return c.fail(ErrNoTime)
		}
		return c.fail(ErrBadTime)
	}
	return Result{Status: Pending, Err: ErrNone}
}

func (c *Collector) checkTimeData() Result {
	buf := c.timeBuf
	if len(buf) < timeLen {
		return c.fail(ErrBadTime)
	}
	if !crc16.Valid(buf) {
		return c.fail(ErrBadCrc)
	}

	sec, min, hour := int(buf[0]), int(buf[1]), int(buf[2])
	day, mon, year := int(buf[3]), int(buf[4]), int(buf[5])
	stationTime := time.Date(1900+year, time.Month(mon), day, hour, min, sec, 0, time.UTC)
	c.stationTime = stationTime

	diff := c.deviceNowFn().Sub(stationTime)
	if diff < 0 {
		diff = -diff
	}
	if diff < maxTimeDiff {
		c.state = StateIdle
		c.cmdID = CmdNone
		return Result{Status: Success, Err: ErrNone}
	}

	c.state = StateIdle
	c.cmdID = CmdNone
	return Result{Status: WrongTime, Err: ErrNone}
}

// StationTime returns the most recently decoded station time from a
// CheckTime command.
func (c *Collector) StationTime() time.Time { return c.stationTime }
