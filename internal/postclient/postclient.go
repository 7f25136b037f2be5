// Package postclient implements the HTTP/1.1 POST transaction state
// machine that delivers station observations to a remote collector
// endpoint.
package postclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chapmip/wxappliance/internal/report"
	"github.com/chapmip/wxappliance/internal/rtcutil"
	"github.com/chapmip/wxappliance/internal/timeoututil"
)

// State is the POST client's internal state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateResolving
	StateOpening
	StateAwaitingEstab
	StateSendingCommand
	StateSendingBody
	StateReadingStatus
	StateReadingHeaders
	StateCheckingBody
	StateReadingBody
)

// Status is the overall outcome, mirroring post_get_status()'s sign
// convention (0 pending, >0 success, <0 one of the named failures) as a
// discriminated type rather than a literal signed int.
type Status int

const (
	Pending Status = iota
	Success
)

// ErrKind enumerates the POST_* negative result codes.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrNotStarted
	ErrCannotStart
	ErrTimeout
	ErrAborted
	ErrDNS
	ErrSocket
	ErrConnectionLost
	ErrSend
	ErrResp
	ErrServer
	ErrBadID
	ErrRejected
	ErrBadState
)

func (e ErrKind) Error() string {
	switch e {
	case ErrNotStarted:
		return "postclient: not started"
	case ErrCannotStart:
		return "postclient: cannot start"
	case ErrTimeout:
		return "postclient: timed out"
	case ErrAborted:
		return "postclient: aborted"
	case ErrDNS:
		return "postclient: DNS error"
	case ErrSocket:
		return "postclient: socket error"
	case ErrConnectionLost:
		return "postclient: connection lost"
	case ErrSend:
		return "postclient: send error"
	case ErrResp:
		return "postclient: malformed response"
	case ErrServer:
		return "postclient: server returned error class"
	case ErrBadID:
		return "postclient: station ID rejected"
	case ErrRejected:
		return "postclient: transaction rejected"
	case ErrBadState:
		return "postclient: bad internal state"
	default:
		return "postclient: no error"
	}
}

// Result is returned by Tick on a terminal transition.
type Result struct {
	Status    Status
	Err       ErrKind
	RespClass int   // first digit of the HTTP status line, once known
	FailState State // client's internal state at the moment of failure
}

func (r Result) Terminal() bool { return r.Status != Pending || r.Err != ErrNone }

const (
	timeoutSecs         = 20 * time.Second
	dnsCacheSecs        = 3600 * time.Second
	maxDiffTime         = 40 * time.Second
	maxHostLen          = 64
	maxPathLen          = 64
	defaultBodyBufSize  = 512
	maxRespTimeT        = 1<<32 - 1 // ULONG_MAX on the original's 32-bit time_t
)

const postFmt = "POST %s%s%s HTTP/1.1\r\n" +
	"Connection: close\r\n" +
	"Host: %s:%d\r\n" +
	"User-Agent: wxappliance\r\n" +
	"Content-Type: application/x-www-form-urlencoded\r\n" +
	"Content-Length: %d\r\n" +
	"\r\n"

const respLabelTimeT = "Server time ="

type respResult int

const (
	respNone respResult = iota
	respSuccess
	respBadID
	respBadData
	respRejected
)

var respStrings = [...]string{
	respSuccess:  "Success!",
	respBadID:    "Bad ID!",
	respBadData:  "Bad data!",
	respRejected: "Reject!",
}

// Transport abstracts DNS resolution and TCP connection establishment so
// the state machine can poll non-blockingly once per tick. See
// transport.go for the production net-backed implementation.
type Transport interface {
	StartResolve(host string)
	PollResolve() (ip string, done bool, err error)

	StartDial(ip string, port int)
	PollDial() (Conn, done bool, err error)
}

// Conn is the non-blocking connection contract the state machine drives
// once established.
type Conn interface {
	// Write attempts to send buf[pos:], returning the number of bytes
	// accepted without blocking.
	Write(buf []byte) (int, error)

	// ReadLine returns the next complete line (without its terminator) if
	// one is available without blocking.
	ReadLine() (line string, ok bool, err error)

	// Closed reports whether the peer has closed the connection (and no
	// further buffered lines remain).
	Closed() bool

	Close() error
}

// Client drives the POST transaction state machine.
type Client struct {
	clk  rtcutil.Clock
	sink *report.Sink
	rtc  *rtcutil.Validated
	tr   Transport

	state     State
	cond      Result
	deadline  timeoututil.Deadline

	serverHost, serverPath string
	serverPort             int
	requestHost            string
	requestPort            int
	absURIPrefix           string
	absURIHost             string
	serversSet             bool

	cachedIP      string
	cacheDeadline timeoututil.Deadline
	haveCache     bool

	resolvedIP string
	conn       Conn

	body        strings.Builder
	bodyPos     int
	bodyOverflow bool
	bodyBufSize int

	cmdBuf     string
	msg        []byte
	msgPos     int

	respClass  int
	respResult respResult
}

// NewClient returns an idle Client whose outgoing body buffer holds up to
// bodyBufSize bytes, fixed for the life of the Client. A bodyBufSize of 0
// selects the original firmware's default of 512 bytes.
func NewClient(clk rtcutil.Clock, sink *report.Sink, rtc *rtcutil.Validated, tr Transport, bodyBufSize int) *Client {
	if bodyBufSize <= 0 {
		bodyBufSize = defaultBodyBufSize
	}
	return &Client{clk: clk, sink: sink, rtc: rtc, tr: tr, cond: Result{Err: ErrNotStarted}, bodyBufSize: bodyBufSize}
}

func (c *Client) reportf(sev report.Severity, raw bool, format string, args ...interface{}) {
	c.sink.Reportf(report.SourcePost, sev, raw, format, args...)
}

// SetServer configures the destination, routing via proxyHost/proxyPort
// when proxyHost is non-empty, mirroring post_set_server.
func (c *Client) SetServer(host string, port int, path string, proxyHost string, proxyPort int) error {
	c.serversSet = false
	c.haveCache = false

	if len(host) == 0 || len(host) > maxHostLen {
		return ErrCannotStart
	}
	if len(path) == 0 || len(path) > maxPathLen {
		return ErrCannotStart
	}

	c.serverHost = host
	c.serverPath = path
	c.serverPort = port

	if proxyHost != "" {
		if len(proxyHost) > maxHostLen {
			return ErrCannotStart
		}
		c.requestHost = proxyHost
		c.absURIPrefix = "http://"
		c.absURIHost = host
		if proxyPort != 0 {
			c.requestPort = proxyPort
		} else {
			c.requestPort = port
		}
	} else {
		c.requestHost = host
		c.absURIPrefix = ""
		c.absURIHost = ""
		c.requestPort = port
	}

	c.serversSet = true
	return nil
}

// ClearBody resets the outgoing body buffer.
func (c *Client) ClearBody() {
	c.body.Reset()
	c.bodyPos = 0
	c.bodyOverflow = false
}

// AddVariable URL-encodes and appends a name=value pair, joined with '&'.
func (c *Client) AddVariable(name, value string) error {
	if name == "" || value == "" {
		return ErrCannotStart
	}
	return c.appendPair(name, urlEncode(value))
}

// AddVariableHex appends name=<hex> where value is encoded as fixed-length
// uppercase hex, mirroring post_add_variable's hexlen>0 path (used for
// the raw observation buffer and the local IP address).
func (c *Client) AddVariableHex(name string, value []byte) error {
	if name == "" {
		return ErrCannotStart
	}
	var sb strings.Builder
	for _, b := range value {
		sb.WriteString(strconv.FormatUint(uint64(b>>4), 16))
		sb.WriteString(strconv.FormatUint(uint64(b&0x0F), 16))
	}
	return c.appendPair(name, strings.ToUpper(sb.String()))
}

func (c *Client) appendPair(name, encodedValue string) error {
	start := c.body.Len()
	if start != 0 {
		c.body.WriteByte('&')
	}
	c.body.WriteString(name)
	c.body.WriteByte('=')
	c.body.WriteString(encodedValue)
	if c.body.Len() > c.bodyBufSize {
		// Roll back to state on entry, matching add_body_char's no_room path.
		s := c.body.String()[:start]
		c.body.Reset()
		c.body.WriteString(s)
		c.bodyOverflow = true
		return ErrCannotStart
	}
	c.bodyPos = c.body.Len()
	return nil
}

// CheckOverflow reports whether a rolled-back overflow occurred since the
// last ClearBody.
func (c *Client) CheckOverflow() bool { return c.bodyOverflow }

func urlEncode(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case isAlnum(ch):
			sb.WriteByte(ch)
		case ch == ' ':
			sb.WriteByte('+')
		default:
			sb.WriteString(fmt.Sprintf("%%%02X", ch))
		}
	}
	return sb.String()
}

func isAlnum(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// Start begins a POST transaction using the currently configured server
// and body, mirroring post_start.
func (c *Client) Start() error {
	c.cleanup()

	if !c.serversSet {
		c.reportf(report.SeverityProblem, false, "Cannot start - servers not set")
		c.state = StateIdle
		c.cond = Result{Status: Pending, Err: ErrCannotStart}
		return ErrCannotStart
	}
	if c.bodyPos == 0 {
		c.reportf(report.SeverityProblem, false, "Cannot start - no body text")
		c.state = StateIdle
		c.cond = Result{Status: Pending, Err: ErrCannotStart}
		return ErrCannotStart
	}

	c.reportf(report.SeverityDetail, false, "Starting")

	c.state = StateStarting
	c.cond = Result{Status: Pending, Err: ErrNone}
	c.respClass = 0
	c.respResult = respNone
	c.resetTimeout()
	return nil
}

// Abort immediately cancels any in-flight transaction, mirroring
// post_abort.
func (c *Client) Abort() Result {
	c.reportf(report.SeverityDetail, false, "Aborting")
	c.cleanup()
	c.state = StateIdle
	c.cond = Result{Status: Pending, Err: ErrAborted}
	return c.cond
}

func (c *Client) cleanup() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) resetTimeout() {
	c.deadline = timeoututil.SetSeconds(c.clk, int(timeoutSecs/time.Second))
}

// Status returns the current overall condition without advancing state.
func (c *Client) Status() Result { return c.cond }

// Tick advances the state machine by one bounded step.
func (c *Client) Tick() Result {
	if c.state == StateIdle {
		return c.cond
	}

	if c.conn != nil && c.state != StateReadingBody {
		if c.conn.Closed() {
			c.reportf(report.SeverityProblem, false, "Socket closed unexpectedly in state %d", c.state)
			c.cond = Result{Status: Pending, Err: ErrConnectionLost}
			return c.failWith(ErrConnectionLost)
		}
	}

	if c.deadline.Expired(c.clk) {
		c.reportf(report.SeverityProblem, false, "Timed out in state %d", c.state)
		return c.failWith(ErrTimeout)
	}

	switch c.state {
	case StateStarting:
		return c.tickStarting()
	case StateResolving:
		return c.tickResolving()
	case StateOpening:
		return c.tickOpening()
	case StateAwaitingEstab:
		return c.tickAwaitingEstab()
	case StateSendingCommand:
		return c.tickSendingCommand()
	case StateSendingBody:
		return c.tickSendingBody()
	case StateReadingStatus:
		return c.tickReadingStatus()
	case StateReadingHeaders:
		return c.tickReadingHeaders()
	case StateCheckingBody:
		return c.tickCheckingBody()
	case StateReadingBody:
		return c.tickReadingBody()
	default:
		return c.failWith(ErrBadState)
	}
}

func (c *Client) failWith(kind ErrKind) Result {
	failedState := c.state
	c.cleanup()
	c.cachedIP = ""
	c.haveCache = false
	c.state = StateIdle
	c.cond = Result{Status: Pending, Err: kind, RespClass: c.respClass, FailState: failedState}
	return c.cond
}

func (c *Client) pending() Result {
	c.cond = Result{Status: Pending, Err: ErrNone}
	return c.cond
}

func (c *Client) tickStarting() Result {
	if c.haveCache && !c.cacheDeadline.Expired(c.clk) {
		c.resolvedIP = c.cachedIP
		c.state = StateOpening
		c.resetTimeout()
		return c.pending()
	}
	c.reportf(report.SeverityDetail, false, "Resolving %s", c.requestHost)
	c.tr.StartResolve(c.requestHost)
	c.state = StateResolving
	c.resetTimeout()
	return c.pending()
}

func (c *Client) tickResolving() Result {
	ip, done, err := c.tr.PollResolve()
	if !done {
		return c.pending()
	}
	if err != nil {
		c.reportf(report.SeverityProblem, false, "Resolve failed: %v", err)
		return c.failWith(ErrDNS)
	}
	c.resolvedIP = ip
	c.cachedIP = ip
	c.haveCache = true
	c.cacheDeadline = timeoututil.SetSeconds(c.clk, int(dnsCacheSecs/time.Second))
	c.state = StateOpening
	c.resetTimeout()
	return c.pending()
}

func (c *Client) tickOpening() Result {
	c.reportf(report.SeverityDetail, false, "Opening to %s:%d", c.resolvedIP, c.requestPort)
	c.tr.StartDial(c.resolvedIP, c.requestPort)
	c.state = StateAwaitingEstab
	c.resetTimeout()
	return c.pending()
}

func (c *Client) tickAwaitingEstab() Result {
	conn, done, err := c.tr.PollDial()
	if !done {
		return c.pending()
	}
	if err != nil {
		c.reportf(report.SeverityProblem, false, "Error opening socket: %v", err)
		return c.failWith(ErrSocket)
	}
	c.conn = conn
	c.reportf(report.SeverityDetail, false, "Connected")

	c.cmdBuf = fmt.Sprintf(postFmt, c.absURIPrefix, c.absURIHost, c.serverPath,
		c.serverHost, c.serverPort, c.bodyPos)
	c.reportf(report.SeverityDetail, false, "Sending command header:")
	c.reportf(report.SeverityDetail, true, "%s", c.cmdBuf)

	c.msg = []byte(c.cmdBuf)
	c.msgPos = 0
	c.state = StateSendingCommand
	c.resetTimeout()
	return c.pending()
}

func (c *Client) tickSendingCommand() Result {
	done, err := c.sendMessage()
	if err != nil {
		return c.failWith(ErrSend)
	}
	if done {
		c.reportf(report.SeverityDetail, false, "Sending body text:")
		c.reportf(report.SeverityDetail, true, "%s\r\n", c.body.String())
		c.msg = []byte(c.body.String())
		c.msgPos = 0
		c.state = StateSendingBody
		c.resetTimeout()
	}
	return c.pending()
}

func (c *Client) tickSendingBody() Result {
	done, err := c.sendMessage()
	if err != nil {
		return c.failWith(ErrSend)
	}
	if done {
		c.state = StateReadingStatus
		c.resetTimeout()
	}
	return c.pending()
}

func (c *Client) sendMessage() (done bool, err error) {
	if c.msgPos >= len(c.msg) {
		return true, nil
	}
	n, err := c.conn.Write(c.msg[c.msgPos:])
	if err != nil {
		c.reportf(report.SeverityProblem, false, "Write failed: %v", err)
		return false, err
	}
	if n > 0 {
		c.reportf(report.SeverityDetail, false, "Wrote %d bytes", n)
	}
	c.msgPos += n
	if c.msgPos == len(c.msg) {
		c.reportf(report.SeverityDetail, false, "Write completed (%d bytes)", c.msgPos)
		return true, nil
	}
	return false, nil
}

func (c *Client) getResponseLine() (line string, ok bool, err error) {
	line, ok, err = c.conn.ReadLine()
	if err != nil {
		return "", false, err
	}
	if ok {
		if line != "" {
			c.reportf(report.SeverityDetail, false, "Read: %s", line)
		} else {
			c.reportf(report.SeverityDetail, false, "Read: (blank line)")
		}
	}
	return line, ok, nil
}

func (c *Client) tickReadingStatus() Result {
	line, ok, err := c.getResponseLine()
	if err != nil {
		return c.failWith(ErrConnectionLost)
	}
	if !ok {
		return c.pending()
	}
	class, ok := parseStatusLine(line)
	if !ok {
		c.reportf(report.SeverityProblem, false, "HTTP header not found in status response")
		return c.failWith(ErrResp)
	}
	c.respClass = class
	if class != 1 && class != 2 {
		c.reportf(report.SeverityProblem, false, "Remote server returned error class %d", class)
		return c.failWith(ErrServer)
	}
	c.reportf(report.SeverityDetail, false, "Remote server returned class %d", class)
	c.state = StateReadingHeaders
	c.resetTimeout()
	return c.pending()
}

func parseStatusLine(line string) (class int, ok bool) {
	if len(line) < 5 || !strings.EqualFold(line[:5], "HTTP/") {
		return 0, false
	}
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimLeft(line[idx:], " \t")
	if rest == "" {
		return 0, false
	}
	if rest[0] < '1' || rest[0] > '5' {
		return 0, false
	}
	return int(rest[0] - '0'), true
}

func (c *Client) tickReadingHeaders() Result {
	line, ok, err := c.getResponseLine()
	if err != nil {
		return c.failWith(ErrConnectionLost)
	}
	if !ok {
		return c.pending()
	}
	if line == "" {
		c.reportf(report.SeverityDetail, false, "End of headers found")
		if c.respClass == 1 {
			c.state = StateReadingStatus
		} else {
			c.state = StateCheckingBody
		}
		c.resetTimeout()
	}
	return c.pending()
}

func (c *Client) tickCheckingBody() Result {
	line, ok, err := c.getResponseLine()
	if err != nil {
		return c.failWith(ErrConnectionLost)
	}
	if !ok {
		return c.pending()
	}

	c.checkRespTimeT(line)

	if res := matchRespResult(line); res != respNone {
		c.respResult = res
		c.reportf(report.SeverityDetail, false, "Found response %d", res)
		c.state = StateReadingBody
		c.resetTimeout()
	}
	return c.pending()
}

func matchRespResult(line string) respResult {
	for i := respSuccess; i <= respRejected; i++ {
		if strings.HasPrefix(strings.ToLower(line), strings.ToLower(respStrings[i])) {
			return i
		}
	}
	return respNone
}

func (c *Client) checkRespTimeT(line string) {
	if !strings.HasPrefix(strings.ToLower(line), strings.ToLower(respLabelTimeT)) {
		return
	}
	numStr := strings.TrimSpace(line[len(respLabelTimeT):])
	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil || val == 0 {
		c.reportf(report.SeverityProblem, false, "time_t value is zero or non-numeric")
		return
	}
	if val >= maxRespTimeT {
		c.reportf(report.SeverityProblem, false, "time_t value saturated at maximum, ignoring")
		return
	}

	serverTime := time.Unix(val, 0).UTC()
	diff := serverTime.Sub(c.clk.Now())
	if diff < 0 {
		diff = -diff
	}
	if diff < maxDiffTime {
		c.reportf(report.SeverityDetail, false, "Interface clock matches time_t value")
		c.rtc.Set(true)
		return
	}

	c.clk.Set(serverTime)
	c.reportf(report.SeverityDetail, false, "Interface clock adjusted to %s", rtcutil.Str(c.clk))
	c.rtc.Set(false)
}

func (c *Client) tickReadingBody() Result {
	if c.conn.Closed() {
		c.reportf(report.SeverityDetail, false, "Connection closed")
		c.conn.Close()
		c.conn = nil

		switch c.respResult {
		case respSuccess:
		case respBadID:
			c.reportf(report.SeverityProblem, false, "Station ID rejected by server")
			return c.failWith(ErrBadID)
		case respBadData:
			c.reportf(report.SeverityProblem, false, "Server reported invalid data from sensor suite")
		case respRejected, respNone:
			c.reportf(report.SeverityProblem, false, "Transaction rejected by server")
			return c.failWith(ErrRejected)
		}

		c.state = StateIdle
		c.cond = Result{Status: Success, Err: ErrNone, RespClass: c.respClass}
		return c.cond
	}

	c.getResponseLine()
	return c.pending()
}
