package postclient

import (
	"strconv"
	"testing"
	"time"

	"github.com/chapmip/wxappliance/internal/report"
	"github.com/chapmip/wxappliance/internal/rtcutil"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Set(t time.Time)         { c.now = t }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func newSink() *report.Sink {
	return report.NewSink(func() report.Mode { return report.ModeVerbose })
}

func runUntilTerminal(t *testing.T, c *Client, clk *fakeClock, maxTicks int) Result {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		r := c.Tick()
		if r.Terminal() {
			return r
		}
		clk.advance(10 * time.Millisecond)
	}
	t.Fatalf("postclient did not reach a terminal state within %d ticks", maxTicks)
	return Result{}
}

// runUntilState ticks until the client reaches want, then calls respond.
func runUntilState(t *testing.T, c *Client, clk *fakeClock, want State, respond func(), maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		r := c.Tick()
		if r.Terminal() {
			t.Fatalf("reached terminal result %+v before state %v", r, want)
		}
		if c.state == want {
			respond()
			return
		}
		clk.advance(5 * time.Millisecond)
	}
	t.Fatalf("never reached state %v", want)
}

func setupClient(t *testing.T, clk *fakeClock, conn *fakeConn) (*Client, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{resolveIP: "10.0.0.1", dialConn: conn}
	rtc := &rtcutil.Validated{}
	c := NewClient(clk, newSink(), rtc, tr, 0)
	if err := c.SetServer("example.com", 80, "/report", "", 0); err != nil {
		t.Fatalf("SetServer() error: %v", err)
	}
	c.ClearBody()
	if err := c.AddVariable("station", "WX1"); err != nil {
		t.Fatalf("AddVariable() error: %v", err)
	}
	return c, tr
}

func TestPostSuccess(t *testing.T) {
	clk := newFakeClock()
	conn := &fakeConn{}
	c, _ := setupClient(t, clk, conn)

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	runUntilState(t, c, clk, StateReadingStatus, func() {
		conn.feedLines("HTTP/1.1 200 OK", "", "Success!")
		conn.closed = true
	}, 50)

	final := runUntilTerminal(t, c, clk, 200)
	if final.Status != Success {
		t.Fatalf("result = %+v, want Success", final)
	}

	header, body := splitHeaderAndBody(conn.writtenString())
	if header == "" {
		t.Fatalf("no command header written")
	}
	if body != "station=WX1" {
		t.Errorf("body = %q, want %q", body, "station=WX1")
	}
}

func TestPostServerErrorClass(t *testing.T) {
	clk := newFakeClock()
	conn := &fakeConn{}
	c, _ := setupClient(t, clk, conn)

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	runUntilState(t, c, clk, StateReadingStatus, func() {
		conn.feedLines("HTTP/1.1 500 Internal Server Error")
	}, 50)

	res := runUntilTerminal(t, c, clk, 50)
	if res.Err != ErrServer {
		t.Fatalf("result = %+v, want ErrServer", res)
	}
	if res.RespClass != 5 {
		t.Errorf("RespClass = %d, want 5", res.RespClass)
	}
}

func TestPostRejectedByBody(t *testing.T) {
	clk := newFakeClock()
	conn := &fakeConn{}
	c, _ := setupClient(t, clk, conn)

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	runUntilState(t, c, clk, StateReadingStatus, func() {
		conn.feedLines("HTTP/1.1 200 OK", "", "Reject!")
		conn.closed = true
	}, 50)

	res := runUntilTerminal(t, c, clk, 50)
	if res.Err != ErrRejected {
		t.Fatalf("result = %+v, want ErrRejected", res)
	}
}

func TestPostResolveFailure(t *testing.T) {
	clk := newFakeClock()
	conn := &fakeConn{}
	c, tr := setupClient(t, clk, conn)
	tr.resolveErr = errResolve

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	res := runUntilTerminal(t, c, clk, 50)
	if res.Err != ErrDNS {
		t.Fatalf("result = %+v, want ErrDNS", res)
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

var errResolve = fakeErr("simulated resolve failure")

func TestCannotStartWithoutBody(t *testing.T) {
	clk := newFakeClock()
	tr := &fakeTransport{}
	rtc := &rtcutil.Validated{}
	c := NewClient(clk, newSink(), rtc, tr, 0)
	if err := c.SetServer("example.com", 80, "/report", "", 0); err != nil {
		t.Fatalf("SetServer() error: %v", err)
	}

	if err := c.Start(); err == nil {
		t.Fatalf("Start() succeeded with empty body, want error")
	}
}

func TestServerTimeAdoption(t *testing.T) {
	clk := newFakeClock()
	conn := &fakeConn{}
	c, _ := setupClient(t, clk, conn)

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	skewed := clk.Now().Add(5 * time.Minute)
	runUntilState(t, c, clk, StateReadingStatus, func() {
		conn.feedLines("HTTP/1.1 200 OK", "",
			"Server time ="+strconv.FormatInt(skewed.Unix(), 10), "Success!")
		conn.closed = true
	}, 50)

	res := runUntilTerminal(t, c, clk, 50)
	if res.Status != Success {
		t.Fatalf("result = %+v, want Success", res)
	}
	diff := clk.Now().Sub(skewed)
	if diff < 0 {
		diff = -diff
	}
	if diff > time.Second {
		t.Errorf("clock not adopted: now=%v want~%v", clk.Now(), skewed)
	}
}
