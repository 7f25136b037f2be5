package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/chapmip/wxappliance/internal/bbvars"
	"github.com/chapmip/wxappliance/internal/collector"
	"github.com/chapmip/wxappliance/internal/crc16"
	"github.com/chapmip/wxappliance/internal/lanmgr"
	"github.com/chapmip/wxappliance/internal/paramstore"
	"github.com/chapmip/wxappliance/internal/postclient"
	"github.com/chapmip/wxappliance/internal/report"
	"github.com/chapmip/wxappliance/internal/rtcutil"
)

// --- fakes shared across supervisor tests ---

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Set(t time.Time)         { c.now = t }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

type fakePort struct {
	in      []byte
	onWrite func(written []byte, p *fakePort)
}

func (p *fakePort) Write(buf []byte) error {
	if p.onWrite != nil {
		p.onWrite(buf, p)
	}
	return nil
}
func (p *fakePort) ReadByte() (byte, bool, error) {
	if len(p.in) == 0 {
		return 0, false, nil
	}
	b := p.in[0]
	p.in = p.in[1:]
	return b, true, nil
}
func (p *fakePort) Flush() error { p.in = nil; return nil }
func (p *fakePort) feed(b ...byte) { p.in = append(p.in, b...) }

func validLoopBuf() []byte {
	buf := make([]byte, 0, 99)
	buf = append(buf, []byte("LOO")...)
	for len(buf) < 95 {
		buf = append(buf, 0)
	}
	buf = append(buf, '\n', '\r')
	return crc16.Append(buf)
}

type fakeIface struct{ linkUp bool }

func (f *fakeIface) LinkUp() bool { return f.linkUp }
func (f *fakeIface) IfUp() bool   { return true }
func (f *fakeIface) BringUpDHCP(ctx context.Context, fallback bool, cfg paramstore.LANConfig) error {
	return nil
}
func (f *fakeIface) BringUpStatic(ctx context.Context, cfg paramstore.LANConfig) error { return nil }
func (f *fakeIface) BringDown() error                                                 { return nil }
func (f *fakeIface) DHCPLeaseOK() bool                                                 { return true }
func (f *fakeIface) UsedFallback() bool                                                { return false }
func (f *fakeIface) LocalIP() [4]byte                                                  { return [4]byte{10, 0, 0, 5} }

type fakeTransport struct {
	ip   string
	conn *fakeConn
}

func (t *fakeTransport) StartResolve(host string)      {}
func (t *fakeTransport) PollResolve() (string, bool, error) { return t.ip, true, nil }
func (t *fakeTransport) StartDial(ip string, port int) {}
func (t *fakeTransport) PollDial() (postclient.Conn, bool, error) { return t.conn, true, nil }

type fakeConn struct {
	written []byte
	lines   []string
	closed  bool
}

func (c *fakeConn) Write(buf []byte) (int, error) { c.written = append(c.written, buf...); return len(buf), nil }
func (c *fakeConn) ReadLine() (string, bool, error) {
	if len(c.lines) == 0 {
		return "", false, nil
	}
	l := c.lines[0]
	c.lines = c.lines[1:]
	return l, true, nil
}
func (c *fakeConn) Closed() bool { return c.closed && len(c.lines) == 0 }
func (c *fakeConn) Close() error { return nil }

func newHarness(t *testing.T) (*Supervisor, *fakePort, *fakeConn) {
	t.Helper()
	clk := newFakeClock()
	sink := report.NewSink(func() report.Mode { return report.ModeVerbose })

	port := &fakePort{}
	col := collector.New(port).WithClock(clk)

	conn := &fakeConn{}
	tr := &fakeTransport{ip: "10.0.0.1", conn: conn}
	rtc := &rtcutil.Validated{}
	rtc.Set(true)
	post := postclient.NewClient(clk, sink, rtc, tr, 0)
	if err := post.SetServer("example.com", 80, "/report", "", 0); err != nil {
		t.Fatalf("SetServer() error: %v", err)
	}

	store := paramstore.NewMemPageStore()
	iface := &fakeIface{linkUp: true}
	lan := lanmgr.NewManager(iface, store, sink)
	paramstore.WriteLAN(store, paramstore.DefaultLANConfig())
	if err := lan.Start(context.Background()); err != nil {
		t.Fatalf("lan.Start() error: %v", err)
	}

	vars := bbvars.New()

	sup := New(Config{
		Clock: clk, Sink: sink, Collector: col, Post: post, LAN: lan,
		Vars: vars, RTC: rtc, StationID: 42,
	})

	return sup, port, conn
}

func TestIdleStartsCollectionAfterInitialDelay(t *testing.T) {
	sup, _, _ := newHarness(t)
	clk := sup.clk.(*fakeClock)

	out := sup.Tick(0, false)
	if out != OutcomeOK {
		t.Fatalf("Tick() = %v before delay elapses, want OutcomeOK", out)
	}
	if sup.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle before 30s elapse", sup.State())
	}

	clk.advance(31 * time.Second)
	out = sup.Tick(0, false)
	if out != OutcomeOK {
		t.Fatalf("Tick() = %v, want OutcomeOK", out)
	}
	if sup.State() != StateCollecting {
		t.Fatalf("state = %v, want StateCollecting", sup.State())
	}
}

func TestFullCycleHappyPath(t *testing.T) {
	sup, port, conn := newHarness(t)
	clk := sup.clk.(*fakeClock)

	port.onWrite = func(written []byte, p *fakePort) {
		switch string(written) {
		case "\n":
			p.feed('\n', '\r')
		case "LOOP 1\n":
			p.feed(0x06)
			p.feed(validLoopBuf()...)
		}
	}

	clk.advance(31 * time.Second)
	sup.Tick(0, false)
	if sup.State() != StateCollecting {
		t.Fatalf("state = %v, want StateCollecting", sup.State())
	}

	for i := 0; i < 50 && sup.State() == StateCollecting; i++ {
		sup.Tick(0, false)
		clk.advance(10 * time.Millisecond)
	}
	if sup.State() != StateProcessing {
		t.Fatalf("state = %v, want StateProcessing after successful collect", sup.State())
	}

	out := sup.Tick(0, false)
	if out != OutcomeOK {
		t.Fatalf("Tick() = %v, want OutcomeOK", out)
	}
	if sup.State() != StateDelivering {
		t.Fatalf("state = %v, want StateDelivering", sup.State())
	}

	conn.lines = append(conn.lines, "HTTP/1.1 200 OK", "", "Success!")
	conn.closed = true

	for i := 0; i < 50 && sup.State() == StateDelivering; i++ {
		sup.Tick(0, false)
		clk.advance(10 * time.Millisecond)
	}
	if sup.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle after successful delivery", sup.State())
	}
	if len(conn.written) == 0 {
		t.Errorf("no POST body was ever written")
	}
}

func TestMenuKeyExitsIdle(t *testing.T) {
	sup, _, _ := newHarness(t)
	clk := sup.clk.(*fakeClock)
	clk.advance(1 * time.Second) // stay well short of the 30s collect delay

	pressed := false
	sup.poll = func() (rune, bool) {
		if pressed {
			return 0, false
		}
		pressed = true
		return 0x1B, true
	}

	out := sup.Tick(0, false)
	if out != OutcomeMenuRequested {
		t.Fatalf("Tick() = %v, want OutcomeMenuRequested", out)
	}
}

func TestEthDownReported(t *testing.T) {
	sup, _, _ := newHarness(t)
	clk := sup.clk.(*fakeClock)
	clk.advance(1 * time.Second)

	iface := &fakeIface{linkUp: false}
	sup.lan = lanmgr.NewManager(iface, paramstore.NewMemPageStore(), sup.sink)

	out := sup.Tick(0, false)
	if out != OutcomeEthDown {
		t.Fatalf("Tick() = %v, want OutcomeEthDown", out)
	}
}
