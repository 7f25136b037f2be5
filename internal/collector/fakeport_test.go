package collector

import "time"

// fakePort is an in-memory Port double driven by tests. Writes trigger an
// optional scripted responder so a test can simulate the station's side of
// the handshake deterministically.
type fakePort struct {
	in        []byte
	written   [][]byte
	onWrite   func(written []byte, p *fakePort)
	flushes   int
	failNext  error
}

func (p *fakePort) Write(buf []byte) error {
	cp := append([]byte(nil), buf...)
	p.written = append(p.written, cp)
	if p.onWrite != nil {
		p.onWrite(cp, p)
	}
	return nil
}

func (p *fakePort) ReadByte() (byte, bool, error) {
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return 0, false, err
	}
	if len(p.in) == 0 {
		return 0, false, nil
	}
	b := p.in[0]
	p.in = p.in[1:]
	return b, true, nil
}

func (p *fakePort) Flush() error {
	p.flushes++
	p.in = nil
	return nil
}

func (p *fakePort) feed(b ...byte) { p.in = append(p.in, b...) }

// fakeClock is a controllable Clock for deterministic deadline tests.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }
