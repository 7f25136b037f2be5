package postclient

import (
	"strings"
)

// fakeTransport is a scripted Transport double for deterministic tests.
type fakeTransport struct {
	resolveIP  string
	resolveErr error
	resolved   bool

	dialErr  error
	dialConn *fakeConn
	dialed   bool
}

func (t *fakeTransport) StartResolve(host string) { t.resolved = false }

func (t *fakeTransport) PollResolve() (string, bool, error) {
	if !t.resolved {
		t.resolved = true
		return t.resolveIP, true, t.resolveErr
	}
	return t.resolveIP, true, t.resolveErr
}

func (t *fakeTransport) StartDial(ip string, port int) { t.dialed = false }

func (t *fakeTransport) PollDial() (Conn, bool, error) {
	if t.dialErr != nil {
		return nil, true, t.dialErr
	}
	return t.dialConn, true, nil
}

// fakeConn is an in-memory Conn double. Outgoing writes are recorded;
// scripted response lines are fed via feedLines, and markClosed simulates
// the peer closing the connection once all lines are drained.
type fakeConn struct {
	written []byte
	lines   []string
	closed  bool
}

func (c *fakeConn) Write(buf []byte) (int, error) {
	c.written = append(c.written, buf...)
	return len(buf), nil
}

func (c *fakeConn) ReadLine() (string, bool, error) {
	if len(c.lines) == 0 {
		return "", false, nil
	}
	line := c.lines[0]
	c.lines = c.lines[1:]
	return line, true, nil
}

func (c *fakeConn) Closed() bool {
	return c.closed && len(c.lines) == 0
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) feedLines(lines ...string) {
	c.lines = append(c.lines, lines...)
}

func (c *fakeConn) writtenString() string { return string(c.written) }

func splitHeaderAndBody(written string) (header, body string) {
	idx := strings.Index(written, "\r\n\r\n")
	if idx < 0 {
		return written, ""
	}
	return written[:idx], written[idx+4:]
}
