package postclient

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// dnsGroup dedups concurrent resolutions of the same host across every
// NetTransport in the process (the POST client's own transport plus any
// selfupdate.Checker or diagnostics-triggered "collect now" path racing
// it): a cache miss during one transaction must not spawn a second
// concurrent resolution of the same name.
var dnsGroup singleflight.Group

// NetTransport is the production Transport, backed by net.DefaultResolver
// and net.Dialer, each driven from a background goroutine so PollResolve
// and PollDial never block -- the same "own the blocking call on its own
// goroutine, poll a channel from the tick loop" shape used by
// collector.SerialPort for the serial link.
type NetTransport struct {
	mu         sync.Mutex
	resolveRes chan resolveResult
	dialRes    chan dialResult
}

type resolveResult struct {
	ip  string
	err error
}

type dialResult struct {
	conn net.Conn
	err  error
}

// NewNetTransport returns a ready-to-use NetTransport.
func NewNetTransport() *NetTransport {
	return &NetTransport{}
}

// StartResolve implements Transport.
func (t *NetTransport) StartResolve(host string) {
	t.mu.Lock()
	t.resolveRes = make(chan resolveResult, 1)
	ch := t.resolveRes
	t.mu.Unlock()

	go func() {
		v, err, _ := dnsGroup.Do(host, func() (interface{}, error) {
			if ip := net.ParseIP(host); ip != nil {
				return host, nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			addrs, err := net.DefaultResolver.LookupHost(ctx, host)
			if err != nil || len(addrs) == 0 {
				return "", err
			}
			return addrs[0], nil
		})
		if err != nil {
			ch <- resolveResult{err: err}
			return
		}
		ch <- resolveResult{ip: v.(string)}
	}()
}

// PollResolve implements Transport.
func (t *NetTransport) PollResolve() (ip string, done bool, err error) {
	t.mu.Lock()
	ch := t.resolveRes
	t.mu.Unlock()
	if ch == nil {
		return "", false, nil
	}
	select {
	case res := <-ch:
		return res.ip, true, res.err
	default:
		return "", false, nil
	}
}

// StartDial implements Transport.
func (t *NetTransport) StartDial(ip string, port int) {
	t.mu.Lock()
	t.dialRes = make(chan dialResult, 1)
	ch := t.dialRes
	t.mu.Unlock()

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	go func() {
		conn, err := net.DialTimeout("tcp", addr, 15*time.Second)
		ch <- dialResult{conn: conn, err: err}
	}()
}

// PollDial implements Transport.
func (t *NetTransport) PollDial() (Conn, bool, error) {
	t.mu.Lock()
	ch := t.dialRes
	t.mu.Unlock()
	if ch == nil {
		return nil, false, nil
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, true, res.err
		}
		return newNetConn(res.conn), true, nil
	default:
		return nil, false, nil
	}
}

// netConn adapts a net.Conn to the non-blocking Conn contract via a
// background scanner goroutine, mirroring collector.SerialPort's pattern.
type netConn struct {
	conn   net.Conn
	lines  chan string
	errs   chan error
	closed chan struct{}
	done   bool
}

func newNetConn(conn net.Conn) *netConn {
	c := &netConn{
		conn:   conn,
		lines:  make(chan string, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *netConn) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Split(scanCRLFLines)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		select {
		case c.errs <- err:
		default:
		}
	}
	close(c.closed)
}

// scanCRLFLines is a bufio.SplitFunc that splits on "\r\n" or bare "\n",
// matching sock_gets's line framing over a raw TCP stream.
func scanCRLFLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			end := i
			if end > 0 && data[end-1] == '\r' {
				end--
			}
			return i + 1, data[0:end], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (c *netConn) Write(buf []byte) (int, error) {
	c.conn.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
	n, err := c.conn.Write(buf)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (c *netConn) ReadLine() (string, bool, error) {
	select {
	case line := <-c.lines:
		return line, true, nil
	case err := <-c.errs:
		return "", false, err
	default:
		return "", false, nil
	}
}

func (c *netConn) Closed() bool {
	select {
	case <-c.closed:
		if len(c.lines) == 0 {
			c.done = true
		}
		return c.done
	default:
		return false
	}
}

func (c *netConn) Close() error {
	return c.conn.Close()
}
