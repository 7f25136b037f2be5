package selfupdate

import (
	"context"
	"testing"

	"github.com/chapmip/wxappliance/internal/postclient"
	"github.com/chapmip/wxappliance/internal/report"
)

type fakeTransport struct {
	ip   string
	conn *fakeConn
}

func (t *fakeTransport) StartResolve(host string)                        {}
func (t *fakeTransport) PollResolve() (string, bool, error)               { return t.ip, true, nil }
func (t *fakeTransport) StartDial(ip string, port int)                    {}
func (t *fakeTransport) PollDial() (postclient.Conn, bool, error)         { return t.conn, true, nil }

type fakeConn struct {
	lines  []string
	closed bool
}

func (c *fakeConn) Write(buf []byte) (int, error) { return len(buf), nil }
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

type fakeFlash struct {
	chunks [][]byte
}

func (f *fakeFlash) WriteChunk(offset int64, data []byte) error {
	f.chunks = append(f.chunks, append([]byte(nil), data...))
	return nil
}

func newTestSink() *report.Sink {
	return report.NewSink(func() report.Mode { return report.ModeVerbose })
}

func TestCheckUpdateReportsNewerVersion(t *testing.T) {
	conn := &fakeConn{lines: []string{"HTTP/1.0 200 OK", "", "205"}, closed: true}
	tr := &fakeTransport{ip: "1.2.3.4", conn: conn}
	c := NewChecker(tr, newTestSink(), 2, 0) // this build is v2.00

	available, version, err := c.CheckUpdate(context.Background(), "update.example.com", "/update.html")
	if err != nil {
		t.Fatalf("CheckUpdate() error: %v", err)
	}
	if !available {
		t.Errorf("available = false, want true for version 205 > 200")
	}
	if version != 205 {
		t.Errorf("version = %d, want 205", version)
	}
}

func TestCheckUpdateUpToDate(t *testing.T) {
	conn := &fakeConn{lines: []string{"HTTP/1.0 200 OK", "", "200"}, closed: true}
	tr := &fakeTransport{ip: "1.2.3.4", conn: conn}
	c := NewChecker(tr, newTestSink(), 2, 0)

	available, _, err := c.CheckUpdate(context.Background(), "update.example.com", "/update.html")
	if err != nil {
		t.Fatalf("CheckUpdate() error: %v", err)
	}
	if available {
		t.Errorf("available = true, want false when remote version is not newer")
	}
}

func TestCheckUpdateBadStatus(t *testing.T) {
	conn := &fakeConn{lines: []string{"HTTP/1.0 404 Not Found", "", ""}, closed: true}
	tr := &fakeTransport{ip: "1.2.3.4", conn: conn}
	c := NewChecker(tr, newTestSink(), 2, 0)

	if _, _, err := c.CheckUpdate(context.Background(), "update.example.com", "/update.html"); err == nil {
		t.Fatalf("CheckUpdate() succeeded on a 404 status, want error")
	}
}

func TestDownloadWritesChunks(t *testing.T) {
	conn := &fakeConn{lines: []string{"HTTP/1.0 200 OK", "", "firmware-bytes-line-one"}, closed: true}
	tr := &fakeTransport{ip: "1.2.3.4", conn: conn}
	c := NewChecker(tr, newTestSink(), 2, 0)

	flash := &fakeFlash{}
	if err := c.Download(context.Background(), "update.example.com", "/update.bin", flash); err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if len(flash.chunks) == 0 {
		t.Errorf("no chunks were written to flash")
	}
}
