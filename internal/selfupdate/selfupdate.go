// Package selfupdate implements the firmware self-update wrapper:
// version-check and download GETs against the update server. Unlike the
// three core state machines, CheckUpdate and Download are ordinary
// blocking calls: the original wrapped a synchronous web-downloader
// library, and nothing in this package is driven by the cooperative tick
// loop, so it runs on its own goroutine.
package selfupdate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chapmip/wxappliance/internal/postclient"
	"github.com/chapmip/wxappliance/internal/report"
	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"
)

const (
	checkTimeout  = 20 * time.Second
	chunkSize     = 4096
	flashPoolSize = 2 // small and fixed: bounds retry/backoff concurrency, not physical writes
)

// FlashWriter receives the downloaded image in order, in chunks of at least
// chunkSize bytes (the last chunk may be shorter).
// A production implementation streams each chunk to the board's flash
// driver; tests use a fake that appends to a byte slice.
type FlashWriter interface {
	WriteChunk(offset int64, data []byte) error
}

// Checker wraps the version-check and download GETs, reusing
// postclient's Transport/Conn abstractions for the socket work rather than
// duplicating DNS/dial/read plumbing.
type Checker struct {
	tr         postclient.Transport
	sink       *report.Sink
	verMajor   int
	verMinor   int
	useProxy   bool
	proxyHost  string
	proxyPort  int
}

// NewChecker returns a Checker that compares remote versions against
// verMajor.verMinor (this build's own version, matching VER_MAJOR/VER_MINOR).
func NewChecker(tr postclient.Transport, sink *report.Sink, verMajor, verMinor int) *Checker {
	return &Checker{tr: tr, sink: sink, verMajor: verMajor, verMinor: verMinor}
}

// SetProxy configures an HTTP proxy for both CheckUpdate and Download,
// mirroring ee_post_info.use_proxy.
func (c *Checker) SetProxy(host string, port int) {
	c.useProxy = true
	c.proxyHost = host
	c.proxyPort = port
}

func (c *Checker) reportf(sev report.Severity, format string, args ...interface{}) {
	c.sink.Reportf(report.SourceDownload, sev, false, format, args...)
}

// CheckUpdate issues one GET for path on web_host (or the configured proxy)
// and parses a one-line decimal version response, matching check_download().
// Returns available=true when the remote version exceeds this build's.
func (c *Checker) CheckUpdate(ctx context.Context, webHost, path string) (available bool, version int64, err error) {
	connHost, connPort := webHost, 80
	url := path
	if c.useProxy {
		connHost, connPort = c.proxyHost, c.proxyPort
		url = "http://" + webHost + path
	}

	c.reportf(report.SeverityInfo, "Checking for new firmware...")
	c.reportf(report.SeverityDetail, "Attempting connection to %s port %d", connHost, connPort)
	c.reportf(report.SeverityDetail, "Attempting to get %s", url)

	line, err := c.getOneLine(ctx, connHost, connPort, webHost, url)
	if err != nil {
		c.reportf(report.SeverityProblem, "CheckWebVersion() failed: %v", err)
		return false, 0, err
	}

	version, err = strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		c.reportf(report.SeverityProblem, "CheckWebVersion() returned unparseable version %q", line)
		return false, 0, fmt.Errorf("selfupdate: bad version line %q: %w", line, err)
	}

	c.reportf(report.SeverityInfo, "CheckWebVersion() returned version %d", version)

	if version <= int64(c.verMajor)*100+int64(c.verMinor) {
		c.reportf(report.SeverityInfo, "Current firmware is up-to-date")
		return false, version, nil
	}
	c.reportf(report.SeverityInfo, "Updated firmware is available")
	return true, version, nil
}

// getOneLine performs a minimal blocking GET over postclient's Transport,
// returning the first body line. It intentionally does not reuse
// postclient.Client directly: that type's state machine is shaped for
// repeated POST transactions with a persistent body builder, whereas a
// version check is a single short-lived GET best expressed as a small
// local poll loop.
func (c *Checker) getOneLine(ctx context.Context, connHost string, connPort int, hostHeader, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	c.tr.StartResolve(connHost)
	ip, err := pollUntil(ctx, func() (string, bool, error) { return c.tr.PollResolve() })
	if err != nil {
		return "", fmt.Errorf("selfupdate: resolve %s: %w", connHost, err)
	}

	c.tr.StartDial(ip, connPort)
	conn, err := pollUntil(ctx, func() (postclient.Conn, bool, error) { return c.tr.PollDial() })
	if err != nil {
		return "", fmt.Errorf("selfupdate: dial %s:%d: %w", ip, connPort, err)
	}
	defer conn.Close()

	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", url, hostHeader)
	if _, err := writeAll(ctx, conn, []byte(req)); err != nil {
		return "", fmt.Errorf("selfupdate: send request: %w", err)
	}

	status, err := readLine(ctx, conn)
	if err != nil {
		return "", fmt.Errorf("selfupdate: read status line: %w", err)
	}
	if !strings.Contains(status, "200") {
		return "", fmt.Errorf("selfupdate: unexpected status %q", status)
	}

	// Skip headers up to the blank line.
	for {
		line, err := readLine(ctx, conn)
		if err != nil {
			return "", fmt.Errorf("selfupdate: read headers: %w", err)
		}
		if line == "" {
			break
		}
	}

	return readLine(ctx, conn)
}

// Download streams path from webHost to dst, gathering body lines into
// chunks of at least chunkSize bytes and handing each such chunk's write to
// a bounded ants worker pool; a shorter final chunk is written directly. It
// matches get_download() but with non-fatal error returns instead of "does
// not return on success".
func (c *Checker) Download(ctx context.Context, webHost, path string, dst FlashWriter) error {
	c.reportf(report.SeverityInfo, "Attempting to download new firmware...")

	connHost, connPort := webHost, 80
	url := path
	if c.useProxy {
		connHost, connPort = c.proxyHost, c.proxyPort
		url = "http://" + webHost + path
	}

	c.tr.StartResolve(connHost)
	ip, err := pollUntil(ctx, func() (string, bool, error) { return c.tr.PollResolve() })
	if err != nil {
		c.reportf(report.SeverityProblem, "GetWebUpdate() resolve failed: %v", err)
		return err
	}

	c.tr.StartDial(ip, connPort)
	conn, err := pollUntil(ctx, func() (postclient.Conn, bool, error) { return c.tr.PollDial() })
	if err != nil {
		c.reportf(report.SeverityProblem, "GetWebUpdate() dial failed: %v", err)
		return err
	}
	defer conn.Close()

	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", url, webHost)
	if _, err := writeAll(ctx, conn, []byte(req)); err != nil {
		c.reportf(report.SeverityProblem, "GetWebUpdate() send failed: %v", err)
		return err
	}

	status, err := readLine(ctx, conn)
	if err != nil || !strings.Contains(status, "200") {
		c.reportf(report.SeverityProblem, "GetWebUpdate() bad status: %q (%v)", status, err)
		return fmt.Errorf("selfupdate: bad status %q: %w", status, err)
	}
	for {
		line, lerr := readLine(ctx, conn)
		if lerr != nil {
			return fmt.Errorf("selfupdate: read headers: %w", lerr)
		}
		if line == "" {
			break
		}
	}

	pool, err := ants.NewPool(flashPoolSize)
	if err != nil {
		return fmt.Errorf("selfupdate: ants pool: %w", err)
	}
	defer pool.Release()

	var offset int64
	buf := make([]byte, 0, chunkSize)
	for {
		line, lerr := readLine(ctx, conn)
		if lerr != nil {
			break // EOF or connection close ends the body, matching the original's copy loop
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
		if len(buf) < chunkSize {
			continue
		}
		chunk := append([]byte(nil), buf...)
		chunkOffset := offset
		offset += int64(len(chunk))
		buf = buf[:0]

		done := make(chan error, 1)
		submitErr := pool.Submit(func() {
			done <- dst.WriteChunk(chunkOffset, chunk)
		})
		if submitErr != nil {
			c.reportf(report.SeverityProblem, "write_sector() pool submit failed: %v", submitErr)
			return submitErr
		}
		if werr := <-done; werr != nil {
			c.reportf(report.SeverityProblem, "write_sector() failed at offset %d: %v", chunkOffset, werr)
			return werr
		}
	}
	if len(buf) > 0 {
		if werr := dst.WriteChunk(offset, buf); werr != nil {
			c.reportf(report.SeverityProblem, "write_sector() failed at final offset %d: %v", offset, werr)
			return werr
		}
		offset += int64(len(buf))
	}

	c.reportf(report.SeverityInfo, "Firmware download completed (%s)", humanize.Bytes(uint64(offset)))
	return nil
}

func pollUntil[T any](ctx context.Context, poll func() (T, bool, error)) (T, error) {
	var zero T
	for {
		v, ok, err := poll()
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func writeAll(ctx context.Context, conn postclient.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return total, nil
}

func readLine(ctx context.Context, conn postclient.Conn) (string, error) {
	for {
		line, ok, err := conn.ReadLine()
		if err != nil {
			return "", err
		}
		if ok {
			return line, nil
		}
		if conn.Closed() {
			return "", fmt.Errorf("selfupdate: connection closed before line received")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
