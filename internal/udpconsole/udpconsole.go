// Package udpconsole implements the UDP debug console transport: a
// `panjf2000/gnet/v2` datagram listener, enabled by configuration. Each
// datagram is one command line, dispatched through the same menu.Handler
// the serial console menu uses -- this package owns no command vocabulary
// or mutation logic of its own, only datagram framing.
package udpconsole

import (
	"context"
	"sync"

	"github.com/chapmip/wxappliance/internal/menu"
	"github.com/chapmip/wxappliance/internal/report"
	"github.com/panjf2000/gnet/v2"
)

// Server is a gnet.EventHandler dispatching each received datagram to a
// menu.Handler and writing the response back as one reply datagram.
type Server struct {
	gnet.BuiltinEventEngine

	addr    string
	handler *menu.Handler
	sink    *report.Sink

	mu     sync.Mutex
	engine gnet.Engine
}

// NewServer returns a Server listening on addr (e.g. "udp://:7070") once
// Start is called.
func NewServer(addr string, handler *menu.Handler, sink *report.Sink) *Server {
	return &Server{addr: addr, handler: handler, sink: sink}
}

func (s *Server) reportf(sev report.Severity, format string, args ...interface{}) {
	s.sink.Reportf(report.SourceMain, sev, false, format, args...)
}

// OnBoot records the running Engine so Stop can later shut it down, per
// gnet's recommended shutdown pattern.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
	s.reportf(report.SeverityInfo, "UDP console listening on %s", s.addr)
	return gnet.None
}

// OnTraffic handles one datagram: decode as a command line, dispatch
// through menu.Handler, write the response back as a single reply
// datagram. The authenticated level lives in the shared menu.Handler, not
// per peer: after one PASSWORD datagram succeeds, later datagrams from any
// sender are accepted at that level until a LOGOUT.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	buf, err := c.Next(-1)
	if err != nil {
		s.reportf(report.SeverityProblem, "UDP console read error: %v", err)
		return gnet.Close
	}

	resp := s.handler.HandleLine(string(buf))
	if _, err := c.Write([]byte(resp + "\n")); err != nil {
		s.reportf(report.SeverityProblem, "UDP console write error: %v", err)
	}
	return gnet.None
}

// Start runs the listener; it blocks until Stop is called or a fatal
// error occurs, so callers run it on its own goroutine alongside the
// rest of the errgroup-coordinated ambient stack.
func (s *Server) Start() error {
	return gnet.Run(s, s.addr, gnet.WithMulticore(false))
}

// Stop gracefully shuts down the listener. It must not be called before
// OnBoot has run (i.e. before Start's gnet.Run has begun accepting
// connections).
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	return eng.Stop(ctx)
}
