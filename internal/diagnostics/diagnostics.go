// Package diagnostics implements the read-only status surface: the
// menu's read-only status screens, reborn as an HTTP/gRPC server
// multiplexed over one listener. `soheilhy/cmux` inspects each
// connection's first bytes and routes HTTP/1.1 to a `gorilla/mux`
// router, HTTP/2 gRPC traffic to a `google.golang.org/grpc` server
// (exposing both the standard gRPC health-checking service and a small
// status service returning the same read model the HTTP /status endpoint
// serves), and leaves `/metrics` on the same HTTP mux for
// `prometheus/client_golang`. Endpoints that mutate parameter-store
// blocks are gated by HTTP Basic Auth checked against a bcrypt hash,
// mirroring the original console's password-gated requirement.
package diagnostics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chapmip/wxappliance/internal/report"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soheilhy/cmux"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Snapshot is the read-only view of supervisor/collector/POST-client state
// published at the end of every supervisor tick, the same fields the
// original menu's status screens show.
type Snapshot struct {
	SupervisorState string
	CollectErrors   int
	PostErrors      int
	LastObservation time.Time
	RTCValidated    bool
	LANStatus       string
}

// SnapshotFunc returns the current Snapshot; callers publish it under a
// mutex and this package only ever reads through the function, never
// reaching into supervisor internals directly.
type SnapshotFunc func() Snapshot

// ResetDefaultsFunc performs the one mutating action this surface exposes:
// restoring default parameter-store blocks, gated by Basic Auth.
type ResetDefaultsFunc func() error

// Server hosts the multiplexed diagnostics listener.
type Server struct {
	addr         string
	snapshot     SnapshotFunc
	resetDefault ResetDefaultsFunc
	passwordHash []byte
	sink         *report.Sink

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	registry   *prometheus.Registry

	collectErrGauge prometheus.Gauge
	postErrGauge    prometheus.Gauge
	rtcValidGauge   prometheus.Gauge
}

// NewServer returns a Server that will listen on addr once Start is
// called.
func NewServer(addr string, snapshot SnapshotFunc, resetDefault ResetDefaultsFunc, passwordHash []byte, sink *report.Sink) *Server {
	s := &Server{
		addr:         addr,
		snapshot:     snapshot,
		resetDefault: resetDefault,
		passwordHash: passwordHash,
		sink:         sink,
		health:       health.NewServer(),
		registry:     prometheus.NewRegistry(),
	}

	s.collectErrGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wxappliance_collect_errors",
		Help: "Consecutive weather-station collection failures.",
	}, func() float64 { return float64(s.snapshot().CollectErrors) })

	s.postErrGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wxappliance_post_errors",
		Help: "Consecutive POST delivery failures.",
	}, func() float64 { return float64(s.snapshot().PostErrors) })

	s.rtcValidGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wxappliance_rtc_validated",
		Help: "1 if the device clock has been validated against the server, else 0.",
	}, func() float64 {
		if s.snapshot().RTCValidated {
			return 1
		}
		return 0
	})

	s.registry.MustRegister(s.collectErrGauge, s.postErrGauge, s.rtcValidGauge)

	return s
}

func (s *Server) reportf(sev report.Severity, format string, args ...interface{}) {
	s.sink.Reportf(report.SourceMain, sev, false, format, args...)
}

// Router builds the HTTP mux, split out from Start so tests can exercise
// handlers directly with httptest without binding a real listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/admin/reset-defaults", s.basicAuth(s.handleResetDefaults)).Methods(http.MethodPost)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.reportf(report.SeverityProblem, "diagnostics: status encode failed: %v", err)
	}
}

func (s *Server) handleResetDefaults(w http.ResponseWriter, r *http.Request) {
	if err := s.resetDefault(); err != nil {
		s.reportf(report.SeverityProblem, "diagnostics: reset-defaults failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// basicAuth gates a mutating handler behind HTTP Basic Auth checked
// against the bcrypt hash.
func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="wxappliance diagnostics"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Start binds addr and serves HTTP and gRPC traffic multiplexed over it
// until Stop is called. It blocks; run it on its own goroutine.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	m := cmux.New(l)
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := m.Match(cmux.Any())

	s.grpcServer = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.grpcServer.RegisterService(&statusServiceDesc, s)

	s.httpServer = &http.Server{Handler: s.Router()}

	go func() {
		if err := s.httpServer.Serve(httpL); err != nil && err != http.ErrServerClosed {
			s.reportf(report.SeverityProblem, "diagnostics: HTTP server error: %v", err)
		}
	}()
	go func() {
		if err := s.grpcServer.Serve(grpcL); err != nil {
			s.reportf(report.SeverityProblem, "diagnostics: gRPC server error: %v", err)
		}
	}()

	s.reportf(report.SeverityInfo, "Diagnostics surface listening on %s", s.addr)

	if err := m.Serve(); err != nil && !strings.Contains(err.Error(), "closed") {
		return err
	}
	return nil
}

// Stop gracefully shuts down both the HTTP and gRPC servers.
func (s *Server) Stop(ctx context.Context) error {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
