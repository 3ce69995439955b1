// Package api implements the HTTP control plane: the request/rollback
// endpoints external requesters call, the summary projection, and the
// separate telemetry listener.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/nixless-agent/pkg/agent"
	"github.com/cuemby/nixless-agent/pkg/auth"
	"github.com/cuemby/nixless-agent/pkg/errkind"
	"github.com/cuemby/nixless-agent/pkg/log"
	"github.com/cuemby/nixless-agent/pkg/metrics"
)

// Server is the request-endpoint HTTP server: /new-configuration,
// /rollback-configuration, /summary. The telemetry listener
// (/metrics) is served separately by NewMetricsServer, matching the
// spec's two-listener requirement.
type Server struct {
	agent        *agent.Agent
	verifier     *auth.Verifier
	maxBodyBytes int64
	mux          *http.ServeMux
	httpServer   *http.Server
}

// NewServer builds the request-endpoint handler.
func NewServer(ag *agent.Agent, verifier *auth.Verifier, maxBodyBytes int64) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	s := &Server{agent: ag, verifier: verifier, maxBodyBytes: maxBodyBytes}

	mux := http.NewServeMux()
	mux.HandleFunc("/new-configuration", s.handleNewConfiguration)
	mux.HandleFunc("/rollback-configuration", s.handleRollback)
	mux.HandleFunc("/summary", s.handleSummary)
	s.mux = mux
	return s
}

// ListenAndServe starts the request-endpoint listener and blocks until
// it returns (caller typically runs this in its own goroutine and
// shuts it down via Shutdown on SIGTERM).
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      withRequestLogging(s.mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the request listener. It is a no-op if
// ListenAndServe has not been called yet.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// NewMetricsServer builds the separate telemetry listener required by
// spec.md §4.9: `configured_port + 111` unless METRICS_PORT overrides
// it, serving only GET /metrics.
func NewMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// withRequestLogging assigns each request a correlation id, logging
// method/path/status/duration the way the teacher's interceptor logs
// every RPC, generalized from a gRPC unary interceptor to a plain
// http.Handler wrapper.
func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithRequestID(uuid.NewString())

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleNewConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := s.readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	topLevelID, closureSet, err := s.verifier.VerifyDirective(body)
	if err != nil {
		writeError(w, err)
		return
	}

	closure := make([]string, 0, len(closureSet))
	for id := range closureSet {
		closure = append(closure, id)
	}

	if err := s.agent.SubmitUpdate(context.WithoutCancel(r.Context()), topLevelID, closure); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := s.readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.verifier.VerifyRollback(body); err != nil {
		writeError(w, err)
		return
	}

	if err := s.agent.SubmitRollback(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// summaryResponse is the GET /summary JSON projection.
type summaryResponse struct {
	Status        statusJSON  `json:"status"`
	CurrentConfig *configJSON `json:"current_config,omitempty"`
	PendingConfig *configJSON `json:"pending_config,omitempty"`
}

type statusJSON struct {
	Phase      agent.Phase  `json:"phase"`
	Package    string       `json:"package,omitempty"`
	BytesDone  int64        `json:"bytes_done,omitempty"`
	BytesTotal int64        `json:"bytes_total,omitempty"`
	Kind       errkind.Kind `json:"kind,omitempty"`
	Detail     string       `json:"detail,omitempty"`
}

type configJSON struct {
	Version         uint64 `json:"version"`
	SystemPackageID string `json:"system_package_id"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	metrics.RequestsSummary.Inc()

	summary := s.agent.Summary()
	resp := summaryResponse{
		Status: statusJSON{
			Phase:      summary.Status.Phase,
			Package:    summary.Status.Package,
			BytesDone:  summary.Status.BytesDone,
			BytesTotal: summary.Status.BytesTotal,
			Kind:       summary.Status.Kind,
			Detail:     summary.Status.Detail,
		},
	}
	if summary.Current != nil {
		resp.CurrentConfig = &configJSON{Version: summary.Current.Version, SystemPackageID: summary.Current.SystemPackageID}
	}
	if summary.Pending != nil {
		resp.PendingConfig = &configJSON{Version: summary.Pending.Version, SystemPackageID: summary.Pending.SystemPackageID}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	limited := io.LimitReader(r.Body, s.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, errkind.Wrap(errkind.Malformed, "reading request body", err)
	}
	if int64(len(body)) > s.maxBodyBytes {
		return nil, errkind.New(errkind.Malformed, "request body exceeds maximum size")
	}
	return body, nil
}

// writeError maps an errkind.Kind to the status codes spec.md §4.9
// names: 401 on Unauthorized, 400 on Malformed, 409 on Conflict, 500
// otherwise.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errkind.KindOf(err) {
	case errkind.Unauthorized:
		status = http.StatusUnauthorized
	case errkind.Malformed:
		status = http.StatusBadRequest
	case errkind.Conflict:
		status = http.StatusConflict
	}

	http.Error(w, err.Error(), status)
}
