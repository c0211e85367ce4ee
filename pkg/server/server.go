// SPDX-License-Identifier: Apache-2.0

// Package server exposes the control plane over HTTP JSON. The default bind
// is loopback; serving on any other interface requires both TLS and a
// bearer token.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/approval"
	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
	"github.com/helmsman-ai/helmsman/pkg/feed"
	"github.com/helmsman-ai/helmsman/pkg/orchestrator"
)

// Config controls the listener.
type Config struct {
	Bind      string
	AuthToken string
	TLSCert   string
	TLSKey    string
}

// Server is the HTTP control surface.
type Server struct {
	cfg    Config
	orch   *orchestrator.Orchestrator
	broker *approval.Broker
	intake *feed.Feed
	health *core.HealthRegistry
	logger *slog.Logger

	httpServer *http.Server
}

// New builds the server. The broker, intake and health registry are
// optional; their endpoints 404 when absent.
func New(cfg Config, orch *orchestrator.Orchestrator, broker *approval.Broker, intake *feed.Feed, health *core.HealthRegistry, logger *slog.Logger) (*Server, error) {
	if orch == nil {
		return nil, stderrors.New("orchestrator is required")
	}
	if cfg.Bind == "" {
		cfg.Bind = "127.0.0.1:7171"
	}
	if !loopbackBind(cfg.Bind) {
		if cfg.AuthToken == "" {
			return nil, stderrors.New("non-loopback bind requires an auth token")
		}
		if cfg.TLSCert == "" || cfg.TLSKey == "" {
			return nil, stderrors.New("non-loopback bind requires TLS cert and key")
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, orch: orch, broker: broker, intake: intake, health: health, logger: logger}
	s.httpServer = &http.Server{
		Addr:              cfg.Bind,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRunStatus)
	mux.HandleFunc("POST /v1/observations", s.handleObservation)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/approvals/{id}/reject", s.handleReject)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.authenticate(mux)
}

// ListenAndServe blocks until the context ends or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			errCh <- s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
			return
		}
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.logger.Info("server.listening", slog.String("bind", s.cfg.Bind))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
				writeError(w, http.StatusUnauthorized,
					errors.New(errors.CodeUnauthorized, "missing or invalid bearer token", nil))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type submitTaskRequest struct {
	Intent   string            `json:"intent"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Intent) == "" {
		writeError(w, http.StatusBadRequest,
			errors.New(errors.CodeSchemaInvalid, "intent is required", err))
		return
	}
	task := core.NewTaskRequest(req.Intent)
	task.Metadata = req.Metadata

	result, err := s.orch.Execute(r.Context(), task)
	if err != nil {
		writeJSON(w, statusForCode(errors.CodeOf(err)), map[string]any{
			"run_id": result.RunID,
			"ok":     false,
			"error":  errors.Reason(err),
			"code":   string(errors.CodeOf(err)),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusForCode(errors.CodeOf(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     view.RunID,
		"state":      string(view.State),
		"events":     view.Events,
		"plans":      view.Plans,
		"attempts":   view.Attempts,
		"denials":    view.Denials,
		"approvals":  view.Approvals,
		"last_error": view.LastError,
	})
}

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	if s.intake == nil {
		http.NotFound(w, r)
		return
	}
	var event core.ObservationEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest,
			errors.New(errors.CodeSchemaInvalid, "unparsable observation", err))
		return
	}
	if err := s.intake.Publish(r.Context(), event); err != nil {
		writeError(w, statusForCode(errors.CodeOf(err)), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.broker.Pending()})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, false)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	if s.broker == nil {
		http.NotFound(w, r)
		return
	}
	id := r.PathValue("id")
	if !s.broker.Resolve(id, approve) {
		writeError(w, http.StatusNotFound,
			errors.New(errors.CodeNotFound, "no pending approval "+id, nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "approved": approve})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": string(core.HealthHealthy)})
		return
	}
	results, overall := s.health.CheckAll(r.Context())
	status := http.StatusOK
	if overall == core.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": string(overall), "checks": results})
}

func loopbackBind(bind string) bool {
	host, _, err := net.SplitHostPort(bind)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func statusForCode(code errors.ErrorCode) int {
	switch code {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeUnauthorized:
		return http.StatusUnauthorized
	case errors.CodeSchemaInvalid, errors.CodeStateDeltaRejected:
		return http.StatusBadRequest
	case errors.CodePolicyDenied:
		return http.StatusForbidden
	case errors.CodeApprovalTimeout, errors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": errors.Reason(err),
		"code":  string(errors.CodeOf(err)),
	})
}
