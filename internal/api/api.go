// Package api exposes the operator HTTP surface: health, collection status
// and a manual collection trigger. The API is read-mostly and unauthenticated;
// it is meant to sit on an internal network.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tenthmarket/go-market-collector/internal/config"
	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/scheduler"
)

// Service is the scheduler surface the API exposes.
type Service interface {
	GetStatus(ctx context.Context) (scheduler.Status, error)
	ManualCollect(exchange string) (string, error)
}

// Server wraps the HTTP listener and routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the server with routes mounted. Start must be called to listen.
func New(cfg config.APISettings, svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := &handlers{svc: svc, logger: logger}
	r.Get("/healthz", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/status/{exchange}", h.exchangeStatus)
		r.Post("/collect", h.collect)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type handlers struct {
	svc    Service
	logger *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) exchangeStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "exchange")

	st, err := h.svc.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	for _, ex := range st.Exchanges {
		if ex.Exchange == name {
			writeJSON(w, http.StatusOK, ex)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": fmt.Sprintf("no status recorded for exchange %q", name),
	})
}

type collectRequest struct {
	Exchange string `json:"exchange"`
}

type collectResponse struct {
	RunID    string `json:"run_id"`
	Exchange string `json:"exchange,omitempty"`
}

func (h *handlers) collect(w http.ResponseWriter, r *http.Request) {
	var req collectRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
			return
		}
	}
	if req.Exchange == "" {
		req.Exchange = r.URL.Query().Get("exchange")
	}

	runID, err := h.svc.ManualCollect(req.Exchange)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("manual collection triggered", "run_id", runID, "exchange", req.Exchange)
	writeJSON(w, http.StatusAccepted, collectResponse{RunID: runID, Exchange: req.Exchange})
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var invalid *apperrors.InvalidArgumentError
	if errors.As(err, &invalid) {
		// a trigger during a running cycle reports as a conflict
		if invalid.Field == "run" {
			status = http.StatusConflict
		} else {
			status = http.StatusBadRequest
		}
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
