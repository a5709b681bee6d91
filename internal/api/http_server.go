package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"replisync/internal/config"
	"replisync/internal/manager"
	"replisync/internal/metrics"
	"replisync/internal/models"
	"replisync/internal/scheduler"
	"replisync/internal/syncerr"

	"github.com/rs/zerolog"
)

// Engine is the part of the sync manager the admin API drives.
type Engine interface {
	GetStatus() manager.Status
	Sync(ctx context.Context, opts manager.SyncOptions) (*manager.SyncReport, error)
	AddSyncTask(ctx context.Context, task models.SyncTask) (*models.SyncTask, error)
	CancelTask(ctx context.Context, id string) error
	SetStrategy(name string, o scheduler.Overrides) error
}

// NetworkControl lets operators override the connectivity signal.
type NetworkControl interface {
	Status() models.NetworkStatus
	Set(status models.NetworkStatus) bool
}

// HTTPServer exposes the admin API of the sync daemon.
type HTTPServer struct {
	cfg     config.APIConfig
	engine  Engine
	network NetworkControl
	logger  *zerolog.Logger
	server  *http.Server
	auth    *HTTPAuth
}

func NewHTTPServer(cfg config.APIConfig, engine Engine, network NetworkControl, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, engine: engine, network: network, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/api/v1/status", srv.handleStatus)
	mux.HandleFunc("/api/v1/sync", srv.handleSync)
	mux.HandleFunc("/api/v1/tasks", srv.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", srv.handleTask)
	mux.HandleFunc("/api/v1/strategy", srv.handleStrategy)
	mux.HandleFunc("/api/v1/network", srv.handleNetwork)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("healthz")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("status")
	writeJSON(w, http.StatusOK, s.engine.GetStatus())
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("sync")

	type request struct {
		Collections []string `json:"collections"`
		IDs         []string `json:"ids"`
		Force       bool     `json:"force"`
	}
	var body request
	if !decodeOptional(w, r, &body) {
		return
	}

	report, err := s.engine.Sync(r.Context(), manager.SyncOptions{
		Collections: body.Collections,
		IDs:         body.IDs,
		Force:       body.Force,
	})
	if err != nil && report == nil {
		s.writeEngineError(w, err)
		return
	}

	status := http.StatusOK
	if report != nil && report.Failed() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("tasks_add")

	type request struct {
		ID         string          `json:"id"`
		Collection string          `json:"collection"`
		ItemID     string          `json:"item_id"`
		Data       json.RawMessage `json:"data"`
		Priority   int             `json:"priority"`
		Operation  string          `json:"operation"`
		Soft       bool            `json:"soft"`
	}
	var body request
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Priority != 0 && (body.Priority < models.MinPriority || body.Priority > models.MaxPriority) {
		writeError(w, http.StatusBadRequest, "priority must be between 1 and 10")
		return
	}
	op := models.TaskOperation(body.Operation)
	if op != "" && op != models.OpSave && op != models.OpRemove {
		writeError(w, http.StatusBadRequest, "operation must be save or remove")
		return
	}

	task, err := s.engine.AddSyncTask(r.Context(), models.SyncTask{
		ID:         body.ID,
		Collection: body.Collection,
		ItemID:     body.ItemID,
		Data:       body.Data,
		Priority:   body.Priority,
		Operation:  op,
		Soft:       body.Soft,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *HTTPServer) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("tasks_cancel")

	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"))
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}
	if err := s.engine.CancelTask(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.TaskCancelled)})
}

func (s *HTTPServer) handleStrategy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("strategy")

	type request struct {
		Name             string `json:"name"`
		MaxConcurrent    int    `json:"max_concurrent"`
		ScheduleInterval string `json:"schedule_interval"`
		NetworkType      string `json:"network_type"`
	}
	var body request
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o := scheduler.Overrides{MaxConcurrent: body.MaxConcurrent, NetworkType: body.NetworkType}
	if body.ScheduleInterval != "" {
		d, err := time.ParseDuration(body.ScheduleInterval)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid schedule_interval")
			return
		}
		o.ScheduleInterval = d
	}

	if err := s.engine.SetStrategy(body.Name, o); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.GetStatus().Scheduler)
}

func (s *HTTPServer) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if s.network == nil {
		writeError(w, http.StatusNotFound, "network control disabled")
		return
	}
	metrics.IncHTTP("network")

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.network.Status())
	case http.MethodPut:
		var body models.NetworkStatus
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		changed := s.network.Set(body)
		writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "status": s.network.Status()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncerr.ErrInvalidTask), errors.Is(err, syncerr.ErrUnsupportedStrategy):
		status = http.StatusBadRequest
	case errors.Is(err, syncerr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, syncerr.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, syncerr.ErrOffline):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("admin request failed")
	}
	writeError(w, status, err.Error())
}

// decodeOptional decodes a JSON body when one is present. An empty body of
// unknown length counts as absent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
