package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/taskbridge/internal/persistence"
)

const maxBodyBytes = 1 << 20

// Canceller aborts a running agent run. Implemented by the orchestrator.
type Canceller interface {
	CancelRun(ctx context.Context, runID string) error
}

// Retryer re-enters a terminal task. Implemented by the pipeline.
type Retryer interface {
	Retry(ctx context.Context, taskID, actor string) error
}

type Config struct {
	Store      *persistence.Store
	Verifier   *Verifier
	Dispatcher *AsyncDispatcher
	Canceller  Canceller
	Retryer    Retryer
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/tracker", s.handleTrackerWebhook)
	mux.HandleFunc("/webhooks/scm", s.handleSCMWebhook)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/tasks/", s.handleTask)
	mux.HandleFunc("/runs/", s.handleRunCancel)
	return mux
}

// handleTrackerWebhook answers handshakes and acknowledges signed event
// deliveries. The body is never processed inline: verified events go through
// the bounded dispatcher and the Tracker always gets its 200 within the
// request deadline. Verification failures answer a bare 401.
func (s *Server) handleTrackerWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	outcome, secret, err := s.cfg.Verifier.VerifyTracker(r.Context(), projectID, r.Header, body)
	if err != nil {
		slog.Error("webhook: tracker verification error", "project_id", projectID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch outcome {
	case OutcomeHandshake:
		w.Header().Set(trackerHandshakeHeader, secret)
		w.WriteHeader(http.StatusOK)
		return
	case OutcomeEvent:
		// fall through to dispatch
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	delivery := Delivery{
		Provider:  "tracker",
		ProjectID: projectID,
		Body:      body,
	}
	if err := s.cfg.Dispatcher.Dispatch(r.Context(), delivery); err != nil {
		// The Tracker disables hooks that see failures; reconciliation picks
		// up whatever a dropped delivery would have told us.
		slog.Warn("webhook: tracker delivery dropped", "project_id", projectID, "error", err)
		s.ackJSON(w, map[string]any{"ok": true, "dropped": true})
		return
	}
	s.ackJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleSCMWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ok, err := s.cfg.Verifier.VerifySCM(r.Context(), projectID, r.Header.Get("X-Signature-256"), body)
	if err != nil {
		slog.Error("webhook: scm verification error", "project_id", projectID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	eventName := r.Header.Get("X-Event-Name")
	deliveryID := r.Header.Get("X-Delivery-Id")
	switch eventName {
	case "ping":
		s.ackJSON(w, map[string]any{"ok": true})
		return
	case "issues", "pull_request", "workflow_run":
		// handled below
	default:
		// Unknown event names are accepted and ignored so hook
		// configuration changes upstream never look like outages.
		slog.Info("webhook: ignoring scm event", "event", eventName, "project_id", projectID)
		s.ackJSON(w, map[string]any{"ok": true, "ignored": true})
		return
	}

	if deliveryID != "" {
		if err := s.cfg.Store.RecordDelivery(r.Context(), "scm", deliveryID); err != nil {
			if errors.Is(err, persistence.ErrDuplicateDelivery) {
				s.ackJSON(w, map[string]any{"ok": true, "duplicate": true})
				return
			}
			slog.Error("webhook: delivery record failed", "delivery_id", deliveryID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	delivery := Delivery{
		Provider:   "scm",
		DeliveryID: deliveryID,
		ProjectID:  projectID,
		EventName:  eventName,
		Body:       body,
	}
	if err := s.cfg.Dispatcher.Dispatch(r.Context(), delivery); err != nil {
		slog.Warn("webhook: scm delivery dropped", "delivery_id", deliveryID, "error", err)
		s.ackJSON(w, map[string]any{"ok": true, "dropped": true})
		return
	}
	s.ackJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	pending, err := s.cfg.Store.PendingJobCount(r.Context())
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":      dbOK,
		"db_ok":        dbOK,
		"pending_jobs": pending,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleTask routes /tasks/{id}/events (GET, the task's full timeline) and
// /tasks/{id}/retry (POST, operator re-entry from a terminal state).
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[0] == "" {
		http.Error(w, "invalid path: expected /tasks/{id}/events or /tasks/{id}/retry", http.StatusBadRequest)
		return
	}
	switch {
	case parts[1] == "events" && r.Method == http.MethodGet:
		s.handleTaskEvents(w, r, parts[0])
	case parts[1] == "retry" && r.Method == http.MethodPost:
		s.handleTaskRetry(w, r, parts[0])
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), taskID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"task_id": taskID, "events": events})
}

func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request, taskID string) {
	if s.cfg.Retryer == nil {
		http.Error(w, "retry unavailable", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body)
	if body.Actor == "" {
		body.Actor = "api"
	}
	if err := s.cfg.Retryer.Retry(r.Context(), taskID, body.Actor); err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.ackJSON(w, map[string]any{"task_id": taskID, "retried": true})
}

// handleRunCancel serves POST /runs/{id}/cancel.
func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[1] != "cancel" || parts[0] == "" {
		http.Error(w, "invalid path: expected /runs/{id}/cancel", http.StatusBadRequest)
		return
	}
	runID := parts[0]
	if s.cfg.Canceller == nil {
		http.Error(w, "cancellation unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.cfg.Canceller.CancelRun(r.Context(), runID); err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.ackJSON(w, map[string]any{"run_id": runID, "cancelled": true})
}

func (s *Server) ackJSON(w http.ResponseWriter, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
