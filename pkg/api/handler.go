// Package api exposes the lifecycle manager over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jrepp/prism-interpreters/pkg/isolation"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/lifecycle"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"github.com/jrepp/prism-interpreters/pkg/settings"
)

// maxWait caps how long a poll may block on an execution
const maxWait = 60 * time.Second

// Handler serves the interpreter API
type Handler struct {
	m   *lifecycle.Manager
	log *slog.Logger
}

// NewHandler creates a handler over m
func NewHandler(m *lifecycle.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		m:   m,
		log: logger.With("component", "api"),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/interpreter").Subrouter()

	// Execution routes
	api.HandleFunc("/run", h.RunParagraph).Methods("POST")
	api.HandleFunc("/executions/{id}", h.GetExecution).Methods("GET")
	api.HandleFunc("/release", h.ReleaseNote).Methods("POST")

	// Setting routes (register restart before the parameterized routes)
	api.HandleFunc("/setting/restart/{settingID}", h.RestartInterpreter).Methods("PUT")
	api.HandleFunc("/setting", h.ListSettings).Methods("GET")
	api.HandleFunc("/setting/{settingID}", h.GetSetting).Methods("GET")
	api.HandleFunc("/setting/{settingID}", h.SaveSetting).Methods("PUT")
	api.HandleFunc("/setting/{settingID}", h.DeleteSetting).Methods("DELETE")

	// Process routes
	api.HandleFunc("/processes", h.ListProcesses).Methods("GET")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

// NewRouter returns a router with every API route, request logging and,
// when metrics is non-nil, /metrics
func NewRouter(h *Handler, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)
	h.RegisterRoutes(r)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}
	return r
}

// RunParagraph submits a paragraph execution
func (h *Handler) RunParagraph(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SettingID == "" || req.UserID == "" || req.NoteID == "" {
		writeMessage(w, http.StatusBadRequest, "setting, user and note are required")
		return
	}

	handle, err := h.m.Execute(r.Context(), req)
	if err != nil {
		h.writeError(w, err, handle.ID, nil)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     handle.ID,
		"status": handle.Status(),
	})
}

// GetExecution returns the state of an execution. With ?wait=<duration> it
// blocks until the execution finishes or the wait elapses.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	handle, ok := h.m.Execution(id)
	if !ok {
		writeMessage(w, http.StatusNotFound, "Execution not found")
		return
	}

	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			writeMessage(w, http.StatusBadRequest, fmt.Sprintf("Invalid wait duration %q", raw))
			return
		}
		if wait > maxWait {
			wait = maxWait
		}

		ctx, cancel := contextWithTimeout(r, wait)
		_ = handle.Wait(ctx)
		cancel()
	}

	writeJSON(w, http.StatusOK, handle.Snapshot())
}

type restartRequest struct {
	User string `json:"user,omitempty"`
	Note string `json:"note,omitempty"`
}

// RestartInterpreter restarts every group of a setting, or only the group a
// user (and note) binds to
func (h *Handler) RestartInterpreter(w http.ResponseWriter, r *http.Request) {
	settingID := mux.Vars(r)["settingID"]

	var req restartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	scope := lifecycle.ScopeAll
	if req.User != "" {
		setting, ok := h.m.Setting(settingID)
		if !ok {
			h.writeError(w, launcher.SettingNotFound(settingID), "", nil)
			return
		}
		scope = lifecycle.ScopeFor(setting.Mode, req.User, req.Note)
	}

	result, err := h.m.Restart(r.Context(), settingID, scope)
	if err != nil {
		h.writeError(w, err, "", restartBody(result))
		return
	}
	writeJSON(w, http.StatusOK, restartBody(result))
}

type settingRequest struct {
	Kind       string                `json:"kind"`
	Mode       isolation.BindingMode `json:"mode"`
	Launch     settings.LaunchParams `json:"launch"`
	Properties map[string]string     `json:"properties,omitempty"`
}

// SaveSetting creates or replaces a setting
func (h *Handler) SaveSetting(w http.ResponseWriter, r *http.Request) {
	settingID := mux.Vars(r)["settingID"]

	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.m.SaveSetting(r.Context(), settings.Setting{
		ID:         settingID,
		Kind:       req.Kind,
		Mode:       req.Mode,
		Launch:     req.Launch,
		Properties: req.Properties,
	})
	if err != nil {
		h.writeError(w, err, "", nil)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// ListSettings returns every setting
func (h *Handler) ListSettings(w http.ResponseWriter, r *http.Request) {
	list := h.m.Settings()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settings": list,
		"count":    len(list),
	})
}

// GetSetting returns one setting
func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	settingID := mux.Vars(r)["settingID"]
	setting, ok := h.m.Setting(settingID)
	if !ok {
		h.writeError(w, launcher.SettingNotFound(settingID), "", nil)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

// DeleteSetting removes a setting and tears down its processes
func (h *Handler) DeleteSetting(w http.ResponseWriter, r *http.Request) {
	settingID := mux.Vars(r)["settingID"]
	result, err := h.m.DeleteSetting(r.Context(), settingID)
	if err != nil {
		h.writeError(w, err, "", restartBody(result))
		return
	}
	writeJSON(w, http.StatusOK, restartBody(result))
}

// ListProcesses returns the groups and, per setting, how many processes the
// OS process table holds
func (h *Handler) ListProcesses(w http.ResponseWriter, r *http.Request) {
	settingID := r.URL.Query().Get("setting")

	ids := []string{settingID}
	if settingID == "" {
		ids = ids[:0]
		for _, s := range h.m.Settings() {
			ids = append(ids, s.ID)
		}
	}

	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		n, err := h.m.ProcessCount(r.Context(), id)
		if err != nil {
			h.writeError(w, err, "", nil)
			return
		}
		counts[id] = n
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups":         h.m.Processes(settingID),
		"process_counts": counts,
	})
}

type releaseRequest struct {
	Setting string `json:"setting"`
	User    string `json:"user"`
	Note    string `json:"note"`
}

// ReleaseNote drops a note's bindings
func (h *Handler) ReleaseNote(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Setting == "" || req.Note == "" {
		writeMessage(w, http.StatusBadRequest, "setting and note are required")
		return
	}

	result, err := h.m.Release(r.Context(), req.Setting, req.User, req.Note)
	if err != nil {
		h.writeError(w, err, "", result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health returns the health of the daemon and its processes
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"interpreter": h.m.Health(),
	})
}

func restartBody(result lifecycle.RestartResult) map[string]interface{} {
	stopped := result.Stopped
	if stopped == nil {
		stopped = []procmgr.Snapshot{}
	}
	return map[string]interface{}{
		"setting_id":         result.SettingID,
		"groups":             result.Groups,
		"stopped":            stopped,
		"nothing_to_restart": result.NothingToRestart(),
	}
}

type errorResponse struct {
	Error       string      `json:"error"`
	Code        string      `json:"code,omitempty"`
	Suggestion  string      `json:"suggestion,omitempty"`
	ExecutionID string      `json:"execution_id,omitempty"`
	Result      interface{} `json:"result,omitempty"`
}

// StatusCode maps a lifecycle error onto an HTTP status
func StatusCode(err error) int {
	switch {
	case errors.Is(err, launcher.ErrSettingNotFound):
		return http.StatusNotFound
	case errors.Is(err, launcher.ErrInvalidSetting):
		return http.StatusBadRequest
	case errors.Is(err, launcher.ErrProcessStartTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, lifecycle.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, executionID string, result interface{}) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "error", err, "status", status)
	}

	writeJSON(w, status, errorResponse{
		Error:       err.Error(),
		Code:        string(launcher.GetErrorCode(err)),
		Suggestion:  launcher.GetSuggestion(err),
		ExecutionID: executionID,
		Result:      result,
	})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
