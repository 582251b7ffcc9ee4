package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"duecal/internal/config"
	"duecal/internal/ics"
	appLog "duecal/internal/log"
	"duecal/internal/model"
	"duecal/internal/reminder"
	"duecal/internal/service"
)

// Server provides the HTTP API the presentation layer reads records and
// reminders from.
type Server struct {
	cfg *config.Config
	svc *service.Service
	mux *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, svc *service.Service) *Server {
	s := &Server{
		cfg: cfg,
		svc: svc,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured. An empty
// username or password disables auth.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil {
		return false
	}
	_, _, ok := s.cfg.BasicAuthCredentials()
	return ok
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username, password, _ := s.cfg.BasicAuthCredentials()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="duecal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs an HTTP server on cfg.Listen until ctx is canceled, then shuts
// it down gracefully.
func Serve(ctx context.Context, cfg *config.Config, svc *service.Service) error {
	s := NewServer(cfg, svc)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/records", s.handleRecords)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/records/{identity}/complete", s.handleCompleteRecord)
	s.mux.HandleFunc("DELETE /api/records/{identity}/complete", s.handleReopenRecord)
	s.mux.HandleFunc("POST /api/records/{identity}/pin", s.handlePin(true))
	s.mux.HandleFunc("DELETE /api/records/{identity}/pin", s.handlePin(false))
	s.mux.HandleFunc("GET /api/reminders", s.handleReminders)
	s.mux.HandleFunc("POST /api/reminders/{id}/complete", s.handleCompleteReminder)
	s.mux.HandleFunc("POST /api/reminders/{id}/snooze", s.handleSnoozeReminder)
	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
	s.mux.Handle("GET /metrics", s.svc.Metrics().Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// recordsResponse is the JSON response shape for /api/records.
type recordsResponse struct {
	Records      []model.Record     `json:"records"`
	CompletedIDs model.IDSet        `json:"completed_ids"`
	PinnedIDs    model.IDSet        `json:"pinned_ids"`
	RefreshedAt  time.Time          `json:"refreshed_at"`
	Occurrences  []model.Occurrence `json:"occurrences,omitempty"`
	Truncated    []string           `json:"truncated,omitempty"`
	RangeStart   *time.Time         `json:"range_start,omitempty"`
	RangeEnd     *time.Time         `json:"range_end,omitempty"`
}

// handleRecords returns the current record list.
//
// GET /api/records?expand_days=7
//   - expand_days: when positive, recurring records are also expanded into
//     occurrences from the service clock's now until now+N days.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	completed, err := s.svc.CompletedIDs(r.Context())
	if err != nil {
		appLog.Error("api records: load state failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}

	pinned, err := s.svc.PinnedIDs(r.Context())
	if err != nil {
		appLog.Error("api records: load state failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}

	resp := recordsResponse{
		Records:      s.svc.Records(),
		CompletedIDs: completed,
		PinnedIDs:    pinned,
		RefreshedAt:  s.svc.RefreshedAt(),
	}

	days := parseIntDefault(r.URL.Query().Get("expand_days"), 0)
	if days > 0 {
		loc := s.cfg.Location()
		now := s.svc.Now().In(loc)
		end := now.AddDate(0, 0, days)

		res, err := ics.ExpandOccurrences(resp.Records, ics.ExpandConfig{
			DisplayLocation: loc,
			RangeStart:      now,
			RangeEnd:        end,
		})
		if err != nil {
			appLog.Error("api records: expand failed", err)
			writeError(w, http.StatusInternalServerError, "failed to expand records")
			return
		}
		resp.Occurrences = res.Occurrences
		resp.Truncated = res.Truncated
		resp.RangeStart = &now
		resp.RangeEnd = &end
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Refresh(r.Context()); err != nil {
		appLog.Error("api refresh failed", err)
		status := http.StatusInternalServerError
		if errors.Is(err, ics.ErrFetch) {
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":      len(s.svc.Records()),
		"refreshed_at": s.svc.RefreshedAt(),
	})
}

func (s *Server) handleCompleteRecord(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if err := s.svc.CompleteRecord(r.Context(), identity); err != nil {
		writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReopenRecord(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if err := s.svc.ReopenRecord(r.Context(), identity); err != nil {
		writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePin(pinned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.svc.SetPinned(r.Context(), r.PathValue("identity"), pinned); err != nil {
			writeActionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// remindersResponse is the JSON response shape for /api/reminders.
type remindersResponse struct {
	Scheduled []reminder.Entry `json:"scheduled"`
	Pending   []reminder.Entry `json:"pending"`
}

func (s *Server) handleReminders(w http.ResponseWriter, r *http.Request) {
	scheduled, pending, err := s.svc.Reminders(r.Context())
	if err != nil {
		appLog.Error("api reminders: load state failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	writeJSON(w, http.StatusOK, remindersResponse{Scheduled: scheduled, Pending: pending})
}

func (s *Server) handleCompleteReminder(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CompleteReminder(r.Context(), r.PathValue("id")); err != nil {
		writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSnoozeReminder re-arms a reminder.
//
// POST /api/reminders/{id}/snooze?minutes=30
//   - minutes: snooze length (default reminders.snooze_minutes)
func (s *Server) handleSnoozeReminder(w http.ResponseWriter, r *http.Request) {
	d := s.cfg.SnoozeDuration()
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			writeError(w, http.StatusBadRequest, "minutes must be a positive integer")
			return
		}
		d = time.Duration(minutes) * time.Minute
	}
	if err := s.svc.SnoozeReminder(r.Context(), r.PathValue("id"), d); err != nil {
		writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Settings(r.Context())
	if err != nil {
		appLog.Error("api settings: load failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var st reminder.Settings
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}
	if err := st.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.SaveSettings(r.Context(), st); err != nil {
		appLog.Error("api settings: save failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	body, err := s.svc.Export(r.Context())
	if err != nil {
		appLog.Error("api calendar: export failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func writeActionError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrUnknownReminder) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	appLog.Error("api action failed", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
