package server

import (
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/allyourbase/alterd/internal/httputil"
)

// handleAdminLogs returns recent server log entries, optionally filtered by
// a minimum ?level=.
func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"entries": []any{},
			"message": "log buffering not enabled",
		})
		return
	}

	var level slog.Level
	if v := r.URL.Query().Get("level"); v != "" {
		if err := level.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid level: "+v)
			return
		}
	} else {
		level = slog.LevelDebug
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": s.logBuffer.Entries(level),
	})
}

// handleAdminStats returns server runtime and scheduler statistics.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	cat := s.alter.Catalog()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":         int(time.Since(s.startTime).Seconds()),
		"go_version":             runtime.Version(),
		"goroutines":             runtime.NumGoroutine(),
		"memory_alloc":           mem.Alloc,
		"memory_sys":             mem.Sys,
		"gc_cycles":              mem.NumGC,
		"run_mode":               cat.RunMode(),
		"databases":              len(cat.Databases()),
		"tablets":                cat.Tablets.Len(),
		"unfinished_alter_jobs":  len(s.alter.Registry().Snapshot()),
		"known_alter_jobs":       len(s.alter.Registry().All()),
		"max_running_per_table":  s.alter.MaxRunningPerTable(),
		"default_timeout_second": s.alter.DefaultTimeoutSeconds(),
	})
}

type settings struct {
	MaxRunningPerTable    *int   `json:"maxRunningPerTable,omitempty"`
	DefaultTimeoutSeconds *int64 `json:"defaultTimeoutSeconds,omitempty"`
}

func (s *Server) currentSettings() settings {
	n, sec := s.alter.MaxRunningPerTable(), s.alter.DefaultTimeoutSeconds()
	return settings{MaxRunningPerTable: &n, DefaultTimeoutSeconds: &sec}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.currentSettings())
}

// handleUpdateSettings changes the admission cap and default job timeout.
// The cap is read on every admission, so the change applies from the next
// scheduler pass.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body settings
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if body.MaxRunningPerTable != nil && *body.MaxRunningPerTable < 1 {
		httputil.WriteFieldError(w, http.StatusBadRequest, "invalid settings", "maxRunningPerTable", "min", "must be at least 1")
		return
	}
	if body.DefaultTimeoutSeconds != nil && *body.DefaultTimeoutSeconds < 1 {
		httputil.WriteFieldError(w, http.StatusBadRequest, "invalid settings", "defaultTimeoutSeconds", "min", "must be at least 1")
		return
	}
	if body.MaxRunningPerTable != nil {
		if err := s.alter.SetMaxRunningPerTable(*body.MaxRunningPerTable); err != nil {
			s.writeAlterError(w, r, err)
			return
		}
	}
	if body.DefaultTimeoutSeconds != nil {
		if err := s.alter.SetDefaultTimeoutSeconds(*body.DefaultTimeoutSeconds); err != nil {
			s.writeAlterError(w, r, err)
			return
		}
	}
	s.logger.Info("alter settings updated",
		"max_running_per_table", s.alter.MaxRunningPerTable(),
		"default_timeout_second", s.alter.DefaultTimeoutSeconds())
	httputil.WriteJSON(w, http.StatusOK, s.currentSettings())
}
