package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"speedwatch/internal/adaptive"
	"speedwatch/internal/models"
)

// statusResponse aggregates everything the status surface exposes
type statusResponse struct {
	Running         bool                `json:"running"`
	NextRun         time.Time           `json:"next_run"`
	IntervalMinutes int                 `json:"interval_minutes"`
	Outage          models.OutageStatus `json:"outage"`
	Adaptive        adaptive.Status     `json:"adaptive"`
	Subscribers     int                 `json:"subscribers"`
}

// handleStatus handles /api/status requests
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := statusResponse{
		Running:         s.sched.IsRunning(),
		NextRun:         s.sched.NextRunTime(),
		IntervalMinutes: s.sched.IntervalMinutes(),
		Outage:          s.sched.OutageStatus(),
		Adaptive:        s.ctrl.Status(),
		Subscribers:     s.bus.SubscriberCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleRecent handles /api/recent requests
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		if parsed, err := strconv.Atoi(h); err == nil && parsed > 0 {
			hours = parsed
		}
	}

	samples, err := s.store.GetRecent(hours)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(samples)
}

// handleOutages handles /api/outages requests
func (s *Server) handleOutages(w http.ResponseWriter, r *http.Request) {
	days := 7
	if d := r.URL.Query().Get("days"); d != "" {
		if parsed, err := strconv.Atoi(d); err == nil && parsed > 0 {
			days = parsed
		}
	}

	outages, err := s.store.GetOutages(days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outages)
}
