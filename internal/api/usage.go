package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/catalogmatch/internal/usage"
)

// UsageReport is the body of GET /v1/usage.
type UsageReport struct {
	Start  time.Time                 `json:"start"`
	End    time.Time                 `json:"end"`
	By     usage.Dimension           `json:"by"`
	Total  *usage.Summary            `json:"total"`
	Groups map[string]*usage.Summary `json:"groups"`
}

// handleUsage reports recorded usage over a trailing window. Query
// parameters: since (a Go duration, default 24h) and by (model,
// provider or batch; default model).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q", v))
			return
		}
		window = d
	}

	by := usage.ByModel
	if v := r.URL.Query().Get("by"); v != "" {
		d, err := usage.ParseDimension(v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		by = d
	}

	end := time.Now()
	start := end.Add(-window)

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	groups, err := s.usage.SummaryBy(by, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "by", by, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, UsageReport{Start: start, End: end, By: by, Total: total, Groups: groups}, s.logger)
}
