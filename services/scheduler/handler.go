package scheduler

import (
	"log/slog"
	"net/http"

	"crm-automations/pkg/httpx"
)

type tickResponse struct {
	Success bool `json:"success"`
	*TickReport
}

// HandleProcessScheduledWorkflows runs one tick at the request time and returns its report.
func (s *Service) HandleProcessScheduledWorkflows(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()
	slog.Debug("Processing scheduled workflows", "now", now)

	report, err := s.engine.RunTick(r.Context(), now)
	if err != nil {
		slog.Error("Scheduled workflow tick failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	httpx.WriteJSON(w, http.StatusOK, tickResponse{Success: true, TickReport: report})
}
