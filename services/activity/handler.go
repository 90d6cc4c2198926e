package activity

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"crm-automations/pkg/httpx"
	"crm-automations/services/entity"
)

// maxBodyBytes bounds the targeted-mode request body.
const maxBodyBytes = 64 << 10

type completionResponse struct {
	Success bool `json:"success"`
	*CompletionReport
}

// HandleProcessActivityAutoComplete runs one auto-complete tick. A body naming an
// entity restricts the tick to that entity; anything else runs a full sweep.
func (s *Service) HandleProcessActivityAutoComplete(w http.ResponseWriter, r *http.Request) {
	target := parseTarget(r.Body)
	now := s.now().UTC()
	if target != nil {
		slog.Debug("Processing activity auto-complete for entity", "entity", target.String())
	}

	report, err := s.completer.RunTick(r.Context(), now, target)
	if err != nil {
		slog.Error("Activity auto-complete tick failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	httpx.WriteJSON(w, http.StatusOK, completionResponse{Success: true, CompletionReport: report})
}

// parseTarget reads an optional {entityType, entityId} body. It returns nil when
// the body is absent, unparseable or incomplete.
func parseTarget(body io.Reader) *entity.Ref {
	if body == nil {
		return nil
	}
	var ref entity.Ref
	if err := json.NewDecoder(io.LimitReader(body, maxBodyBytes)).Decode(&ref); err != nil {
		if err != io.EOF {
			slog.Debug("Ignoring unparseable request body", "error", err)
		}
		return nil
	}
	ref.Type = strings.TrimSpace(ref.Type)
	ref.ID = strings.TrimSpace(ref.ID)
	if ref.Type == "" || ref.ID == "" {
		return nil
	}
	return &ref
}
