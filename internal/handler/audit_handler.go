package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/service"
)

// AuditHandler serves the operation audit log routes.
type AuditHandler struct {
	coordinator *service.CoordinatorService
	logger      *zap.Logger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(coordinator *service.CoordinatorService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		coordinator: coordinator,
		logger:      logger,
	}
}

type auditListResponse struct {
	Entries    []*model.AuditEntry `json:"entries"`
	NextCursor int64               `json:"next_cursor,omitempty"`
}

// List handles GET /api/v1/audit requests. An empty state_id pages across
// all states in insertion order.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	stateID := r.URL.Query().Get("state_id")
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}
	cursor, err := queryInt64(r, "cursor", 0)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}

	entries, err := h.coordinator.AuditLog(r.Context(), stateID, cursor, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := auditListResponse{Entries: entries}
	if len(entries) > 0 {
		resp.NextCursor = entries[len(entries)-1].ID
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}
