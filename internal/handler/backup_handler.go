package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/service"
)

// Export response headers. The payload travels as the raw body.
const (
	HeaderBackupID       = "X-Backup-Id"
	HeaderBackupStateID  = "X-Backup-State-Id"
	HeaderBackupVersion  = "X-Backup-Version"
	HeaderBackupChecksum = "X-Backup-Checksum"
)

// BackupHandler serves the backup routes.
type BackupHandler struct {
	coordinator *service.CoordinatorService
	logger      *zap.Logger
}

// NewBackupHandler creates a new backup handler
func NewBackupHandler(coordinator *service.CoordinatorService, logger *zap.Logger) *BackupHandler {
	return &BackupHandler{
		coordinator: coordinator,
		logger:      logger,
	}
}

type createBackupRequest struct {
	Description string           `json:"description"`
	Type        model.BackupType `json:"type"`
}

type restoreBackupRequest struct {
	Target *model.StateRef `json:"target,omitempty"`
}

type backupListResponse struct {
	Backups    []*model.BackupRecord `json:"backups"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// CreateBackup handles POST /api/v1/states/{...}/{name}/backups requests.
func (h *BackupHandler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromRequest(r)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}

	var req createBackupRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}

	record, err := h.coordinator.CreateBackup(r.Context(), ref, req.Description, req.Type, actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, record)
}

// ListBackups handles GET /api/v1/states/{...}/{name}/backups requests.
// The cursor pairs the creation timestamp with the backup ID so pages stay
// stable while the sweeper deletes rows.
func (h *BackupHandler) ListBackups(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromRequest(r)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}
	query := r.URL.Query()

	filter := model.BackupFilter{
		Type:         model.BackupType(query.Get("type")),
		VerifiedOnly: query.Get("verified") == "true",
	}
	if raw := query.Get("created_after"); raw != "" {
		createdAfter, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeValidationError(w, r, h.logger, fmt.Sprintf("invalid created_after: %q", raw))
			return
		}
		filter.CreatedAfter = createdAfter
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}

	var createdBefore time.Time
	var beforeID string
	if raw := query.Get("cursor"); raw != "" {
		ts, id, ok := strings.Cut(raw, ",")
		if ok {
			createdBefore, err = time.Parse(time.RFC3339Nano, ts)
			beforeID = id
		}
		if !ok || err != nil {
			writeValidationError(w, r, h.logger, fmt.Sprintf("invalid cursor: %q", raw))
			return
		}
	}

	backups, err := h.coordinator.ListBackups(r.Context(), ref, filter, limit, createdBefore, beforeID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := backupListResponse{Backups: backups}
	if len(backups) > 0 {
		last := backups[len(backups)-1]
		resp.NextCursor = last.CreatedAt.Format(time.RFC3339Nano) + "," + last.BackupID
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

// GetBackup handles GET /api/v1/backups/{backup_id} requests.
func (h *BackupHandler) GetBackup(w http.ResponseWriter, r *http.Request) {
	record, err := h.coordinator.GetBackup(r.Context(), mux.Vars(r)["backup_id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, record)
}

// VerifyBackup handles POST /api/v1/backups/{backup_id}/verify requests.
// The response carries the record with its fresh verification stamp.
func (h *BackupHandler) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	record, err := h.coordinator.VerifyBackup(r.Context(), mux.Vars(r)["backup_id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, record)
}

// RestoreBackup handles POST /api/v1/backups/{backup_id}/restore requests.
// An absent target restores the backup onto its own state.
func (h *BackupHandler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}

	var req restoreBackupRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &req); err != nil {
			writeValidationError(w, r, h.logger, err.Error())
			return
		}
	}
	var targetStateID string
	if req.Target != nil {
		if err := req.Target.Validate(); err != nil {
			writeValidationError(w, r, h.logger, err.Error())
			return
		}
		targetStateID = req.Target.ID()
	}

	version, err := h.coordinator.RestoreBackup(r.Context(), mux.Vars(r)["backup_id"], targetStateID, actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, version.Info())
}

// ExportBackup handles GET /api/v1/backups/{backup_id}/export requests.
func (h *BackupHandler) ExportBackup(w http.ResponseWriter, r *http.Request) {
	payload, record, err := h.coordinator.ExportBackup(r.Context(), mux.Vars(r)["backup_id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set(HeaderBackupID, record.BackupID)
	w.Header().Set(HeaderBackupStateID, record.StateID)
	w.Header().Set(HeaderBackupVersion, strconv.FormatInt(record.Version, 10))
	w.Header().Set(HeaderBackupChecksum, record.Checksum)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
