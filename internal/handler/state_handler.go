package handler

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	apperrors "github.com/tristanaburns/iac-agent-engine-sub006/internal/errors"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/service"
)

// StateHandler serves the state object routes.
type StateHandler struct {
	coordinator     *service.CoordinatorService
	maxPayloadBytes int64
	logger          *zap.Logger
}

// NewStateHandler creates a new state handler
func NewStateHandler(coordinator *service.CoordinatorService, maxPayloadBytes int64, logger *zap.Logger) *StateHandler {
	return &StateHandler{
		coordinator:     coordinator,
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger,
	}
}

type stateListResponse struct {
	States     []*model.StateObject `json:"states"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type versionListResponse struct {
	Versions   []model.VersionInfo `json:"versions"`
	NextCursor int64               `json:"next_cursor,omitempty"`
}

type rollbackRequest struct {
	TargetVersion int64 `json:"target_version"`
}

// ListStates handles GET /api/v1/states requests.
func (h *StateHandler) ListStates(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := model.ObjectFilter{
		Tenant:         query.Get("tenant"),
		Environment:    query.Get("environment"),
		Workspace:      query.Get("workspace"),
		IncludeDeleted: query.Get("include_deleted") == "true",
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}

	states, err := h.coordinator.ListObjects(r.Context(), filter, limit, query.Get("cursor"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := stateListResponse{States: states}
	if len(states) > 0 {
		resp.NextCursor = states[len(states)-1].ID
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

// ReadState handles GET /api/v1/states/{tenant}/{environment}/{workspace}/{name}
// requests. The payload travels as the raw body with metadata in headers.
func (h *StateHandler) ReadState(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromRequest(r)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}

	version, err := h.coordinator.Read(r.Context(), ref)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	setVersionHeaders(w, version)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(version.Payload)
}

// WriteState handles PUT /api/v1/states/{tenant}/{environment}/{workspace}/{name}
// requests. An absent X-Expected-Version header writes against whatever is
// current once the engine holds the lock.
func (h *StateHandler) WriteState(w http.ResponseWriter, r *http.Request) {
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

	expectedVersion := service.VersionCurrent
	if raw := r.Header.Get(HeaderExpectedVersion); raw != "" {
		expectedVersion, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || expectedVersion < 0 {
			writeValidationError(w, r, h.logger, fmt.Sprintf("invalid %s: %q", HeaderExpectedVersion, raw))
			return
		}
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeError(w, r, h.logger, apperrors.PayloadTooLarge(r.ContentLength, h.maxPayloadBytes))
			return
		}
		writeValidationError(w, r, h.logger, "failed to read request body")
		return
	}

	version, err := h.coordinator.Write(r.Context(), ref, payload, actor, expectedVersion)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	statusCode := http.StatusOK
	if version.Version == 1 {
		statusCode = http.StatusCreated
	}
	writeJSON(w, h.logger, statusCode, version.Info())
}

// DeleteState handles DELETE /api/v1/states/{...}/{name} requests. The
// response carries the tombstone version.
func (h *StateHandler) DeleteState(w http.ResponseWriter, r *http.Request) {
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

	tombstone, err := h.coordinator.Delete(r.Context(), ref, actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, tombstone.Info())
}

// GetObject handles GET /api/v1/states/{...}/{name}/object requests.
func (h *StateHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromRequest(r)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}

	obj, err := h.coordinator.GetObject(r.Context(), ref)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, obj)
}

// ListVersions handles GET /api/v1/states/{...}/{name}/versions requests.
func (h *StateHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromRequest(r)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}
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

	versions, err := h.coordinator.ListVersions(r.Context(), ref, limit, cursor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := versionListResponse{Versions: versions}
	if len(versions) > 0 {
		resp.NextCursor = versions[len(versions)-1].Version
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

// ReadVersion handles GET /api/v1/states/{...}/{name}/versions/{version}
// requests.
func (h *StateHandler) ReadVersion(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromRequest(r)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}
	versionNumber, err := strconv.ParseInt(mux.Vars(r)["version"], 10, 64)
	if err != nil {
		writeValidationError(w, r, h.logger, fmt.Sprintf("invalid version: %q", mux.Vars(r)["version"]))
		return
	}

	version, err := h.coordinator.ReadVersion(r.Context(), ref, versionNumber)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	setVersionHeaders(w, version)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(version.Payload)
}

// Rollback handles POST /api/v1/states/{...}/{name}/rollback requests.
func (h *StateHandler) Rollback(w http.ResponseWriter, r *http.Request) {
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

	var req rollbackRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}

	version, err := h.coordinator.Rollback(r.Context(), ref, req.TargetVersion, actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, version.Info())
}

// LockStatus handles GET /api/v1/states/{...}/{name}/lock requests. An
// unlocked state reports 404.
func (h *StateHandler) LockStatus(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromRequest(r)
	if err != nil {
		writeValidationError(w, r, h.logger, err.Error())
		return
	}

	lock, err := h.coordinator.LockStatus(r.Context(), ref)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if lock == nil {
		writeError(w, r, h.logger, apperrors.NewStateError(apperrors.ErrCodeNotFound, "state is not locked", nil).
			WithDetail("state_id", ref.ID()))
		return
	}
	writeJSON(w, h.logger, http.StatusOK, lock)
}
