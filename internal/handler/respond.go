// Package handler provides HTTP request handlers for the state engine API.
package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	apperrors "github.com/tristanaburns/iac-agent-engine-sub006/internal/errors"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/middleware"
	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
)

// HeaderActorID identifies the caller on mutating requests.
const HeaderActorID = "X-Actor-Id"

// HeaderExpectedVersion carries an optional optimistic version check on
// writes.
const HeaderExpectedVersion = "X-Expected-Version"

// Payload metadata headers on read and export responses.
const (
	HeaderStateVersion  = "X-State-Version"
	HeaderStateChecksum = "X-State-Checksum"
	HeaderStateSize     = "X-State-Size"
)

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeError maps an error to the HTTP error envelope. Unclassified errors
// surface as INTERNAL without their message, so internals never leak.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	requestID := middleware.FromRequest(r)

	statusCode := http.StatusInternalServerError
	body := errorBody{
		Code:    apperrors.ErrCodeInternal.String(),
		Message: "internal server error",
	}
	if se, ok := apperrors.AsStateError(err); ok {
		statusCode = se.HTTPStatus()
		body.Code = se.Code.String()
		body.Message = se.Message
		if len(se.Details) > 0 {
			body.Details = se.Details
		}
	}

	logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", body.Code),
		zap.String("request_id", requestID),
		zap.Error(err),
	)

	writeJSON(w, logger, statusCode, errorEnvelope{Error: body, RequestID: requestID})
}

// writeValidationError writes a 400 with the given message.
func writeValidationError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, message string) {
	writeError(w, r, logger, apperrors.InvalidArgument(message, nil))
}

// refFromRequest builds the state identity from the mux path variables.
func refFromRequest(r *http.Request) (model.StateRef, error) {
	vars := mux.Vars(r)
	ref := model.StateRef{
		Tenant:      vars["tenant"],
		Environment: vars["environment"],
		Workspace:   vars["workspace"],
		Name:        vars["name"],
	}
	return ref, ref.Validate()
}

// actorFromRequest reads the caller identity header required on mutating
// routes.
func actorFromRequest(r *http.Request) (string, error) {
	actor := r.Header.Get(HeaderActorID)
	if actor == "" {
		return "", fmt.Errorf("missing %s header", HeaderActorID)
	}
	return actor, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return value, nil
}

// queryInt64 parses an optional int64 query parameter.
func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return value, nil
}

// setVersionHeaders stamps payload metadata on a read response.
func setVersionHeaders(w http.ResponseWriter, v *model.StateVersion) {
	w.Header().Set(HeaderStateVersion, strconv.FormatInt(v.Version, 10))
	w.Header().Set(HeaderStateChecksum, v.Checksum)
	w.Header().Set(HeaderStateSize, strconv.FormatInt(v.Size, 10))
}

// decodeJSONBody reads and parses a JSON request body into dst.
func decodeJSONBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	defer r.Body.Close()
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to parse request body: %w", err)
	}
	return nil
}
