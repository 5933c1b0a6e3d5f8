// Package handler provides HTTP request handlers for the cachemesh API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	cacheerrors "github.com/devrev/cachemesh/internal/errors"
	"github.com/devrev/cachemesh/internal/middleware"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}

	switch cacheerrors.GetCode(err) {
	case cacheerrors.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case cacheerrors.ErrCodeKeyNotFound:
		return http.StatusNotFound
	case cacheerrors.ErrCodeLockNotHeld, cacheerrors.ErrCodeLockTimeout, cacheerrors.ErrCodeRebalanceInProgress:
		return http.StatusConflict
	case cacheerrors.ErrCodeEvictionExhausted:
		return http.StatusInsufficientStorage
	case cacheerrors.ErrCodeNodeUnreachable, cacheerrors.ErrCodeQuorumNotMet, cacheerrors.ErrCodeRingEmpty:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON error response. Server-side failures are logged.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	status := HTTPStatus(err)
	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: cacheerrors.GetCode(err).String(),
		Message:   err.Error(),
		RequestID: middleware.GetRequestID(r.Context()),
	}

	var ce *cacheerrors.CacheError
	if errors.As(err, &ce) && len(ce.Details) > 0 {
		resp.Details = ce.Details
	}
	if status == http.StatusGatewayTimeout {
		resp.ErrorCode = "TIMEOUT"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("error_code", resp.ErrorCode),
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
