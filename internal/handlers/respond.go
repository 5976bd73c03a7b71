package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maneesh/sharebox/internal/auth"
	"github.com/maneesh/sharebox/internal/common"
	"github.com/maneesh/sharebox/internal/logging"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a service error to its HTTP status and the message shown
// to the client. Unknown errors become a bare 500.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized, common.ErrUnauthorized.Error()
	case errors.Is(err, common.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "Insufficient credits. Please purchase more credits to upload files."
	case errors.Is(err, common.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, common.ErrFileTooLarge.Error()
	case errors.Is(err, common.ErrNotFoundOrForbidden):
		return http.StatusNotFound, common.ErrNotFoundOrForbidden.Error()
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, common.ErrNotFound.Error()
	case errors.Is(err, common.ErrRateLimited):
		return http.StatusTooManyRequests, common.ErrRateLimited.Error()
	case errors.Is(err, common.ErrInvalidInput),
		errors.Is(err, common.ErrUnknownPlan),
		errors.Is(err, common.ErrPlanNotPurchasable):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, common.ErrStorageWriteFailed):
		return http.StatusBadGateway, "upload failed, please try again"
	case errors.Is(err, common.ErrMetadataWriteFailed):
		return http.StatusInternalServerError, "upload failed, please try again"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		trace.SpanFromContext(r.Context()).RecordError(err)
		owner, _ := auth.OwnerFromContext(r.Context())
		logging.WithContext(r.Context(), h.logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("owner_id", owner),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
