package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/keiyaku/internal/authz"
	"github.com/ashita-ai/keiyaku/internal/ctxutil"
	"github.com/ashita-ai/keiyaku/internal/model"
	"github.com/ashita-ai/keiyaku/internal/pipeline"
	"github.com/ashita-ai/keiyaku/internal/service"
)

func meta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(model.APIResponse{Data: data, Meta: meta(r)}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeErrorDetail(w http.ResponseWriter, r *http.Request, status int, detail model.ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(model.APIError{Error: detail, Meta: meta(r)}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// writeError maps domain errors onto the response envelope. The layer is
// preserved end to end; interactive callers route on it.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if ge, ok := pipeline.AsGateError(err); ok {
		details := map[string]any{}
		for k, v := range ge.Details {
			details[k] = v
		}
		if len(ge.Issues) > 0 {
			details["issues"] = ge.Issues
		}
		writeErrorDetail(w, r, http.StatusUnprocessableEntity, model.ErrorDetail{
			Code:    ge.Code,
			Message: ge.Message,
			Layer:   model.LayerValidation,
			Details: details,
		})
		return
	}

	if se, ok := service.AsError(err); ok {
		writeErrorDetail(w, r, statusForLayer(se.Layer, se.Code), model.ErrorDetail{
			Code:    se.Code,
			Message: se.Message,
			Layer:   se.Layer,
			Details: se.Details,
		})
		return
	}

	switch {
	case errors.Is(err, authz.ErrNotFound):
		writeErrorDetail(w, r, http.StatusNotFound, model.ErrorDetail{
			Code:    model.ErrCodeProjectNotFound,
			Message: "Project not found",
			Layer:   model.LayerValidation,
		})
	case errors.Is(err, authz.ErrForbidden):
		writeErrorDetail(w, r, http.StatusForbidden, model.ErrorDetail{
			Code:    model.ErrCodeProjectForbidden,
			Message: "Project belongs to another user",
			Layer:   model.LayerAuthorization,
		})
	default:
		slog.Error("unhandled request error", "error", err, "path", r.URL.Path)
		writeErrorDetail(w, r, http.StatusInternalServerError, model.ErrorDetail{
			Code:    model.ErrCodeInternalError,
			Message: "Internal server error",
			Layer:   model.LayerServer,
		})
	}
}

func statusForLayer(layer model.ErrorLayer, code string) int {
	switch layer {
	case model.LayerAuth:
		return http.StatusUnauthorized
	case model.LayerAuthorization:
		return http.StatusForbidden
	case model.LayerValidation:
		if code == model.ErrCodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case model.LayerTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
