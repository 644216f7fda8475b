// File: internal/api/respond.go
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/critical-css/internal/extractor"
	"github.com/xkilldash9x/critical-css/internal/optimizer"
	"github.com/xkilldash9x/critical-css/internal/pool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	codeInvalidBody     = "InvalidBody"
	codeUpstreamFailure = "UpstreamFailure"
	codeUnavailable     = "ServiceUnavailable"
	codeTimeout         = "Timeout"
	codeInternal        = "InternalError"
	codeTooManyRequests = "TooManyRequests"
)

// retryAfterSeconds is advertised whenever the client should come back later.
const retryAfterSeconds = "1"

// apiError is the wire shape of one error, shared with validation errors.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// batchItem is one entry of a parallel response.
type batchItem struct {
	CSS   string    `json:"css"`
	Error *apiError `json:"error,omitempty"`
}

// classify maps an error to its HTTP status and wire error.
func classify(err error) (int, apiError) {
	var upErr *extractor.UpstreamError
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusServiceUnavailable, apiError{Code: optimizer.CodeServerBusy, Message: "No browser session became available; retry later."}
	case errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable, apiError{Code: codeUnavailable, Message: err.Error()}
	case errors.As(err, &upErr):
		return http.StatusBadGateway, apiError{Code: codeUpstreamFailure, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, apiError{Code: codeTimeout, Message: err.Error()}
	default:
		return http.StatusInternalServerError, apiError{Code: codeInternal, Message: err.Error()}
	}
}

// respondWithError writes err as a list of errors with the matching status.
func (h *Handlers) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs optimizer.ValidationErrors
	if errors.As(err, &verrs) {
		list := make([]apiError, len(verrs))
		for i, v := range verrs {
			list[i] = apiError{Code: v.Code, Message: v.Message}
		}
		h.respondWithErrors(w, http.StatusBadRequest, list)
		return
	}

	status, apiErr := classify(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed.",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("status", status),
			zap.Error(err))
	}
	h.respondWithErrors(w, status, []apiError{apiErr})
}

func (h *Handlers) respondWithErrors(w http.ResponseWriter, status int, errs []apiError) {
	h.respondWithJSON(w, status, errs)
}

// respondWithJSON encodes data as the response body.
func (h *Handlers) respondWithJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
