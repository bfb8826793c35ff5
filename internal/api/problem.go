package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/harrylevesque/slqrattend/internal/utils"
)

const problemTypeBase = "https://slqrattend.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Code     string `json:"code,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 response enriched with the request path and
// the X-Request-ID already set on the response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code utils.Code, detail string) {
	typ := problemTypeBase + strconv.Itoa(status)
	if code != "" {
		typ = problemTypeBase + string(code)
	}
	problem := &ProblemDetail{
		Type:    typ,
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get(HeaderRequestID),
		Code:    string(code),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteError(w, r, http.StatusTooManyRequests, utils.CodeRateLimited, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	utils.OrDefault(logger).Error("internal server error", "error", err, "request_id", w.Header().Get(HeaderRequestID))
	WriteError(w, r, http.StatusInternalServerError, "", "An unexpected error occurred. Please try again later.")
}

// statusFor maps an error code to its HTTP status.
func statusFor(code utils.Code) int {
	switch code {
	case utils.CodeInvalidRequest:
		return http.StatusBadRequest
	case utils.CodeInvalidToken:
		return http.StatusUnauthorized
	case utils.CodeForbidden:
		return http.StatusForbidden
	case utils.CodeNotFound:
		return http.StatusNotFound
	case utils.CodeDuplicateClaim, utils.CodeStoreConflict:
		return http.StatusConflict
	case utils.CodeExpired, utils.CodeRevoked:
		return http.StatusGone
	case utils.CodeTooLate, utils.CodeInvalidDuration:
		return http.StatusUnprocessableEntity
	case utils.CodeRateLimited:
		return http.StatusTooManyRequests
	case utils.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err as a problem response.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, retryAfter time.Duration) {
	var ce *utils.CustomError
	if !errors.As(err, &ce) {
		WriteInternal(w, r, logger, err)
		return
	}
	status := statusFor(ce.Code)
	switch status {
	case http.StatusInternalServerError:
		WriteInternal(w, r, logger, err)
	case http.StatusTooManyRequests:
		WriteTooManyRequests(w, r, retryAfter)
	case http.StatusServiceUnavailable:
		utils.OrDefault(logger).Error("store unavailable", "error", err, "request_id", w.Header().Get(HeaderRequestID))
		WriteError(w, r, status, ce.Code, "The attendance store is unavailable. Please retry.")
	default:
		WriteError(w, r, status, ce.Code, ce.Message)
	}
}
