package httpx

import (
	"context"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Avnish-oP/veracious-sub001/internal/platform/requestctx"
)

const (
	codeLimit    = 80
	messageLimit = 512
	traceLimit   = 64
)

// Error is the JSON failure body: error, message, status, the request and trace ids, plus any
// details flattened alongside them.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError builds an Error; a zero status means 500.
func NewError(code, message string, status int) Error {
	return Error{
		Code:    singleLine(code, codeLimit),
		Message: singleLine(message, messageLimit),
		Status:  statusOr500(status),
	}
}

// WithDetails returns a copy of e carrying details.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) > 0 {
		e.Details = maps.Clone(details)
	}
	return e
}

// Error lets handlers return envelopes through error values.
func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WriteError renders err, stamping the chi request id and the trace id found in ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := statusOr500(err.Status)
	body := make(map[string]any, len(err.Details)+5)
	maps.Copy(body, err.Details)
	body["error"] = err.Code
	body["message"] = err.Message
	body["status"] = status
	if id := singleLine(middleware.GetReqID(ctx), codeLimit); id != "" {
		body["request_id"] = id
	}
	if id := singleLine(requestctx.TraceID(ctx), traceLimit); id != "" {
		body["trace_id"] = id
	}
	WriteJSON(w, status, body)
}

func statusOr500(status int) int {
	if status == 0 {
		return http.StatusInternalServerError
	}
	return status
}

// singleLine flattens line breaks and truncates to limit bytes.
func singleLine(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
