package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
)

type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// WriteError renders err as a JSON error response. Internal errors are
// reported to Sentry and replaced by a generic message.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = Internal("unclassified", err)
	}

	status := HTTPStatus(appErr.Kind)
	body := errorBody{Error: appErr.Message, Details: appErr.Details}

	switch appErr.Kind {
	case KindInternal:
		sentry.CaptureException(err)
		body = errorBody{Error: "internal error"}
	case KindRateLimited:
		seconds := int(appErr.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	WriteJSON(w, status, body)
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
