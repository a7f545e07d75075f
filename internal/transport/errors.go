package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies remote failures for callers.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindServer     Kind = "server"
	KindCanceled   Kind = "canceled"
)

// Error is the typed failure returned for every unsuccessful remote call.
type Error struct {
	Kind    Kind
	Status  int
	Method  string
	URL     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Method, e.URL, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a transport error, or "" for anything else.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	return ""
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.Status
	}

	return 0
}

// IsRetryable reports whether a read failing with err may be attempted again:
// no response, request timeout, 429, 502, 503 or 504.
func IsRetryable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindNetwork, KindTimeout:
		return true
	}
	switch te.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}

	return false
}

// IsTransient reports whether err is worth queueing for a later replay:
// anything retryable plus other server-side failures.
func IsTransient(err error) bool {
	return IsRetryable(err) || KindOf(err) == KindServer
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

// serverMessage extracts {"message": ...} or {"error": ...} from a body, falling
// back to a short plain-text body or the status text.
func serverMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if text != "" && len(text) <= 200 && !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "<") {
		return text
	}

	return http.StatusText(status)
}
