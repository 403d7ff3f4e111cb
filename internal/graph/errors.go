package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sentinel errors for API failure classes. Check with errors.Is; the
// concrete *APIError in the chain carries status code and request id.
var (
	ErrNotLoggedIn  = errors.New("graph: not logged in")
	ErrUnauthorized = errors.New("graph: unauthorized")
	ErrForbidden    = errors.New("graph: forbidden")
	ErrNotFound     = errors.New("graph: not found")
	ErrConflict     = errors.New("graph: name conflict")
	ErrGone         = errors.New("graph: resource gone")
	ErrThrottled    = errors.New("graph: throttled")
	ErrServerError  = errors.New("graph: server error")
)

// APIError is a non-2xx response, decoded from the API's error envelope.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string

	sentinel   error
	retryAfter time.Duration
}

// retryAfterOf extracts the server-requested backoff from an error chain,
// or zero when none was given.
func retryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.retryAfter
	}

	return 0
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph: HTTP %d %s: %s (request %s)", e.Status, e.Code, e.Message, e.RequestID)
}

func (e *APIError) Unwrap() error {
	return e.sentinel
}

// errEnvelope mirrors the JSON error body the API returns.
type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// maxErrorBody bounds how much of an error response is read for decoding.
const maxErrorBody = 64 << 10

// newAPIError drains resp and builds an *APIError with the matching
// sentinel in its chain.
func newAPIError(resp *http.Response) *APIError {
	e := &APIError{
		Status:    resp.StatusCode,
		RequestID: resp.Header.Get("request-id"),
		sentinel:  sentinelFor(resp.StatusCode),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil {
		var env errEnvelope
		if json.Unmarshal(body, &env) == nil {
			e.Code = env.Error.Code
			e.Message = env.Error.Message
		}
	}

	return e
}

func sentinelFor(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	}

	if status >= 500 {
		return ErrServerError
	}

	return fmt.Errorf("graph: HTTP %d", status)
}

// retryable reports whether a request may be retried after backoff.
func retryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrServerError)
}
