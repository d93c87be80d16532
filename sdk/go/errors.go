package fieldgate

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors. API failures unwrap to one of these when the server
// returned a recognized error code, so callers can branch with
// errors.Is while still reading status and message off the *APIError.
var (
	// ErrNoSession means the client holds no tokens; log in first.
	ErrNoSession = errors.New("fieldgate: no active session")

	ErrInvalidCredentials = errors.New("fieldgate: invalid credentials")
	ErrTokenExpired       = errors.New("fieldgate: token expired")
	ErrTokenInvalid       = errors.New("fieldgate: token invalid")
	ErrUnauthenticated    = errors.New("fieldgate: authentication required")
	ErrForbidden          = errors.New("fieldgate: forbidden")
	ErrInvalidDevice      = errors.New("fieldgate: device not registered")
	ErrInvalidSignature   = errors.New("fieldgate: request signature rejected")
	ErrInvalidAPIKey      = errors.New("fieldgate: invalid API key")
	ErrRateLimited        = errors.New("fieldgate: rate limited")
	ErrNotFound           = errors.New("fieldgate: not found")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("fieldgate: %s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("fieldgate: request failed (%d %s)", e.StatusCode, e.Code)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_credentials":
		return ErrInvalidCredentials
	case "token_expired":
		return ErrTokenExpired
	case "token_invalid":
		return ErrTokenInvalid
	case "unauthenticated":
		return ErrUnauthenticated
	case "forbidden":
		return ErrForbidden
	case "invalid_device":
		return ErrInvalidDevice
	case "invalid_signature":
		return ErrInvalidSignature
	case "invalid_api_key":
		return ErrInvalidAPIKey
	case "rate_limit_exceeded":
		return ErrRateLimited
	case "not_found":
		return ErrNotFound
	}
	return nil
}

// IsAPIError returns the *APIError inside err, if any.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code = envelope.Error
		apiErr.Message = envelope.Message
	}
	return apiErr
}
