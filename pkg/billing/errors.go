package billing

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrMissingWebhookSignature is returned when a signature is required but the
	// secret or the signature header is absent
	ErrMissingWebhookSignature = errors.New("webhook signature cannot be verified")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUserNotFound is returned when no user record matches a lookup
	ErrUserNotFound = errors.New("user not found")

	// ErrNoSubscription is returned when a user has no stored subscription id
	ErrNoSubscription = errors.New("no subscription found")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)

// Kind classifies an Error for HTTP translation.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuth
	KindConfig
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindConfig:
		return "config"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a classified error carrying the HTTP status it maps to.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	// Details is an optional payload returned to the client (e.g. the upstream error body).
	Details interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError reports missing or malformed input (400).
func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

// NotFoundError reports an absent user or subscription (404).
func NotFoundError(msg string, err error) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: msg, Err: err}
}

// AuthError reports a failed signature check. status is 401 or 400 depending on the provider.
func AuthError(status int, err error) *Error {
	return &Error{Kind: KindAuth, Status: status, Message: "Invalid signature", Err: err}
}

// ConfigError reports a missing secret or API key (500).
func ConfigError(err error) *Error {
	return &Error{Kind: KindConfig, Status: http.StatusInternalServerError, Message: "Configuration error", Err: err}
}

// UpstreamError reports a failed provider call. A zero status maps to 500.
func UpstreamError(status int, msg string, details interface{}, err error) *Error {
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	return &Error{Kind: KindUpstream, Status: status, Message: msg, Details: details, Err: err}
}

// InternalError reports an unexpected failure (500).
func InternalError(err error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "Internal server error", Err: err}
}

// AsError converts err to an *Error, wrapping unclassified errors as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalError(err)
}
