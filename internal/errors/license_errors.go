package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Sentinel errors for the license validation taxonomy. Callers classify
// with errors.Is; AppError values match the sentinel for their Type.
var (
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrTransport        = errors.New("transport failure")
	ErrProtocol         = errors.New("protocol violation")
	ErrAllSourcesFailed = errors.New("all verification sources failed")
	ErrNotFound         = errors.New("not found")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrLoopStopped      = errors.New("sync loop stopped")
	ErrConfig           = errors.New("invalid configuration")
)

// ErrorType represents the category of a license error
type ErrorType string

const (
	ErrTypeInput     ErrorType = "INPUT"
	ErrTypeTransport ErrorType = "TRANSPORT"
	ErrTypeProtocol  ErrorType = "PROTOCOL"
	ErrTypeAggregate ErrorType = "AGGREGATE"
	ErrTypeNotFound  ErrorType = "NOT_FOUND"
	ErrTypeConfig    ErrorType = "CONFIG"
)

// AppError represents an application-specific error
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel that corresponds to the error type
func (e *AppError) Is(target error) bool {
	switch e.Type {
	case ErrTypeInput:
		return target == ErrInvalidIdentity
	case ErrTypeTransport:
		return target == ErrTransport
	case ErrTypeProtocol:
		return target == ErrProtocol
	case ErrTypeAggregate:
		return target == ErrAllSourcesFailed
	case ErrTypeNotFound:
		return target == ErrNotFound
	case ErrTypeConfig:
		return target == ErrConfig
	}
	return false
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewInputError reports a malformed identity
func NewInputError(message string) *AppError {
	return &AppError{Type: ErrTypeInput, Message: message}
}

// NewTransportError reports a timeout, connection failure or non-2xx status
func NewTransportError(message string, cause error) *AppError {
	return &AppError{Type: ErrTypeTransport, Message: message, Cause: cause}
}

// NewProtocolError reports a received but unusable response body
func NewProtocolError(message string, cause error) *AppError {
	return &AppError{Type: ErrTypeProtocol, Message: message, Cause: cause}
}

// NewAggregateError reports that every verification source was exhausted
func NewAggregateError(causes ...error) *AppError {
	return &AppError{Type: ErrTypeAggregate, Message: "no verification source answered", Cause: errors.Join(causes...)}
}

// NewConfigError reports configuration a binary cannot start with
func NewConfigError(message string, cause error) *AppError {
	return &AppError{Type: ErrTypeConfig, Message: message, Cause: cause}
}

// NewNotFoundError reports a missing record in a store
func NewNotFoundError(what string) *AppError {
	return &AppError{Type: ErrTypeNotFound, Message: what + " not found"}
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}
