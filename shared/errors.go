package shared

import (
	"errors"
	"net/http"
)

// AppError carries an HTTP status alongside the wrapped cause so the Fiber
// error handler can render the envelope without switching on error strings.
type AppError struct {
	StatusCode int
	Message    string
	Data       interface{}
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func NewBadRequestError(err error, message string) error {
	return &AppError{StatusCode: http.StatusBadRequest, Message: message, Err: err}
}

func NewNotFoundError(err error, message string) error {
	return &AppError{StatusCode: http.StatusNotFound, Message: message, Err: err}
}

func NewUnauthorizedError(err error, message string) error {
	return &AppError{StatusCode: http.StatusUnauthorized, Message: message, Err: err}
}

// NewInvalidStateError covers transitions the job state machine forbids, e.g.
// completing a job that is not processing.
func NewInvalidStateError(err error, message string) error {
	return &AppError{StatusCode: http.StatusConflict, Message: message, Err: err}
}

// NewInvalidConfigurationError covers programmer errors such as a negative
// limit or an unrecognized window type. Never retried.
func NewInvalidConfigurationError(err error, message string) error {
	return &AppError{StatusCode: http.StatusBadRequest, Message: message, Err: err}
}

// NewStoreUnavailableError propagates backing-store failures. Callers must
// treat it as "unknown", never as "not rate limited" or "queue empty".
func NewStoreUnavailableError(err error) error {
	return &AppError{StatusCode: http.StatusServiceUnavailable, Message: "Storage unavailable", Err: err}
}

func IsInvalidState(err error) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.StatusCode == http.StatusConflict
}

func IsNotFound(err error) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.StatusCode == http.StatusNotFound
}
