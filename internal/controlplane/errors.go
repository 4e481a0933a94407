package controlplane

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every error returned by Service wraps exactly one of them.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrWorkflowExhausted = errors.New("workflow exhausted")
	ErrValidation        = errors.New("validation failed")
	ErrUploadRejected    = errors.New("upload rejected")
	ErrConflict          = errors.New("conflict")
	ErrStorage           = errors.New("storage failure")
)

// Error is a failure with a user-facing message.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func storageError(msg string, err error) *Error {
	return &Error{Kind: ErrStorage, Msg: msg, Err: err}
}

// Sentinel errors for control plane operations.
var (
	ErrTaskNotFound       = newError(ErrNotFound, "task not found")
	ErrFileNotFound       = newError(ErrNotFound, "file not found")
	ErrNotHolder          = newError(ErrForbidden, "only the current holder may hand over this task")
	ErrNotHolderStatus    = newError(ErrForbidden, "only the current holder may change the status of this task")
	ErrNotHolderFiles     = newError(ErrForbidden, "only the current holder may modify files of this task")
	ErrWorkflowDone       = newError(ErrWorkflowExhausted, "this task has completed its entire workflow and cannot be handed over again")
	ErrNoFile             = newError(ErrUploadRejected, "no file selected")
	ErrFileTypeNotAllowed = newError(ErrUploadRejected, "file type not allowed")
	ErrFileTooLarge       = newError(ErrUploadRejected, "file too large")
	ErrConcurrentUpdate   = newError(ErrConflict, "the task list was changed by someone else, please retry")
)

// Message is the user-facing text of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrWorkflowExhausted), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUploadRejected):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
