package core

import (
	"errors"
	"fmt"

	"github.com/vovakirdan/voicechat/internal/proto"
)

// Error codes for caller-facing failures.
const (
	ErrCodeRoomNotFound     = "room_not_found"
	ErrCodeNotAuthenticated = "not_authenticated"
	ErrCodeNoActiveRoom     = "no_active_room"
	ErrCodeNotConnected     = "not_connected"
	ErrCodeHandlerFailure   = "handler_failure"
	ErrCodeBadRequest       = "bad_request"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrNotAuthenticated = errors.New("session is not authenticated")
	ErrNoActiveRoom     = errors.New("no active room")
	ErrNotConnected     = errors.New("not connected")
	ErrHandlerFailure   = errors.New("handler failure")
	ErrBadRequest       = errors.New("bad request")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

func coreError(code string, err error, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// ErrorCode returns the code of a CoreError in err's chain, or "".
func ErrorCode(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// HandlerError reports an application handler that returned an error or panicked.
type HandlerError struct {
	Type proto.EventType
	ID   HandlerID
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %d for %s: %v", e.ID, e.Type, e.Err)
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerFailure, e.Err}
}
