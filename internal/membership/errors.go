package membership

import (
	"errors"

	"github.com/vovakirdan/hushroom/internal/store"
)

// Error codes for domain errors.
const (
	ErrCodeRoomNotFound = "room_not_found"
	ErrCodeJoinFailed   = "join_failed"
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnavailable  = "store_unavailable"
)

var (
	// ErrJoinFailed wraps every join failure. No membership is recorded.
	ErrJoinFailed = errors.New("join failed")
	// ErrLeaveMutationFailed marks a leave whose store removal failed. It is
	// only logged; the reaper cleans up whatever remains.
	ErrLeaveMutationFailed = errors.New("leave mutation failed")

	errRetired = errors.New("coordinator retired")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// ToCoreError maps an error from this package to a client-facing code.
func ToCoreError(err error) *CoreError {
	var ce *CoreError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, store.ErrRoomNotFound):
		return coreError(ErrCodeRoomNotFound, "room no longer exists")
	case errors.Is(err, store.ErrInvalidParticipant), errors.Is(err, store.ErrInvalidName):
		return coreError(ErrCodeBadRequest, err.Error())
	case errors.Is(err, ErrJoinFailed):
		return coreError(ErrCodeUnavailable, "could not join room, try again")
	default:
		return coreError(ErrCodeUnavailable, "service unavailable")
	}
}
