package core

import (
	"context"
	"errors"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrAlreadyExists            = errors.New("already exists")
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
	ErrEngine                   = errors.New("media engine error")
	ErrNotReady                 = errors.New("router capabilities not loaded")
	ErrBadRequest               = errors.New("bad request")
	ErrRateLimited              = errors.New("too many attempts")

	// ErrRoomClosed wraps ErrNotFound so callers that only care about
	// existence treat an ended room as absent.
	ErrRoomClosed = &roomClosedError{}
)

type roomClosedError struct{}

func (*roomClosedError) Error() string        { return "room closed" }
func (*roomClosedError) Is(target error) bool { return target == ErrNotFound }

// Code maps err onto the wire error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ErrIncompatibleCapabilities):
		return "IncompatibleCapabilities"
	case errors.Is(err, ErrEngine):
		return "EngineError"
	case errors.Is(err, ErrNotReady):
		return "NotReady"
	case errors.Is(err, ErrBadRequest):
		return "BadRequest"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Canceled"
	}
	return "Internal"
}
