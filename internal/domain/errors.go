package domain

import "errors"

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotInRoom         = errors.New("not in room")
	ErrTargetUnavailable = errors.New("target unavailable")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrMessageTooLong    = errors.New("message too long")
	ErrRateLimited       = errors.New("rate limit exceeded")
)

// ErrorCode maps a sentinel to the code sent in error messages.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, ErrTargetUnavailable):
		return "target_unavailable"
	case errors.Is(err, ErrMessageTooLong):
		return "message_too_long"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
