package chat

import "errors"

// Error taxonomy shared by every storage backend and surfaced at the
// transport boundary. NotFound deliberately covers both "absent" and
// "exists but hidden from this requester" so other users' conversations
// never leak through status codes.
var (
	ErrNotFound       = errors.New("chat: not found")
	ErrForbidden      = errors.New("chat: not a participant")
	ErrInvalidRequest = errors.New("chat: invalid request")
	ErrConflict       = errors.New("chat: conflicting write")
	ErrUnauthorized   = errors.New("chat: unauthorized")
)
