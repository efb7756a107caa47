package engram

import "errors"

// Error taxonomy (§7). Sentinel values; callers compare with errors.Is.
var (
	ErrInvalidPayload = errors.New("engram: invalid payload")
	ErrConflict       = errors.New("engram: conflict")
	ErrNotFound       = errors.New("engram: not found")
	ErrRateLimited    = errors.New("engram: rate limited")
	ErrTimedOut       = errors.New("engram: timed out")
	ErrCancelled      = errors.New("engram: cancelled")
	ErrCorrupt        = errors.New("engram: corrupt")
	ErrUnavailable    = errors.New("engram: unavailable")
)
