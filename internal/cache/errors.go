package cache

import "errors"

// Sentinel errors shared by every backend. Token tiers treat ErrNotFound as
// a miss and every other error as a degraded tier.
var (
	ErrNotFound = errors.New("cache: key not found")
	ErrClosed   = errors.New("cache: cache is closed")

	// ErrSerializationFailed wraps encode or decode failures of a backend's
	// wire format, such as olric's msgpack payloads.
	ErrSerializationFailed = errors.New("cache: serialization failed")

	// ErrUnavailable wraps transport failures of a remote backend.
	ErrUnavailable = errors.New("cache: backend unavailable")
)
