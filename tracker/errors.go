package tracker

import (
	"errors"

	"cncvn/api/models"
)

// None of these ever reach page rendering; they are logged and counted.
var (
	// ErrStorageUnavailable means cookies or local storage could not be used.
	ErrStorageUnavailable = errors.New("identity storage unavailable")

	// ErrCollectorUnreachable means the setup health check failed.
	ErrCollectorUnreachable = errors.New("collector unreachable")

	// ErrSendFailed covers transport errors, timeouts and non-2xx replies.
	ErrSendFailed = errors.New("send to collector failed")

	// ErrInvalidEvent is returned by Enqueue for malformed events.
	ErrInvalidEvent = models.ErrInvalidEvent
)
