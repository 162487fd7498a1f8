package pipeline

import (
	"errors"

	"github.com/zhuiye8/narration-service/internal/downloader"
)

// Run-level errors. Per-item failures never surface here; they are
// recorded in the asset store and counted in the BatchRun. These errors
// mean the entire run could not proceed.
var (
	// ErrNoItems indicates an empty batch.
	ErrNoItems = errors.New("no items to process")
	// ErrNoTasksCreated indicates that submission produced zero provider
	// tasks.
	ErrNoTasksCreated = errors.New("no provider tasks created")
	// ErrAlreadyInFlight indicates that another generation of the same
	// item finished while this request waited to join it.
	ErrAlreadyInFlight = errors.New("generation already in flight for item")
)

// Per-item failure messages recorded in the asset store.
const (
	msgSynthesisTimedOut = "synthesis timed out waiting for provider"
	msgRunCancelled      = "generation run cancelled"
)

// IsAuthorizationExpired reports whether an item failed because its result
// link's authorization lapsed before the download finished.
func IsAuthorizationExpired(err error) bool {
	return errors.Is(err, downloader.ErrAuthorizationExpired)
}

// IsValidation reports whether an item failed payload or URL validation
// rather than transport.
func IsValidation(err error) bool {
	return errors.Is(err, downloader.ErrPayloadTooSmall) ||
		errors.Is(err, downloader.ErrBadSignature) ||
		errors.Is(err, downloader.ErrHostNotAllowed)
}
