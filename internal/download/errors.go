package download

import "errors"

var (
	// ErrShuttingDown indicates the manager is no longer accepting new downloads
	ErrShuttingDown = errors.New("shutting_down")

	// ErrInvalidRequest indicates a start request is missing its id or has a bad url
	ErrInvalidRequest = errors.New("invalid_request")

	// ErrAlreadyInProgress indicates a job for the same game is active
	ErrAlreadyInProgress = errors.New("already_in_progress")

	// ErrServerUnreachable indicates the liveness probe failed
	ErrServerUnreachable = errors.New("server_unreachable")

	// ErrChunkTransferFailed indicates a chunk failed permanently or ran out of retries
	ErrChunkTransferFailed = errors.New("chunk_transfer_failed")

	// ErrJobCancelled is the cancellation cause for user cancels and shutdown
	ErrJobCancelled = errors.New("cancelled")

	// ErrExtractionFailed indicates post-processing failed; the download itself is kept
	ErrExtractionFailed = errors.New("extraction_failed")

	// ErrInsufficientSpace indicates the target volume cannot hold the file
	ErrInsufficientSpace = errors.New("insufficient_space")

	// ErrNotFound indicates no active job exists for the game
	ErrNotFound = errors.New("not_found")
)
