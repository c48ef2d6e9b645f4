package core

import "errors"

var (
	// ErrNotFound is returned when an entity or version does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on entity id collision at create time.
	ErrAlreadyExists = errors.New("already exists")

	// ErrSyncInProgress is returned when a sync is requested while another
	// sync is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// Validation errors surfaced as 400 at the edge.
	ErrInvalidClassification = errors.New("invalid classification: must be 'foundational', 'strategic', 'operational', or 'reference'")
	ErrInvalidPriority       = errors.New("invalid priority: must be between 1 (archive) and 5 (critical)")
	ErrInvalidLimit          = errors.New("limit must be between 0 and 1000")
	ErrInvalidOffset         = errors.New("offset must be >= 0")
	ErrEmptyQuery            = errors.New("search query cannot be empty")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err wraps ErrAlreadyExists.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
