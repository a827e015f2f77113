package session

import (
	"context"
)

// Store abstracts session persistence. Implementations must be safe for
// concurrent use and must implement Save with atomic compare-and-swap
// semantics on the session version:
//
//   - no stored record: the write is accepted only when expectedVersion
//     is 0 (the create path); otherwise ErrNotFound.
//   - stored record present: the write is accepted only when the stored
//     version equals expectedVersion; otherwise a ConflictError carrying
//     both versions.
//
// The manager serializes concurrent writers through this check; a store
// must never silently overwrite a newer record.
type Store interface {
	// Save persists a session record, enforcing the version CAS above.
	Save(ctx context.Context, s *Session, expectedVersion int64) error

	// Get retrieves a session by ID.
	// Returns ErrNotFound if the session doesn't exist and a
	// ValidationError if the stored blob doesn't parse.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes a session. Deleting a missing ID is not an error.
	Delete(ctx context.Context, id string) error

	// List returns the IDs of all stored sessions.
	List(ctx context.Context) ([]string, error)

	// Stats returns a flat storage summary for the health surface.
	Stats(ctx context.Context) (StoreStats, error)

	// HealthCheck probes backend availability. Best-effort: a failure
	// means "unhealthy", never a crash.
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
