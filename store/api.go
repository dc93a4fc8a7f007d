package store

import (
	"context"
	"errors"
)

// ErrUnavailable wraps persistence engine failures so callers can tell
// a broken store apart from a malformed payload.
var ErrUnavailable = errors.New("record store unavailable")

// IRecordStore is the idempotent upsert-by-id and query-by-participant
// contract over canonical records.
//
// Upsert applies the intent's field-wise merge keyed by Intent.Key().
// Applying the same intent twice yields the same record as applying it
// once, and a StatusUpsert/MessageUpsert pair for one id converges to
// the same record in either order. Merges into one id are serialized
// per key by the backend.
type IRecordStore interface {
	Upsert(ctx context.Context, in Intent) error

	// Insert stores an externally originated, already-complete record.
	// On id collision it degrades to Upsert instead of failing.
	Insert(ctx context.Context, rec *Record) error

	// FindByParticipant returns every record with the participant as
	// sender or recipient, in no particular order.
	FindByParticipant(ctx context.Context, phone string) ([]*Record, error)

	// AllParticipants returns the union of non-empty from/to values.
	AllParticipants(ctx context.Context) ([]string, error)

	// Count reports the number of stored records.
	Count(ctx context.Context) (int, error)

	Close() error
}
