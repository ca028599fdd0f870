package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrMissingIdempotencyKey = errors.New("ledger: idempotency key required")

// Receipt binds an appended event's payload content hash to the position
// the sink assigned it.
type Receipt struct {
	LedgerEventID  string    `json:"ledger_event_id"`
	CommittedAt    time.Time `json:"committed_at"`
	Position       int64     `json:"position"`
	ContentHashHex string    `json:"content_hash_hex"`
}

// Sink is an append-only event log. Append deduplicates on the event's
// idempotency key: re-appending a seen key returns the original receipt and
// creates no new entry. Positions are strictly increasing per sink instance
// and never reused.
type Sink interface {
	Append(ctx context.Context, ev Event) (Receipt, error)
	StreamFor(ctx context.Context, assetID string) ([]Event, error)
}
