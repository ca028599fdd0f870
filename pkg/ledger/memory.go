package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terryholliday/proveniq-transit/pkg/canonhash"
)

// MemorySink is the in-process Sink used by tests and single-node
// deployments. Dedup and ordering are guarded by one mutex.
type MemorySink struct {
	mu       sync.Mutex
	events   []Event
	receipts map[string]Receipt
	position int64
	now      func() time.Time
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		receipts: make(map[string]Receipt),
		now:      time.Now,
	}
}

// NewMemorySinkAt pins the sink clock, for deterministic receipts in tests.
func NewMemorySinkAt(now func() time.Time) *MemorySink {
	s := NewMemorySink()
	s.now = now
	return s
}

func (s *MemorySink) Append(_ context.Context, ev Event) (Receipt, error) {
	if ev.IdempotencyKey == "" {
		return Receipt{}, ErrMissingIdempotencyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.receipts[ev.IdempotencyKey]; ok {
		return prior, nil
	}

	hashHex, _, err := canonhash.SumHex(ev.Payload)
	if err != nil {
		return Receipt{}, err
	}

	s.position++
	receipt := Receipt{
		LedgerEventID:  "evt_" + uuid.NewString(),
		CommittedAt:    s.now().UTC(),
		Position:       s.position,
		ContentHashHex: hashHex,
	}
	s.events = append(s.events, ev)
	s.receipts[ev.IdempotencyKey] = receipt
	return receipt, nil
}

func (s *MemorySink) StreamFor(_ context.Context, assetID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.AssetID == assetID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Len reports the number of committed entries.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
