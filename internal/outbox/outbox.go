// Package outbox re-converges "custody fact changed" with "custody fact is
// durably recorded". Ledger events are enqueued in the same commit as the
// state change; delivery to the sink is attempted inline for fast receipts
// and retried out-of-band with backoff when the sink is down. A failed
// ledger write is never allowed to silently disappear.
package outbox

import (
	"context"
	"log"
	"time"

	"github.com/terryholliday/proveniq-transit/internal/domain"
	"github.com/terryholliday/proveniq-transit/pkg/ledger"
)

// Queue is the durable outbox storage, implemented by both stores.
type Queue interface {
	GetOutboxEntry(ctx context.Context, id int64) (*domain.OutboxEntry, error)
	PendingOutbox(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error)
	MarkOutboxDelivered(ctx context.Context, id int64, receipt ledger.Receipt, at time.Time) error
	RescheduleOutbox(ctx context.Context, id int64, attempts int, next time.Time) error
}

type Flusher struct {
	Queue    Queue
	Sink     ledger.Sink
	Interval time.Duration
	Batch    int
	Now      func() time.Time
}

func NewFlusher(q Queue, sink ledger.Sink, interval time.Duration, batch int) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Flusher{Queue: q, Sink: sink, Interval: interval, Batch: batch, Now: time.Now}
}

// TryDeliver attempts immediate delivery of one enqueued entry. Failure is
// non-fatal: the entry stays queued for the background flusher and nil is
// returned.
func (f *Flusher) TryDeliver(ctx context.Context, id int64) *ledger.Receipt {
	entry, err := f.Queue.GetOutboxEntry(ctx, id)
	if err != nil || entry == nil {
		return nil
	}
	if entry.DeliveredAt != nil {
		return entry.Receipt
	}
	receipt, err := f.Sink.Append(ctx, entry.Event)
	if err != nil {
		log.Printf("outbox: inline delivery of entry %d failed, deferring: %v", id, err)
		f.reschedule(ctx, entry)
		return nil
	}
	if err := f.Queue.MarkOutboxDelivered(ctx, id, receipt, f.Now().UTC()); err != nil {
		log.Printf("outbox: mark delivered %d: %v", id, err)
	}
	return &receipt
}

// FlushOnce drains up to Batch due entries, returning how many delivered.
func (f *Flusher) FlushOnce(ctx context.Context) (int, error) {
	pending, err := f.Queue.PendingOutbox(ctx, f.Now().UTC(), f.Batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, entry := range pending {
		receipt, err := f.Sink.Append(ctx, entry.Event)
		if err != nil {
			log.Printf("outbox: delivery of entry %d failed (attempt %d): %v", entry.ID, entry.Attempts+1, err)
			f.reschedule(ctx, &entry)
			continue
		}
		if err := f.Queue.MarkOutboxDelivered(ctx, entry.ID, receipt, f.Now().UTC()); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// Run polls until ctx is done.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.FlushOnce(ctx); err != nil {
				log.Printf("outbox: flush: %v", err)
			}
		}
	}
}

func (f *Flusher) reschedule(ctx context.Context, entry *domain.OutboxEntry) {
	attempts := entry.Attempts + 1
	shift := attempts
	if shift > 6 {
		shift = 6
	}
	backoff := f.Interval * time.Duration(1<<shift)
	if err := f.Queue.RescheduleOutbox(ctx, entry.ID, attempts, f.Now().UTC().Add(backoff)); err != nil {
		log.Printf("outbox: reschedule %d: %v", entry.ID, err)
	}
}
