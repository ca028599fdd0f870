// Package anchors applies the effect policy for classified anchor events:
// store the observation, escalate custody risk for affected tokens, and
// record everything on the ledger. Anchors report against anchor_id; the
// processor resolves that to active custody tokens itself.
package anchors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terryholliday/proveniq-transit/internal/domain"
	"github.com/terryholliday/proveniq-transit/internal/protocol"
	"github.com/terryholliday/proveniq-transit/pkg/anchorrisk"
	"github.com/terryholliday/proveniq-transit/pkg/canonhash"
	"github.com/terryholliday/proveniq-transit/pkg/custody"
	"github.com/terryholliday/proveniq-transit/pkg/ledger"
)

// ErrUnknownEventType rejects events outside the anchor enum. Ingestion is
// fail-closed: an unrecognized type is dropped loudly, not classified NONE.
var ErrUnknownEventType = errors.New("unknown anchor event type")

// Store is the persistence surface the processor drives.
type Store interface {
	InsertAnchorEvent(ctx context.Context, ev *domain.AnchorEvent) error
	MarkAnchorEventProcessed(ctx context.Context, anchorEventID string, at time.Time) error
	ActiveTokensByAnchor(ctx context.Context, anchorID string) ([]domain.CustodyToken, error)
	ArmShipmentSeal(ctx context.Context, anchorID, sealID string) error
	MarkSealBroken(ctx context.Context, anchorID string) error
	ForceDispute(ctx context.Context, custodyTokenID string, ev ledger.Event) (*domain.CustodyToken, int64, error)
	EnqueueEvent(ctx context.Context, ev ledger.Event) (int64, error)
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Inbound is one anchor event as delivered by the webhook ingress.
type Inbound struct {
	AnchorID  string
	EventType string
	Payload   map[string]any
	Timestamp time.Time
}

// Result reports what the processor did with one event.
type Result struct {
	AnchorEventID    string            `json:"anchor_event_id"`
	RiskImpact       anchorrisk.Impact `json:"risk_impact"`
	LedgerEventID    string            `json:"ledger_event_id,omitempty"`
	DisputedTokenIDs []string          `json:"disputed_token_ids,omitempty"`
}

type Processor struct {
	Store  Store
	Ledger protocol.Deliverer
	Now    func() time.Time
	NewID  func() string
}

func NewProcessor(store Store, deliverer protocol.Deliverer) *Processor {
	return &Processor{
		Store:  store,
		Ledger: deliverer,
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

// Process classifies, stores, and acts on one anchor event. A CRITICAL
// impact force-disputes every IN_TRANSIT token bound to the anchor; the
// TRANSIT to DISPUTED edge is still validated against the transition table,
// only the signature and role gating is bypassed. Tokens that move
// concurrently are skipped, not failed.
func (p *Processor) Process(ctx context.Context, in Inbound) (*Result, error) {
	if in.AnchorID == "" {
		return nil, fmt.Errorf("anchor_id is required")
	}
	if !anchorrisk.KnownEventType(in.EventType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, in.EventType)
	}

	now := p.Now().UTC()
	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}
	impact := anchorrisk.Classify(in.EventType, in.Payload)
	ev := &domain.AnchorEvent{
		AnchorEventID:  "aev_" + p.NewID(),
		AnchorID:       in.AnchorID,
		EventType:      in.EventType,
		Payload:        in.Payload,
		EventTimestamp: ts.UTC(),
		RiskImpact:     impact,
	}
	if err := p.Store.InsertAnchorEvent(ctx, ev); err != nil {
		return nil, err
	}

	result := &Result{AnchorEventID: ev.AnchorEventID, RiskImpact: impact}

	observedPayload := map[string]any{
		"anchor_id":         ev.AnchorID,
		"anchor_event_type": ev.EventType,
		"risk_impact":       string(impact),
		"event_timestamp":   ev.EventTimestamp.Format(time.RFC3339),
	}
	observedHash, _, err := canonhash.SumHex(observedPayload)
	if err != nil {
		return nil, err
	}
	outboxID, err := p.Store.EnqueueEvent(ctx, ledger.Event{
		Type: ledger.TypeAnchorObserved,
		Payload: ledger.AnchorObserved{
			AnchorID:         ev.AnchorID,
			AnchorEventType:  ev.EventType,
			RiskImpact:       string(impact),
			CanonicalHashHex: observedHash,
		},
		CorrelationID:  "cor_" + p.NewID(),
		IdempotencyKey: "anchor-observe-" + ev.AnchorEventID,
		CreatedAt:      now,
		SchemaVersion:  ledger.SchemaVersion,
	})
	if err != nil {
		return nil, err
	}
	if receipt := p.Ledger.TryDeliver(ctx, outboxID); receipt != nil {
		ev.LedgerEventID = receipt.LedgerEventID
		result.LedgerEventID = receipt.LedgerEventID
	}

	switch in.EventType {
	case anchorrisk.EventSealArmed:
		sealID, _ := in.Payload["seal_id"].(string)
		if err := p.Store.ArmShipmentSeal(ctx, in.AnchorID, sealID); err != nil {
			return nil, err
		}
	case anchorrisk.EventSealBroken:
		if err := p.Store.MarkSealBroken(ctx, in.AnchorID); err != nil {
			return nil, err
		}
	}

	if impact == anchorrisk.ImpactCritical {
		if err := p.disputeTransitTokens(ctx, ev, result); err != nil {
			return nil, err
		}
	}

	if err := p.Store.MarkAnchorEventProcessed(ctx, ev.AnchorEventID, now); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Processor) disputeTransitTokens(ctx context.Context, ev *domain.AnchorEvent, result *Result) error {
	tokens, err := p.Store.ActiveTokensByAnchor(ctx, ev.AnchorID)
	if err != nil {
		return err
	}
	now := p.Now().UTC()
	for i := range tokens {
		token := &tokens[i]
		if token.State != custody.StateTransit {
			continue
		}
		if err := custody.ValidateTransition(token.State, custody.StateDisputed); err != nil {
			continue
		}

		disputePayload := map[string]any{
			"custody_token_id":  token.CustodyTokenID,
			"anchor_id":         ev.AnchorID,
			"anchor_event_type": ev.EventType,
			"risk_impact":       string(ev.RiskImpact),
			"previous_state":    string(token.State),
		}
		disputeHash, _, err := canonhash.SumHex(disputePayload)
		if err != nil {
			return err
		}
		ledgerEv := ledger.Event{
			Type:           ledger.TypeCustodyDisputed,
			AssetID:        token.AssetID,
			CustodyTokenID: token.CustodyTokenID,
			Payload: ledger.CustodyDisputed{
				CustodyTokenID:   token.CustodyTokenID,
				AnchorID:         ev.AnchorID,
				AnchorEventType:  ev.EventType,
				RiskImpact:       string(ev.RiskImpact),
				PreviousState:    string(token.State),
				CanonicalHashHex: disputeHash,
			},
			CorrelationID:  "cor_" + p.NewID(),
			IdempotencyKey: "anchor-dispute-" + ev.AnchorEventID + "-" + token.CustodyTokenID,
			CreatedAt:      now,
			SchemaVersion:  ledger.SchemaVersion,
		}

		_, outboxID, err := p.Store.ForceDispute(ctx, token.CustodyTokenID, ledgerEv)
		if err != nil {
			if errors.Is(err, protocol.ErrStaleState) {
				continue
			}
			return err
		}
		p.Ledger.TryDeliver(ctx, outboxID)
		result.DisputedTokenIDs = append(result.DisputedTokenIDs, token.CustodyTokenID)

		_ = p.Store.AppendAudit(ctx, domain.AuditEntry{
			Action:       "ANCHOR_TAMPER_DETECTED",
			ResourceType: "custody_token",
			ResourceID:   token.CustodyTokenID,
			Details:      disputePayload,
			CreatedAt:    now,
		})
	}
	return nil
}
