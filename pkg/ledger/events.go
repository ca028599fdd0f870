// Package ledger defines the append-only event sink consumed by the custody
// protocol: a closed, typed event union, idempotency-key deduplication, and
// a strictly increasing position per sink instance. Receipts bind the
// payload's canonical content hash to the assigned position so any reader
// can recompute the hash and detect tampering.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

const SchemaVersion = "1.0.0"

type EventType string

const (
	TypeShipmentCreated         EventType = "SHIPMENT_CREATED"
	TypeHandoffChallengeCreated EventType = "HANDOFF_CHALLENGE_CREATED"
	TypeHandoffCompleted        EventType = "TRANSIT_HANDOFF_COMPLETED"
	TypeCustodyDisputed         EventType = "CUSTODY_DISPUTED"
	TypeCustodyClosed           EventType = "CUSTODY_CLOSED"
	TypeAnchorObserved          EventType = "ANCHOR_OBSERVED"
)

// Payload is the closed union of event payloads. Every variant is fully
// typed and carries the canonical content hash of its own unsigned form.
type Payload interface {
	EventType() EventType
}

type ShipmentCreated struct {
	ShipmentNumber      string `json:"shipment_number"`
	AssetID             string `json:"asset_id"`
	CustodyTokenID      string `json:"custody_token_id"`
	SenderWalletID      string `json:"sender_wallet_id"`
	RecipientWalletID   string `json:"recipient_wallet_id"`
	DeclaredValueMicros string `json:"declared_value_micros,omitempty"`
	Currency            string `json:"currency,omitempty"`
	CanonicalHashHex    string `json:"canonical_hash_hex"`
}

func (ShipmentCreated) EventType() EventType { return TypeShipmentCreated }

type ChallengeCreated struct {
	ChallengeID      string `json:"challenge_id"`
	CustodyTokenID   string `json:"custody_token_id"`
	FromWalletID     string `json:"from_wallet_id"`
	ToWalletID       string `json:"to_wallet_id"`
	Nonce            string `json:"nonce"`
	ExpiresAt        string `json:"expires_at"`
	CanonicalHashHex string `json:"canonical_hash_hex"`
}

func (ChallengeCreated) EventType() EventType { return TypeHandoffChallengeCreated }

type HandoffCompleted struct {
	ChallengeID      string `json:"challenge_id"`
	CustodyTokenID   string `json:"custody_token_id"`
	FromWalletID     string `json:"from_wallet_id"`
	ToWalletID       string `json:"to_wallet_id"`
	NewState         string `json:"new_state"`
	AcceptedAt       string `json:"accepted_at"`
	CanonicalHashHex string `json:"canonical_hash_hex"`
}

func (HandoffCompleted) EventType() EventType { return TypeHandoffCompleted }

type CustodyDisputed struct {
	CustodyTokenID   string `json:"custody_token_id"`
	AnchorID         string `json:"anchor_id"`
	AnchorEventType  string `json:"anchor_event_type"`
	RiskImpact       string `json:"risk_impact"`
	PreviousState    string `json:"previous_state"`
	CanonicalHashHex string `json:"canonical_hash_hex"`
}

func (CustodyDisputed) EventType() EventType { return TypeCustodyDisputed }

type CustodyClosed struct {
	CustodyTokenID   string `json:"custody_token_id"`
	PreviousState    string `json:"previous_state"`
	Reason           string `json:"reason"`
	CanonicalHashHex string `json:"canonical_hash_hex"`
}

func (CustodyClosed) EventType() EventType { return TypeCustodyClosed }

type AnchorObserved struct {
	AnchorID         string `json:"anchor_id"`
	AnchorEventType  string `json:"anchor_event_type"`
	RiskImpact       string `json:"risk_impact"`
	CanonicalHashHex string `json:"canonical_hash_hex"`
}

func (AnchorObserved) EventType() EventType { return TypeAnchorObserved }

// Event is one immutable ledger record.
type Event struct {
	Type           EventType `json:"type"`
	AssetID        string    `json:"asset_id"`
	CustodyTokenID string    `json:"custody_token_id,omitempty"`
	Payload        Payload   `json:"payload"`
	CorrelationID  string    `json:"correlation_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
	SchemaVersion  string    `json:"schema_version"`
}

// DecodePayload rehydrates a payload variant from raw JSON, failing closed
// on unknown event types.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeShipmentCreated:
		var v ShipmentCreated
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeHandoffChallengeCreated:
		var v ChallengeCreated
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeHandoffCompleted:
		var v HandoffCompleted
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeCustodyDisputed:
		var v CustodyDisputed
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeCustodyClosed:
		var v CustodyClosed
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeAnchorObserved:
		var v AnchorObserved
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("ledger: unknown event type %q", t)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UnmarshalEvent decodes a full event envelope, dispatching the payload
// through the closed union.
func UnmarshalEvent(raw []byte) (Event, error) {
	var head struct {
		Type           EventType       `json:"type"`
		AssetID        string          `json:"asset_id"`
		CustodyTokenID string          `json:"custody_token_id"`
		Payload        json.RawMessage `json:"payload"`
		CorrelationID  string          `json:"correlation_id"`
		IdempotencyKey string          `json:"idempotency_key"`
		CreatedAt      time.Time       `json:"created_at"`
		SchemaVersion  string          `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Event{}, err
	}
	payload, err := DecodePayload(head.Type, head.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:           head.Type,
		AssetID:        head.AssetID,
		CustodyTokenID: head.CustodyTokenID,
		Payload:        payload,
		CorrelationID:  head.CorrelationID,
		IdempotencyKey: head.IdempotencyKey,
		CreatedAt:      head.CreatedAt,
		SchemaVersion:  head.SchemaVersion,
	}, nil
}
