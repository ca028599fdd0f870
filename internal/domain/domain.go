// Package domain holds the shared vocabulary of the transit service:
// wallets, shipments, custody tokens, handoff challenges, anchor events.
package domain

import (
	"time"

	"github.com/terryholliday/proveniq-transit/pkg/anchorrisk"
	"github.com/terryholliday/proveniq-transit/pkg/custody"
	"github.com/terryholliday/proveniq-transit/pkg/ledger"
)

type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletSuspended WalletStatus = "SUSPENDED"
	WalletRevoked   WalletStatus = "REVOKED"
)

type OwnerType string

const (
	OwnerIndividual OwnerType = "INDIVIDUAL"
	OwnerCarrier    OwnerType = "CARRIER"
	OwnerLocker     OwnerType = "LOCKER"
	OwnerWarehouse  OwnerType = "WAREHOUSE"
)

// Wallet is a party capable of holding custody. The public key verifies
// that party's handoff signatures.
type Wallet struct {
	WalletID     string         `json:"wallet_id"`
	OwnerType    OwnerType      `json:"owner_type"`
	OwnerName    string         `json:"owner_name"`
	PublicKeyPEM string         `json:"public_key_pem"`
	Status       WalletStatus   `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// GeoSnapshot encodes coordinates as signed 1e-7 degree integers; floats
// never cross a boundary.
type GeoSnapshot struct {
	LatE7 int64 `json:"lat_e7"`
	LonE7 int64 `json:"lon_e7"`
}

// ConditionPhoto is an externally stored photo plus its content hash.
type ConditionPhoto struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

type ShipmentStatus string

const (
	ShipmentCreated   ShipmentStatus = "CREATED"
	ShipmentSealed    ShipmentStatus = "SEALED"
	ShipmentInTransit ShipmentStatus = "IN_TRANSIT"
	ShipmentDelivered ShipmentStatus = "DELIVERED"
	ShipmentDisputed  ShipmentStatus = "DISPUTED"
	ShipmentClosed    ShipmentStatus = "CLOSED"
)

type AnchorStatus string

const (
	AnchorUnarmed AnchorStatus = "UNARMED"
	AnchorArmed   AnchorStatus = "ARMED"
	AnchorBroken  AnchorStatus = "BROKEN"
)

type Shipment struct {
	ShipmentNumber      string         `json:"shipment_number"`
	AssetID             string         `json:"asset_id"`
	AssetDescription    string         `json:"asset_description,omitempty"`
	DeclaredValueMicros string         `json:"declared_value_micros,omitempty"`
	Currency            string         `json:"currency,omitempty"`
	SenderWalletID      string         `json:"sender_wallet_id"`
	RecipientWalletID   string         `json:"recipient_wallet_id"`
	AnchorID            string         `json:"anchor_id,omitempty"`
	SealID              string         `json:"seal_id,omitempty"`
	AnchorStatus        AnchorStatus   `json:"anchor_status,omitempty"`
	OriginGeo           *GeoSnapshot   `json:"origin_geo,omitempty"`
	DestinationGeo      *GeoSnapshot   `json:"destination_geo,omitempty"`
	Status              ShipmentStatus `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
}

// CustodyToken tracks who currently holds one asset and in what lifecycle
// state. Exactly one token exists per actively tracked shipment.
type CustodyToken struct {
	CustodyTokenID     string        `json:"custody_token_id"`
	AssetID            string        `json:"asset_id"`
	ShipmentNumber     string        `json:"shipment_number"`
	AnchorID           string        `json:"anchor_id,omitempty"`
	CustodianWalletID  string        `json:"current_custodian_wallet_id"`
	State              custody.State `json:"state"`
	HandoffCount       int           `json:"handoff_count"`
	LastTransitionAt   time.Time     `json:"last_transition_at"`
	CreatedAt          time.Time     `json:"created_at"`
}

type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "PENDING"
	ChallengeAccepted ChallengeStatus = "ACCEPTED"
	ChallengeExpired  ChallengeStatus = "EXPIRED"
	ChallengeRejected ChallengeStatus = "REJECTED"
)

// HandoffChallenge is a signed, nonce-bound, time-limited offer to transfer
// custody. Terminal once ACCEPTED, EXPIRED, or REJECTED; never reused.
type HandoffChallenge struct {
	ChallengeID       string           `json:"challenge_id"`
	CustodyTokenID    string           `json:"custody_token_id"`
	FromWalletID      string           `json:"from_wallet_id"`
	ToWalletID        string           `json:"to_wallet_id"`
	Nonce             string           `json:"nonce"`
	ExpiresAt         time.Time        `json:"expires_at"`
	Geo               *GeoSnapshot     `json:"geo_snapshot,omitempty"`
	Condition         []ConditionPhoto `json:"condition_snapshot,omitempty"`
	FromSignatureHex  string           `json:"from_signature"`
	ToSignatureHex    string           `json:"to_signature,omitempty"`
	Status            ChallengeStatus  `json:"status"`
	AcceptedAt        *time.Time       `json:"accepted_at,omitempty"`
	LedgerEventID     string           `json:"ledger_event_id,omitempty"`
	AcceptLedgerEvent string           `json:"accept_ledger_event_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// AnchorEvent is an external signal from a shipment's seal/sensor hardware.
type AnchorEvent struct {
	AnchorEventID  string            `json:"anchor_event_id"`
	AnchorID       string            `json:"anchor_id"`
	EventType      string            `json:"event_type"`
	Payload        map[string]any    `json:"payload"`
	EventTimestamp time.Time         `json:"event_timestamp"`
	LedgerEventID  string            `json:"ledger_event_id,omitempty"`
	RiskImpact     anchorrisk.Impact `json:"risk_impact"`
	Processed      bool              `json:"processed"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
}

// AuditEntry is an audit-worthy fact about a resource, kept out of the
// ledger proper.
type AuditEntry struct {
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	ActorID      string         `json:"actor_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// OutboxEntry is a ledger event waiting for durable recording. State
// changes commit first; the outbox re-converges the ledger by retry.
type OutboxEntry struct {
	ID            int64           `json:"id"`
	Event         ledger.Event    `json:"event"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	Receipt       *ledger.Receipt `json:"receipt,omitempty"`
}
