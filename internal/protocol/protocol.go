// Package protocol orchestrates custody handoffs: the two-phase
// challenge/accept exchange, explicit resolution, and the recording of
// every committed transition as a ledger event. All dependencies are
// injected; the package owns no singletons.
package protocol

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/terryholliday/proveniq-transit/internal/domain"
	"github.com/terryholliday/proveniq-transit/pkg/canonhash"
	"github.com/terryholliday/proveniq-transit/pkg/custody"
	"github.com/terryholliday/proveniq-transit/pkg/ledger"
	"github.com/terryholliday/proveniq-transit/pkg/signature"
)

// Sentinel errors store implementations return for lost CAS races; the
// protocol maps them to stable error kinds after re-reading current state.
var (
	ErrDuplicatePending     = errors.New("pending challenge already exists for token")
	ErrChallengeNotPending  = errors.New("challenge is not pending")
	ErrStaleState           = errors.New("token state changed concurrently")
)

// CommitTransferParams is the atomic success unit of AcceptChallenge: the
// challenge CAS, the token update, and the durable outbox enqueue of the
// ledger event commit together or not at all.
type CommitTransferParams struct {
	ChallengeID          string
	NewCustodianWalletID string
	NewState             custody.State
	AcceptedAt           time.Time
	ToSignatureHex       string
	Geo                  *domain.GeoSnapshot
	Event                ledger.Event
}

// CloseTokenParams closes a token via an explicit resolution step.
type CloseTokenParams struct {
	CustodyTokenID string
	ExpectedState  custody.State
	Reason         string
	Event          ledger.Event
}

// Store is the persistence contract the protocol drives. Get methods
// return (nil, nil) for absent rows. Mutating methods enforce CAS
// semantics against the current challenge status / token state and
// enqueue the supplied ledger event durably in the same commit.
type Store interface {
	GetToken(ctx context.Context, custodyTokenID string) (*domain.CustodyToken, error)
	GetChallenge(ctx context.Context, challengeID string) (*domain.HandoffChallenge, error)
	CreateChallenge(ctx context.Context, ch *domain.HandoffChallenge, ev ledger.Event) (outboxID int64, err error)
	ExpireChallenge(ctx context.Context, challengeID string) (bool, error)
	CommitTransfer(ctx context.Context, p CommitTransferParams) (*domain.CustodyToken, int64, error)
	CloseToken(ctx context.Context, p CloseTokenParams) (*domain.CustodyToken, int64, error)
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}

// WalletLookup resolves verification keys. Returns (nil, nil) when the
// wallet does not exist, so not-found and inactive stay distinguishable.
type WalletLookup interface {
	LookupWallet(ctx context.Context, walletID string) (*domain.Wallet, error)
}

// Deliverer attempts immediate delivery of an enqueued outbox entry. A nil
// receipt means delivery is deferred to the background flusher; it is
// never a request failure.
type Deliverer interface {
	TryDeliver(ctx context.Context, outboxID int64) *ledger.Receipt
}

// TTL bounds for a handoff challenge.
const (
	MinChallengeTTL     = 5 * time.Minute
	MaxChallengeTTL     = 24 * time.Hour
	DefaultChallengeTTL = time.Hour
)

const nonceBytes = 32

type Protocol struct {
	Store   Store
	Wallets WalletLookup
	Ledger  Deliverer

	// Clock and entropy hooks; defaults are wall clock and crypto/rand.
	Now      func() time.Time
	NewID    func() string
	NewNonce func() (string, error)
}

func New(store Store, wallets WalletLookup, deliverer Deliverer) *Protocol {
	return &Protocol{
		Store:   store,
		Wallets: wallets,
		Ledger:  deliverer,
		Now:     time.Now,
		NewID:   uuid.NewString,
		NewNonce: func() (string, error) {
			b := make([]byte, nonceBytes)
			if _, err := rand.Read(b); err != nil {
				return "", err
			}
			return hex.EncodeToString(b), nil
		},
	}
}

type IssueChallengeInput struct {
	CustodyTokenID   string
	ToWalletID       string
	TTL              time.Duration
	FromSignatureHex string
	Geo              *domain.GeoSnapshot
	Condition        []domain.ConditionPhoto
}

// IssueChallenge mints a PENDING handoff challenge for a token. At most one
// pending, unexpired challenge may exist per token; concurrent issuers
// serialize on that invariant in the store and the loser is rejected.
func (p *Protocol) IssueChallenge(ctx context.Context, in IssueChallengeInput) (*domain.HandoffChallenge, error) {
	ttl := in.TTL
	if ttl == 0 {
		ttl = DefaultChallengeTTL
	}
	if ttl < MinChallengeTTL || ttl > MaxChallengeTTL {
		return nil, newError(KindInvalidInput, "ttl must be between %s and %s", MinChallengeTTL, MaxChallengeTTL)
	}
	if in.FromSignatureHex == "" {
		return nil, newError(KindInvalidInput, "from_signature is required")
	}

	token, err := p.Store.GetToken(ctx, in.CustodyTokenID)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, newError(KindTokenNotFound, "custody token %s not found", in.CustodyTokenID)
	}
	if _, err := custody.NextForward(token.State); err != nil {
		return nil, newError(KindInvalidStateForTransfer, "state %s does not permit a departing handoff", token.State).
			with("current_state", string(token.State))
	}

	toWallet, err := p.Wallets.LookupWallet(ctx, in.ToWalletID)
	if err != nil {
		return nil, err
	}
	if toWallet == nil {
		return nil, newError(KindWalletNotFound, "wallet %s not found", in.ToWalletID).
			with("wallet_id", in.ToWalletID)
	}
	if toWallet.Status != domain.WalletActive {
		return nil, newError(KindWalletInactive, "wallet %s is %s", in.ToWalletID, toWallet.Status).
			with("wallet_id", in.ToWalletID)
	}

	nonce, err := p.NewNonce()
	if err != nil {
		return nil, err
	}
	now := p.Now().UTC()
	ch := &domain.HandoffChallenge{
		ChallengeID:      "chl_" + p.NewID(),
		CustodyTokenID:   token.CustodyTokenID,
		FromWalletID:     token.CustodianWalletID,
		ToWalletID:       toWallet.WalletID,
		Nonce:            nonce,
		ExpiresAt:        now.Add(ttl).Truncate(time.Second),
		Geo:              in.Geo,
		Condition:        in.Condition,
		FromSignatureHex: in.FromSignatureHex,
		Status:           domain.ChallengePending,
		CreatedAt:        now,
	}

	signingBytes, err := ChallengeSigningBytes(ch)
	if err != nil {
		return nil, err
	}
	ev := ledger.Event{
		Type:           ledger.TypeHandoffChallengeCreated,
		AssetID:        token.AssetID,
		CustodyTokenID: token.CustodyTokenID,
		Payload: ledger.ChallengeCreated{
			ChallengeID:      ch.ChallengeID,
			CustodyTokenID:   ch.CustodyTokenID,
			FromWalletID:     ch.FromWalletID,
			ToWalletID:       ch.ToWalletID,
			Nonce:            ch.Nonce,
			ExpiresAt:        WireTime(ch.ExpiresAt),
			CanonicalHashHex: canonhash.HashBytesHex(signingBytes),
		},
		CorrelationID:  "cor_" + p.NewID(),
		IdempotencyKey: "challenge-create-" + ch.ChallengeID,
		CreatedAt:      now,
		SchemaVersion:  ledger.SchemaVersion,
	}

	outboxID, err := p.Store.CreateChallenge(ctx, ch, ev)
	if err != nil {
		if errors.Is(err, ErrDuplicatePending) {
			return nil, newError(KindDuplicatePendingChallenge, "active challenge already exists for token %s", token.CustodyTokenID).
				with("custody_token_id", token.CustodyTokenID)
		}
		return nil, err
	}
	if receipt := p.Ledger.TryDeliver(ctx, outboxID); receipt != nil {
		ch.LedgerEventID = receipt.LedgerEventID
	}

	_ = p.Store.AppendAudit(ctx, domain.AuditEntry{
		Action:       "CHALLENGE_CREATED",
		ResourceType: "handoff_challenge",
		ResourceID:   ch.ChallengeID,
		ActorID:      ch.FromWalletID,
		Details: map[string]any{
			"custody_token_id": ch.CustodyTokenID,
			"to_wallet_id":     ch.ToWalletID,
			"expires_at":       WireTime(ch.ExpiresAt),
		},
		CreatedAt: now,
	})
	return ch, nil
}

type AcceptChallengeInput struct {
	ChallengeID    string
	ToWalletID     string
	AcceptedAt     string // RFC3339, signed verbatim by the to-wallet
	ToSignatureHex string
	Geo            *domain.GeoSnapshot
}

type AcceptResult struct {
	CustodyTokenID    string        `json:"custody_token_id"`
	NewState          custody.State `json:"new_state"`
	CustodianWalletID string        `json:"custodian_wallet_id"`
	HandoffCount      int           `json:"handoff_count"`
	LedgerEventID     string        `json:"ledger_event_id,omitempty"`
}

// AcceptChallenge validates an acceptance against its challenge and drives
// the token forward. The six checks are ordered and short-circuiting; the
// first failure determines the reported kind.
func (p *Protocol) AcceptChallenge(ctx context.Context, in AcceptChallengeInput) (*AcceptResult, error) {
	// (1) challenge exists and is pending
	ch, err := p.Store.GetChallenge(ctx, in.ChallengeID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, newError(KindChallengeNotFound, "challenge %s not found", in.ChallengeID)
	}
	if ch.Status != domain.ChallengePending {
		return nil, challengeStatusError(ch.Status)
	}

	// (2) not past expiry; detection transitions the challenge to EXPIRED
	now := p.Now().UTC()
	if now.After(ch.ExpiresAt) {
		if _, err := p.Store.ExpireChallenge(ctx, ch.ChallengeID); err != nil {
			return nil, err
		}
		return nil, newError(KindChallengeExpired, "challenge %s expired at %s", ch.ChallengeID, WireTime(ch.ExpiresAt))
	}

	// (3) accepting wallet must be the recorded counterparty
	toWallet, err := p.Wallets.LookupWallet(ctx, in.ToWalletID)
	if err != nil {
		return nil, err
	}
	if toWallet == nil || toWallet.Status != domain.WalletActive || toWallet.WalletID != ch.ToWalletID {
		return nil, newError(KindWalletMismatch, "wallet %s is not the challenge counterparty", in.ToWalletID).
			with("to_wallet_id", ch.ToWalletID)
	}

	// (4) fresh acceptance signature
	acceptedAt, err := time.Parse(time.RFC3339, in.AcceptedAt)
	if err != nil {
		return nil, newError(KindInvalidInput, "accepted_at must be RFC 3339")
	}
	acceptanceBytes, err := AcceptanceSigningBytes(ch.ChallengeID, toWallet.WalletID, in.AcceptedAt)
	if err != nil {
		return nil, err
	}
	if err := signature.VerifyHex(toWallet.PublicKeyPEM, acceptanceBytes, in.ToSignatureHex); err != nil {
		return nil, newError(KindInvalidToSignature, "acceptance signature does not verify").
			with("to_wallet_id", toWallet.WalletID)
	}

	// (5) archived challenge signature, guarding a tampered challenge record
	fromWallet, err := p.Wallets.LookupWallet(ctx, ch.FromWalletID)
	if err != nil {
		return nil, err
	}
	if fromWallet == nil {
		return nil, newError(KindWalletNotFound, "wallet %s not found", ch.FromWalletID).
			with("wallet_id", ch.FromWalletID)
	}
	challengeBytes, err := ChallengeSigningBytes(ch)
	if err != nil {
		return nil, err
	}
	if err := signature.VerifyHex(fromWallet.PublicKeyPEM, challengeBytes, ch.FromSignatureHex); err != nil {
		return nil, newError(KindInvalidFromSignature, "challenge signature does not verify").
			with("from_wallet_id", ch.FromWalletID)
	}

	// (6) transition legality
	token, err := p.Store.GetToken(ctx, ch.CustodyTokenID)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, newError(KindTokenNotFound, "custody token %s not found", ch.CustodyTokenID)
	}
	nextState, err := custody.NextForward(token.State)
	if err != nil {
		return nil, newError(KindInvalidStateForTransfer, "state %s has no forward handoff", token.State).
			with("current_state", string(token.State))
	}
	if err := custody.ValidateTransition(token.State, nextState); err != nil {
		return nil, newError(KindInvalidTransition, "%s -> %s is not a legal transition", token.State, nextState).
			with("current_state", string(token.State)).
			with("next_state", string(nextState))
	}

	transferPayload := map[string]any{
		"challenge_id":     ch.ChallengeID,
		"custody_token_id": token.CustodyTokenID,
		"from_wallet_id":   ch.FromWalletID,
		"to_wallet_id":     toWallet.WalletID,
		"new_state":        string(nextState),
		"accepted_at":      in.AcceptedAt,
	}
	payloadHash, _, err := canonhash.SumHex(transferPayload)
	if err != nil {
		return nil, err
	}
	ev := ledger.Event{
		Type:           ledger.TypeHandoffCompleted,
		AssetID:        token.AssetID,
		CustodyTokenID: token.CustodyTokenID,
		Payload: ledger.HandoffCompleted{
			ChallengeID:      ch.ChallengeID,
			CustodyTokenID:   token.CustodyTokenID,
			FromWalletID:     ch.FromWalletID,
			ToWalletID:       toWallet.WalletID,
			NewState:         string(nextState),
			AcceptedAt:       in.AcceptedAt,
			CanonicalHashHex: payloadHash,
		},
		CorrelationID:  "cor_" + p.NewID(),
		IdempotencyKey: "transfer-accept-" + ch.ChallengeID,
		CreatedAt:      now,
		SchemaVersion:  ledger.SchemaVersion,
	}

	updated, outboxID, err := p.Store.CommitTransfer(ctx, CommitTransferParams{
		ChallengeID:          ch.ChallengeID,
		NewCustodianWalletID: toWallet.WalletID,
		NewState:             nextState,
		AcceptedAt:           acceptedAt.UTC(),
		ToSignatureHex:       in.ToSignatureHex,
		Geo:                  in.Geo,
		Event:                ev,
	})
	if err != nil {
		if errors.Is(err, ErrChallengeNotPending) {
			// Lost the acceptance race; report the status the winner left.
			if current, gerr := p.Store.GetChallenge(ctx, ch.ChallengeID); gerr == nil && current != nil {
				return nil, challengeStatusError(current.Status)
			}
			return nil, challengeStatusError(domain.ChallengeAccepted)
		}
		return nil, err
	}

	result := &AcceptResult{
		CustodyTokenID:    updated.CustodyTokenID,
		NewState:          updated.State,
		CustodianWalletID: updated.CustodianWalletID,
		HandoffCount:      updated.HandoffCount,
	}
	if receipt := p.Ledger.TryDeliver(ctx, outboxID); receipt != nil {
		result.LedgerEventID = receipt.LedgerEventID
	}

	_ = p.Store.AppendAudit(ctx, domain.AuditEntry{
		Action:       "HANDOFF_COMPLETED",
		ResourceType: "custody_token",
		ResourceID:   token.CustodyTokenID,
		ActorID:      toWallet.WalletID,
		Details:      transferPayload,
		CreatedAt:    now,
	})
	return result, nil
}

type ResolveInput struct {
	CustodyTokenID string
	Reason         string
	ActorWalletID  string
}

type ResolveResult struct {
	CustodyTokenID string        `json:"custody_token_id"`
	PreviousState  custody.State `json:"previous_state"`
	NewState       custody.State `json:"new_state"`
	LedgerEventID  string        `json:"ledger_event_id,omitempty"`
}

// Resolve closes a custody token through the explicit resolution step.
// CLOSED is reachable only from OFFERED, DELIVERED, or DISPUTED.
func (p *Protocol) Resolve(ctx context.Context, in ResolveInput) (*ResolveResult, error) {
	if in.Reason == "" {
		return nil, newError(KindInvalidInput, "resolution reason is required")
	}
	token, err := p.Store.GetToken(ctx, in.CustodyTokenID)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, newError(KindTokenNotFound, "custody token %s not found", in.CustodyTokenID)
	}
	if err := custody.ValidateTransition(token.State, custody.StateClosed); err != nil {
		return nil, newError(KindInvalidTransition, "%s -> %s is not a legal transition", token.State, custody.StateClosed).
			with("current_state", string(token.State)).
			with("next_state", string(custody.StateClosed))
	}

	now := p.Now().UTC()
	closePayload := map[string]any{
		"custody_token_id": token.CustodyTokenID,
		"previous_state":   string(token.State),
		"reason":           in.Reason,
	}
	payloadHash, _, err := canonhash.SumHex(closePayload)
	if err != nil {
		return nil, err
	}
	ev := ledger.Event{
		Type:           ledger.TypeCustodyClosed,
		AssetID:        token.AssetID,
		CustodyTokenID: token.CustodyTokenID,
		Payload: ledger.CustodyClosed{
			CustodyTokenID:   token.CustodyTokenID,
			PreviousState:    string(token.State),
			Reason:           in.Reason,
			CanonicalHashHex: payloadHash,
		},
		CorrelationID:  "cor_" + p.NewID(),
		IdempotencyKey: "custody-close-" + token.CustodyTokenID,
		CreatedAt:      now,
		SchemaVersion:  ledger.SchemaVersion,
	}

	updated, outboxID, err := p.Store.CloseToken(ctx, CloseTokenParams{
		CustodyTokenID: token.CustodyTokenID,
		ExpectedState:  token.State,
		Reason:         in.Reason,
		Event:          ev,
	})
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil, newError(KindInvalidTransition, "token %s changed state concurrently", token.CustodyTokenID).
				with("custody_token_id", token.CustodyTokenID)
		}
		return nil, err
	}

	result := &ResolveResult{
		CustodyTokenID: updated.CustodyTokenID,
		PreviousState:  token.State,
		NewState:       updated.State,
	}
	if receipt := p.Ledger.TryDeliver(ctx, outboxID); receipt != nil {
		result.LedgerEventID = receipt.LedgerEventID
	}

	_ = p.Store.AppendAudit(ctx, domain.AuditEntry{
		Action:       "CUSTODY_CLOSED",
		ResourceType: "custody_token",
		ResourceID:   token.CustodyTokenID,
		ActorID:      in.ActorWalletID,
		Details:      closePayload,
		CreatedAt:    now,
	})
	return result, nil
}

func challengeStatusError(status domain.ChallengeStatus) *Error {
	switch status {
	case domain.ChallengeAccepted:
		return newError(KindChallengeAccepted, "challenge already accepted")
	case domain.ChallengeExpired:
		return newError(KindChallengeExpired, "challenge expired")
	case domain.ChallengeRejected:
		return newError(KindChallengeRejected, "challenge rejected")
	}
	return newError(KindChallengeNotFound, "challenge in unexpected status %s", status)
}
