package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/terryholliday/proveniq-transit/internal/domain"
	"github.com/terryholliday/proveniq-transit/internal/protocol"
	"github.com/terryholliday/proveniq-transit/pkg/custody"
	"github.com/terryholliday/proveniq-transit/pkg/ledger"
)

var ErrWalletExists = errors.New("wallet id already registered")

// Memory is the in-process store. It implements the same contracts as
// Postgres (protocol store, wallet lookup, anchor store, outbox queue)
// with one mutex standing in for the database's constraints.
type Memory struct {
	mu           sync.Mutex
	wallets      map[string]*domain.Wallet
	shipments    map[string]*domain.Shipment
	tokens       map[string]*domain.CustodyToken
	tokenByAsset map[string]string
	challenges   map[string]*domain.HandoffChallenge
	anchorEvents map[string]*domain.AnchorEvent
	audit        []domain.AuditEntry
	outbox       map[int64]*domain.OutboxEntry
	nextOutboxID int64

	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		wallets:      make(map[string]*domain.Wallet),
		shipments:    make(map[string]*domain.Shipment),
		tokens:       make(map[string]*domain.CustodyToken),
		tokenByAsset: make(map[string]string),
		challenges:   make(map[string]*domain.HandoffChallenge),
		anchorEvents: make(map[string]*domain.AnchorEvent),
		outbox:       make(map[int64]*domain.OutboxEntry),
		Now:          time.Now,
	}
}

// --- wallets ---

func (m *Memory) CreateWallet(_ context.Context, w *domain.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.WalletID]; ok {
		return ErrWalletExists
	}
	cp := *w
	m.wallets[w.WalletID] = &cp
	return nil
}

func (m *Memory) LookupWallet(_ context.Context, walletID string) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) ListWallets(_ context.Context, ownerType, status string) ([]domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Wallet
	for _, w := range m.wallets {
		if ownerType != "" && string(w.OwnerType) != ownerType {
			continue
		}
		if status != "" && string(w.Status) != status {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletID < out[j].WalletID })
	return out, nil
}

// --- shipments and tokens ---

func (m *Memory) CreateShipment(_ context.Context, sh *domain.Shipment, token *domain.CustodyToken, ev ledger.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shCp := *sh
	tkCp := *token
	m.shipments[sh.ShipmentNumber] = &shCp
	m.tokens[token.CustodyTokenID] = &tkCp
	m.tokenByAsset[token.AssetID] = token.CustodyTokenID
	return m.enqueueLocked(ev), nil
}

func (m *Memory) GetShipment(_ context.Context, shipmentNumber string) (*domain.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.shipments[shipmentNumber]
	if !ok {
		return nil, nil
	}
	cp := *sh
	return &cp, nil
}

func (m *Memory) GetToken(_ context.Context, custodyTokenID string) (*domain.CustodyToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[custodyTokenID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) GetTokenByAsset(_ context.Context, assetID string) (*domain.CustodyToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokenByAsset[assetID]
	if !ok {
		return nil, nil
	}
	cp := *m.tokens[id]
	return &cp, nil
}

// --- challenges ---

func (m *Memory) GetChallenge(_ context.Context, challengeID string) (*domain.HandoffChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[challengeID]
	if !ok {
		return nil, nil
	}
	cp := *ch
	return &cp, nil
}

func (m *Memory) CreateChallenge(_ context.Context, ch *domain.HandoffChallenge, ev ledger.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now().UTC()
	for _, existing := range m.challenges {
		if existing.CustodyTokenID == ch.CustodyTokenID &&
			existing.Status == domain.ChallengePending &&
			existing.ExpiresAt.After(now) {
			return 0, protocol.ErrDuplicatePending
		}
	}
	cp := *ch
	m.challenges[ch.ChallengeID] = &cp
	return m.enqueueLocked(ev), nil
}

func (m *Memory) ExpireChallenge(_ context.Context, challengeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[challengeID]
	if !ok || ch.Status != domain.ChallengePending {
		return false, nil
	}
	ch.Status = domain.ChallengeExpired
	return true, nil
}

func (m *Memory) CommitTransfer(_ context.Context, p protocol.CommitTransferParams) (*domain.CustodyToken, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.challenges[p.ChallengeID]
	if !ok || ch.Status != domain.ChallengePending {
		return nil, 0, protocol.ErrChallengeNotPending
	}
	token, ok := m.tokens[ch.CustodyTokenID]
	if !ok {
		return nil, 0, errors.New("custody token missing for challenge")
	}

	acceptedAt := p.AcceptedAt
	ch.Status = domain.ChallengeAccepted
	ch.ToSignatureHex = p.ToSignatureHex
	ch.AcceptedAt = &acceptedAt

	token.CustodianWalletID = p.NewCustodianWalletID
	token.State = p.NewState
	token.HandoffCount++
	token.LastTransitionAt = m.Now().UTC()

	m.applyShipmentStateLocked(token, p.NewState)

	cp := *token
	return &cp, m.enqueueLocked(p.Event), nil
}

func (m *Memory) CloseToken(_ context.Context, p protocol.CloseTokenParams) (*domain.CustodyToken, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[p.CustodyTokenID]
	if !ok || token.State != p.ExpectedState {
		return nil, 0, protocol.ErrStaleState
	}
	token.State = custody.StateClosed
	token.LastTransitionAt = m.Now().UTC()
	m.applyShipmentStateLocked(token, custody.StateClosed)

	cp := *token
	return &cp, m.enqueueLocked(p.Event), nil
}

// ForceDispute flips an in-transit token to DISPUTED on critical anchor
// impact. CAS on the IN_TRANSIT state; anything else reports ErrStaleState.
func (m *Memory) ForceDispute(_ context.Context, custodyTokenID string, ev ledger.Event) (*domain.CustodyToken, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[custodyTokenID]
	if !ok || token.State != custody.StateTransit {
		return nil, 0, protocol.ErrStaleState
	}
	token.State = custody.StateDisputed
	token.LastTransitionAt = m.Now().UTC()
	m.applyShipmentStateLocked(token, custody.StateDisputed)

	cp := *token
	return &cp, m.enqueueLocked(ev), nil
}

func (m *Memory) applyShipmentStateLocked(token *domain.CustodyToken, next custody.State) {
	sh, ok := m.shipments[token.ShipmentNumber]
	if !ok {
		return
	}
	switch next {
	case custody.StateTransit:
		sh.Status = domain.ShipmentInTransit
	case custody.StateDelivered:
		sh.Status = domain.ShipmentDelivered
	case custody.StateDisputed:
		sh.Status = domain.ShipmentDisputed
	case custody.StateClosed:
		sh.Status = domain.ShipmentClosed
	}
}

// --- anchor events ---

func (m *Memory) InsertAnchorEvent(_ context.Context, ev *domain.AnchorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.anchorEvents[ev.AnchorEventID] = &cp
	return nil
}

func (m *Memory) MarkAnchorEventProcessed(_ context.Context, anchorEventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.anchorEvents[anchorEventID]
	if !ok {
		return errors.New("anchor event not found")
	}
	ev.Processed = true
	ev.ProcessedAt = &at
	return nil
}

// ActiveTokensByAnchor resolves an anchor id to the non-terminal custody
// tokens bound to it.
func (m *Memory) ActiveTokensByAnchor(_ context.Context, anchorID string) ([]domain.CustodyToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CustodyToken
	for _, t := range m.tokens {
		if t.AnchorID == anchorID && !custody.IsTerminal(t.State) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustodyTokenID < out[j].CustodyTokenID })
	return out, nil
}

func (m *Memory) ArmShipmentSeal(_ context.Context, anchorID, sealID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sh := range m.shipments {
		if sh.AnchorID != anchorID {
			continue
		}
		sh.AnchorStatus = domain.AnchorArmed
		sh.SealID = sealID
		if sh.Status == domain.ShipmentCreated {
			sh.Status = domain.ShipmentSealed
		}
	}
	return nil
}

func (m *Memory) MarkSealBroken(_ context.Context, anchorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sh := range m.shipments {
		if sh.AnchorID == anchorID {
			sh.AnchorStatus = domain.AnchorBroken
		}
	}
	return nil
}

// --- audit ---

func (m *Memory) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// AuditEntries returns a copy of the audit trail, oldest first.
func (m *Memory) AuditEntries() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// --- ledger outbox ---

func (m *Memory) enqueueLocked(ev ledger.Event) int64 {
	m.nextOutboxID++
	m.outbox[m.nextOutboxID] = &domain.OutboxEntry{
		ID:            m.nextOutboxID,
		Event:         ev,
		NextAttemptAt: m.Now().UTC(),
	}
	return m.nextOutboxID
}

// EnqueueEvent queues a ledger event with no accompanying state change.
func (m *Memory) EnqueueEvent(_ context.Context, ev ledger.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueLocked(ev), nil
}

func (m *Memory) GetOutboxEntry(_ context.Context, id int64) (*domain.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) PendingOutbox(_ context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxEntry
	for _, e := range m.outbox {
		if e.DeliveredAt == nil && !e.NextAttemptAt.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkOutboxDelivered(_ context.Context, id int64, receipt ledger.Receipt, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok {
		return errors.New("outbox entry not found")
	}
	e.DeliveredAt = &at
	e.Receipt = &receipt
	return nil
}

func (m *Memory) RescheduleOutbox(_ context.Context, id int64, attempts int, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok {
		return errors.New("outbox entry not found")
	}
	e.Attempts = attempts
	e.NextAttemptAt = next
	return nil
}
