package protocol_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/terryholliday/proveniq-transit/internal/domain"
	"github.com/terryholliday/proveniq-transit/internal/outbox"
	"github.com/terryholliday/proveniq-transit/internal/protocol"
	"github.com/terryholliday/proveniq-transit/internal/store"
	"github.com/terryholliday/proveniq-transit/pkg/custody"
	"github.com/terryholliday/proveniq-transit/pkg/ledger"
	"github.com/terryholliday/proveniq-transit/pkg/signature"
)

const testNonce = "6f1e8a3b6f1e8a3b6f1e8a3b6f1e8a3b6f1e8a3b6f1e8a3b6f1e8a3b6f1e8a3b"

type fixture struct {
	proto *protocol.Protocol
	mem   *store.Memory
	sink  *ledger.MemorySink

	now  time.Time
	seq  int64
	keys map[string]string // wallet id -> private key PEM
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:  store.NewMemory(),
		sink: ledger.NewMemorySink(),
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		keys: make(map[string]string),
	}
	flusher := outbox.NewFlusher(f.mem, f.sink, time.Second, 10)
	f.proto = protocol.New(f.mem, f.mem, flusher)
	f.mem.Now = func() time.Time { return f.now }
	f.proto.Now = func() time.Time { return f.now }
	f.proto.NewID = func() string {
		return fmt.Sprintf("%04d", atomic.AddInt64(&f.seq, 1))
	}
	f.proto.NewNonce = func() (string, error) { return testNonce, nil }

	ctx := context.Background()
	for _, id := range []string{"wlt_1", "wlt_2", "wlt_3"} {
		pub, priv, err := signature.GenerateKeyPEM()
		if err != nil {
			t.Fatalf("GenerateKeyPEM: %v", err)
		}
		f.keys[id] = priv
		if err := f.mem.CreateWallet(ctx, &domain.Wallet{
			WalletID:     id,
			OwnerType:    domain.OwnerCarrier,
			OwnerName:    id,
			PublicKeyPEM: pub,
			Status:       domain.WalletActive,
			CreatedAt:    f.now,
		}); err != nil {
			t.Fatalf("CreateWallet %s: %v", id, err)
		}
	}

	token := &domain.CustodyToken{
		CustodyTokenID:    "ctk_1",
		AssetID:           "asset_1",
		ShipmentNumber:    "shp_1",
		AnchorID:          "anc_1",
		CustodianWalletID: "wlt_1",
		State:             custody.StateOffered,
		LastTransitionAt:  f.now,
		CreatedAt:         f.now,
	}
	sh := &domain.Shipment{
		ShipmentNumber:    "shp_1",
		AssetID:           "asset_1",
		SenderWalletID:    "wlt_1",
		RecipientWalletID: "wlt_2",
		AnchorID:          "anc_1",
		Status:            domain.ShipmentCreated,
		CreatedAt:         f.now,
	}
	ev := ledger.Event{
		Type:           ledger.TypeShipmentCreated,
		AssetID:        "asset_1",
		CustodyTokenID: "ctk_1",
		Payload:        ledger.ShipmentCreated{ShipmentNumber: "shp_1", AssetID: "asset_1", CustodyTokenID: "ctk_1"},
		CorrelationID:  "cor_seed",
		IdempotencyKey: "shipment-create-shp_1",
		CreatedAt:      f.now,
		SchemaVersion:  ledger.SchemaVersion,
	}
	if _, err := f.mem.CreateShipment(ctx, sh, token, ev); err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	return f
}

// fromSignature pre-computes the custodian's signature over the challenge
// the next IssueChallenge call will mint, using the deterministic id,
// nonce, and clock hooks.
func (f *fixture) fromSignature(t *testing.T, signerWallet, toWallet string, ttl time.Duration) string {
	t.Helper()
	ctx := context.Background()
	token, err := f.mem.GetToken(ctx, "ctk_1")
	if err != nil || token == nil {
		t.Fatalf("GetToken: %v", err)
	}
	if ttl == 0 {
		ttl = protocol.DefaultChallengeTTL
	}
	pending := &domain.HandoffChallenge{
		ChallengeID:    fmt.Sprintf("chl_%04d", atomic.LoadInt64(&f.seq)+1),
		CustodyTokenID: token.CustodyTokenID,
		FromWalletID:   token.CustodianWalletID,
		ToWalletID:     toWallet,
		Nonce:          testNonce,
		ExpiresAt:      f.now.UTC().Add(ttl).Truncate(time.Second),
	}
	bytes, err := protocol.ChallengeSigningBytes(pending)
	if err != nil {
		t.Fatalf("ChallengeSigningBytes: %v", err)
	}
	sig, err := signature.SignHex(f.keys[signerWallet], bytes)
	if err != nil {
		t.Fatalf("SignHex: %v", err)
	}
	return sig
}

func (f *fixture) issue(t *testing.T, toWallet string) *domain.HandoffChallenge {
	t.Helper()
	token, _ := f.mem.GetToken(context.Background(), "ctk_1")
	sig := f.fromSignature(t, token.CustodianWalletID, toWallet, 0)
	ch, err := f.proto.IssueChallenge(context.Background(), protocol.IssueChallengeInput{
		CustodyTokenID:   "ctk_1",
		ToWalletID:       toWallet,
		FromSignatureHex: sig,
	})
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	return ch
}

func (f *fixture) acceptInput(t *testing.T, ch *domain.HandoffChallenge, acceptorWallet string) protocol.AcceptChallengeInput {
	t.Helper()
	acceptedAt := protocol.WireTime(f.now)
	bytes, err := protocol.AcceptanceSigningBytes(ch.ChallengeID, acceptorWallet, acceptedAt)
	if err != nil {
		t.Fatalf("AcceptanceSigningBytes: %v", err)
	}
	sig, err := signature.SignHex(f.keys[acceptorWallet], bytes)
	if err != nil {
		t.Fatalf("SignHex: %v", err)
	}
	return protocol.AcceptChallengeInput{
		ChallengeID:    ch.ChallengeID,
		ToWalletID:     acceptorWallet,
		AcceptedAt:     acceptedAt,
		ToSignatureHex: sig,
	}
}

func TestIssueAndAcceptAdvancesCustody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch := f.issue(t, "wlt_2")
	if ch.Status != domain.ChallengePending {
		t.Fatalf("challenge status = %s, want PENDING", ch.Status)
	}
	if ch.FromWalletID != "wlt_1" || ch.ToWalletID != "wlt_2" {
		t.Fatalf("unexpected parties: %s -> %s", ch.FromWalletID, ch.ToWalletID)
	}
	if ch.LedgerEventID == "" {
		t.Fatalf("expected inline ledger delivery for challenge creation")
	}

	res, err := f.proto.AcceptChallenge(ctx, f.acceptInput(t, ch, "wlt_2"))
	if err != nil {
		t.Fatalf("AcceptChallenge: %v", err)
	}
	if res.NewState != custody.StateTransit {
		t.Fatalf("new state = %s, want IN_TRANSIT", res.NewState)
	}
	if res.CustodianWalletID != "wlt_2" {
		t.Fatalf("custodian = %s, want wlt_2", res.CustodianWalletID)
	}
	if res.HandoffCount != 1 {
		t.Fatalf("handoff count = %d, want 1", res.HandoffCount)
	}
	if res.LedgerEventID == "" {
		t.Fatalf("expected inline ledger delivery for handoff")
	}

	stored, err := f.mem.GetChallenge(ctx, ch.ChallengeID)
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	if stored.Status != domain.ChallengeAccepted {
		t.Fatalf("stored challenge status = %s, want ACCEPTED", stored.Status)
	}

	events, err := f.sink.StreamFor(ctx, "asset_1")
	if err != nil {
		t.Fatalf("StreamFor: %v", err)
	}
	var completed *ledger.HandoffCompleted
	for _, ev := range events {
		if ev.Type == ledger.TypeHandoffCompleted {
			p := ev.Payload.(ledger.HandoffCompleted)
			completed = &p
			if ev.IdempotencyKey != "transfer-accept-"+ch.ChallengeID {
				t.Fatalf("idempotency key = %s", ev.IdempotencyKey)
			}
		}
	}
	if completed == nil {
		t.Fatalf("no TRANSIT_HANDOFF_COMPLETED on the ledger")
	}
	if completed.NewState != "IN_TRANSIT" || completed.ToWalletID != "wlt_2" {
		t.Fatalf("unexpected handoff payload: %#v", completed)
	}
}

func TestSecondAcceptLosesWithAcceptedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch := f.issue(t, "wlt_2")
	in := f.acceptInput(t, ch, "wlt_2")
	if _, err := f.proto.AcceptChallenge(ctx, in); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, err := f.proto.AcceptChallenge(ctx, in)
	if !protocol.IsKind(err, protocol.KindChallengeAccepted) {
		t.Fatalf("second accept error = %v, want CHALLENGE_ACCEPTED", err)
	}
}

func TestExpiredChallengeRejectedAndMarked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch := f.issue(t, "wlt_2")
	f.now = ch.ExpiresAt.Add(time.Minute)

	_, err := f.proto.AcceptChallenge(ctx, f.acceptInput(t, ch, "wlt_2"))
	if !protocol.IsKind(err, protocol.KindChallengeExpired) {
		t.Fatalf("accept error = %v, want CHALLENGE_EXPIRED", err)
	}
	stored, err := f.mem.GetChallenge(ctx, ch.ChallengeID)
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	if stored.Status != domain.ChallengeExpired {
		t.Fatalf("stored status = %s, want EXPIRED", stored.Status)
	}
	token, _ := f.mem.GetToken(ctx, "ctk_1")
	if token.State != custody.StateOffered || token.HandoffCount != 0 {
		t.Fatalf("token moved on an expired challenge: %#v", token)
	}
}

func TestTamperedChallengeSignatureBlocksAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Challenge carries a signature from the wrong key; the acceptance-time
	// re-verification must catch it.
	sig := f.fromSignature(t, "wlt_3", "wlt_2", 0)
	ch, err := f.proto.IssueChallenge(ctx, protocol.IssueChallengeInput{
		CustodyTokenID:   "ctk_1",
		ToWalletID:       "wlt_2",
		FromSignatureHex: sig,
	})
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}

	_, err = f.proto.AcceptChallenge(ctx, f.acceptInput(t, ch, "wlt_2"))
	if !protocol.IsKind(err, protocol.KindInvalidFromSignature) {
		t.Fatalf("accept error = %v, want INVALID_FROM_SIGNATURE_ON_CHALLENGE", err)
	}
	token, _ := f.mem.GetToken(ctx, "ctk_1")
	if token.State != custody.StateOffered {
		t.Fatalf("token state = %s, want OFFERED", token.State)
	}
}

func TestInvalidAcceptanceSignature(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t, "wlt_2")

	in := f.acceptInput(t, ch, "wlt_2")
	acceptedAt := protocol.WireTime(f.now)
	bytes, _ := protocol.AcceptanceSigningBytes(ch.ChallengeID, "wlt_2", acceptedAt)
	wrongSig, err := signature.SignHex(f.keys["wlt_3"], bytes)
	if err != nil {
		t.Fatalf("SignHex: %v", err)
	}
	in.ToSignatureHex = wrongSig

	_, err = f.proto.AcceptChallenge(context.Background(), in)
	if !protocol.IsKind(err, protocol.KindInvalidToSignature) {
		t.Fatalf("accept error = %v, want INVALID_TO_SIGNATURE", err)
	}
}

func TestAcceptByWrongWalletIsMismatch(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t, "wlt_2")

	_, err := f.proto.AcceptChallenge(context.Background(), f.acceptInput(t, ch, "wlt_3"))
	if !protocol.IsKind(err, protocol.KindWalletMismatch) {
		t.Fatalf("accept error = %v, want WALLET_MISMATCH", err)
	}
}

func TestDuplicatePendingChallengeRejected(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "wlt_2")

	sig := f.fromSignature(t, "wlt_1", "wlt_3", 0)
	_, err := f.proto.IssueChallenge(context.Background(), protocol.IssueChallengeInput{
		CustodyTokenID:   "ctk_1",
		ToWalletID:       "wlt_3",
		FromSignatureHex: sig,
	})
	if !protocol.IsKind(err, protocol.KindDuplicatePendingChallenge) {
		t.Fatalf("second issue error = %v, want DUPLICATE_PENDING_CHALLENGE", err)
	}
}

func TestIssueTTLBounds(t *testing.T) {
	f := newFixture(t)
	for _, ttl := range []time.Duration{time.Minute, 25 * time.Hour} {
		_, err := f.proto.IssueChallenge(context.Background(), protocol.IssueChallengeInput{
			CustodyTokenID:   "ctk_1",
			ToWalletID:       "wlt_2",
			TTL:              ttl,
			FromSignatureHex: "unchecked",
		})
		if !protocol.IsKind(err, protocol.KindInvalidInput) {
			t.Fatalf("ttl %s error = %v, want INVALID_INPUT", ttl, err)
		}
	}
}

func TestIssueToUnknownOrInactiveWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sig := f.fromSignature(t, "wlt_1", "wlt_missing", 0)
	_, err := f.proto.IssueChallenge(ctx, protocol.IssueChallengeInput{
		CustodyTokenID:   "ctk_1",
		ToWalletID:       "wlt_missing",
		FromSignatureHex: sig,
	})
	if !protocol.IsKind(err, protocol.KindWalletNotFound) {
		t.Fatalf("issue error = %v, want WALLET_NOT_FOUND", err)
	}

	pub, _, err := signature.GenerateKeyPEM()
	if err != nil {
		t.Fatalf("GenerateKeyPEM: %v", err)
	}
	if err := f.mem.CreateWallet(ctx, &domain.Wallet{
		WalletID:     "wlt_frozen",
		OwnerType:    domain.OwnerCarrier,
		OwnerName:    "frozen",
		PublicKeyPEM: pub,
		Status:       domain.WalletSuspended,
		CreatedAt:    f.now,
	}); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	sig = f.fromSignature(t, "wlt_1", "wlt_frozen", 0)
	_, err = f.proto.IssueChallenge(ctx, protocol.IssueChallengeInput{
		CustodyTokenID:   "ctk_1",
		ToWalletID:       "wlt_frozen",
		FromSignatureHex: sig,
	})
	if !protocol.IsKind(err, protocol.KindWalletInactive) {
		t.Fatalf("issue error = %v, want WALLET_INACTIVE", err)
	}
}

func TestMalformedAcceptedAt(t *testing.T) {
	f := newFixture(t)
	ch := f.issue(t, "wlt_2")

	in := f.acceptInput(t, ch, "wlt_2")
	in.AcceptedAt = "yesterday"
	_, err := f.proto.AcceptChallenge(context.Background(), in)
	if !protocol.IsKind(err, protocol.KindInvalidInput) {
		t.Fatalf("accept error = %v, want INVALID_INPUT", err)
	}
}

func TestFullForwardLadderThenResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wantStates := []custody.State{custody.StateTransit, custody.StateDelivery, custody.StateDelivered}
	acceptors := []string{"wlt_2", "wlt_3", "wlt_1"}
	for i, acceptor := range acceptors {
		ch := f.issue(t, acceptor)
		res, err := f.proto.AcceptChallenge(ctx, f.acceptInput(t, ch, acceptor))
		if err != nil {
			t.Fatalf("hop %d accept: %v", i+1, err)
		}
		if res.NewState != wantStates[i] {
			t.Fatalf("hop %d state = %s, want %s", i+1, res.NewState, wantStates[i])
		}
		if res.HandoffCount != i+1 {
			t.Fatalf("hop %d count = %d", i+1, res.HandoffCount)
		}
	}

	res, err := f.proto.Resolve(ctx, protocol.ResolveInput{
		CustodyTokenID: "ctk_1",
		Reason:         "recipient confirmed delivery",
		ActorWalletID:  "wlt_1",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.PreviousState != custody.StateDelivered || res.NewState != custody.StateClosed {
		t.Fatalf("resolve = %s -> %s", res.PreviousState, res.NewState)
	}

	events, err := f.sink.StreamFor(ctx, "asset_1")
	if err != nil {
		t.Fatalf("StreamFor: %v", err)
	}
	var closed bool
	for _, ev := range events {
		if ev.Type == ledger.TypeCustodyClosed {
			closed = true
			p := ev.Payload.(ledger.CustodyClosed)
			if p.Reason != "recipient confirmed delivery" {
				t.Fatalf("close reason = %q", p.Reason)
			}
		}
	}
	if !closed {
		t.Fatalf("no CUSTODY_CLOSED event on the ledger")
	}

	// A closed token admits no further handoffs.
	sig := f.fromSignature(t, "wlt_1", "wlt_2", 0)
	_, err = f.proto.IssueChallenge(ctx, protocol.IssueChallengeInput{
		CustodyTokenID:   "ctk_1",
		ToWalletID:       "wlt_2",
		FromSignatureHex: sig,
	})
	if !protocol.IsKind(err, protocol.KindInvalidStateForTransfer) {
		t.Fatalf("issue on closed token error = %v, want INVALID_STATE_FOR_TRANSFER", err)
	}
}

func TestResolveRequiresReasonAndLegalEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proto.Resolve(ctx, protocol.ResolveInput{CustodyTokenID: "ctk_1"})
	if !protocol.IsKind(err, protocol.KindInvalidInput) {
		t.Fatalf("resolve error = %v, want INVALID_INPUT", err)
	}

	// Move to IN_TRANSIT; CLOSED is not reachable from there.
	ch := f.issue(t, "wlt_2")
	if _, err := f.proto.AcceptChallenge(ctx, f.acceptInput(t, ch, "wlt_2")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = f.proto.Resolve(ctx, protocol.ResolveInput{
		CustodyTokenID: "ctk_1",
		Reason:         "abandon",
	})
	if !protocol.IsKind(err, protocol.KindInvalidTransition) {
		t.Fatalf("resolve error = %v, want INVALID_TRANSITION", err)
	}
}

func TestConcurrentAcceptHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch := f.issue(t, "wlt_2")
	in := f.acceptInput(t, ch, "wlt_2")

	const racers = 8
	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.proto.AcceptChallenge(ctx, in)
			if err == nil {
				atomic.AddInt32(&winners, 1)
				if res.HandoffCount != 1 {
					t.Errorf("winner handoff count = %d, want 1", res.HandoffCount)
				}
				return
			}
			if !protocol.IsKind(err, protocol.KindChallengeAccepted) {
				t.Errorf("loser error = %v, want CHALLENGE_ACCEPTED", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	token, err := f.mem.GetToken(ctx, "ctk_1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if token.HandoffCount != 1 || token.State != custody.StateTransit {
		t.Fatalf("token after race: %#v", token)
	}
}

func TestConcurrentIssueYieldsOnePendingChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Signatures are only verified at acceptance, so the racers can carry
	// placeholders here.
	const racers = 8
	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.proto.IssueChallenge(ctx, protocol.IssueChallengeInput{
				CustodyTokenID:   "ctk_1",
				ToWalletID:       "wlt_2",
				FromSignatureHex: "placeholder",
			})
			if err == nil {
				atomic.AddInt32(&winners, 1)
				return
			}
			if !protocol.IsKind(err, protocol.KindDuplicatePendingChallenge) {
				t.Errorf("loser error = %v, want DUPLICATE_PENDING_CHALLENGE", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestResolveUnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.proto.Resolve(context.Background(), protocol.ResolveInput{
		CustodyTokenID: "ctk_missing",
		Reason:         "noop",
	})
	if !protocol.IsKind(err, protocol.KindTokenNotFound) {
		t.Fatalf("resolve error = %v, want TOKEN_NOT_FOUND", err)
	}
}
