package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/terryholliday/proveniq-transit/internal/domain"
	"github.com/terryholliday/proveniq-transit/internal/protocol"
	"github.com/terryholliday/proveniq-transit/pkg/custody"
	"github.com/terryholliday/proveniq-transit/pkg/ledger"
)

func seedMemory(t *testing.T) (*Memory, time.Time) {
	t.Helper()
	m := NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	for _, id := range []string{"wlt_a", "wlt_b"} {
		if err := m.CreateWallet(ctx, &domain.Wallet{
			WalletID:     id,
			OwnerType:    domain.OwnerCarrier,
			OwnerName:    id,
			PublicKeyPEM: "unused",
			Status:       domain.WalletActive,
			CreatedAt:    now,
		}); err != nil {
			t.Fatalf("CreateWallet: %v", err)
		}
	}
	sh := &domain.Shipment{
		ShipmentNumber:    "shp_1",
		AssetID:           "asset_1",
		SenderWalletID:    "wlt_a",
		RecipientWalletID: "wlt_b",
		Status:            domain.ShipmentCreated,
		CreatedAt:         now,
	}
	token := &domain.CustodyToken{
		CustodyTokenID:    "ctk_1",
		AssetID:           "asset_1",
		ShipmentNumber:    "shp_1",
		CustodianWalletID: "wlt_a",
		State:             custody.StateOffered,
		LastTransitionAt:  now,
		CreatedAt:         now,
	}
	if _, err := m.CreateShipment(ctx, sh, token, seedEvent("shipment-create-shp_1")); err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	return m, now
}

func seedEvent(key string) ledger.Event {
	return ledger.Event{
		Type:           ledger.TypeShipmentCreated,
		AssetID:        "asset_1",
		Payload:        ledger.ShipmentCreated{ShipmentNumber: "shp_1", AssetID: "asset_1"},
		CorrelationID:  "cor_1",
		IdempotencyKey: key,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SchemaVersion:  ledger.SchemaVersion,
	}
}

func pendingChallenge(id string, expiresAt time.Time) *domain.HandoffChallenge {
	return &domain.HandoffChallenge{
		ChallengeID:      id,
		CustodyTokenID:   "ctk_1",
		FromWalletID:     "wlt_a",
		ToWalletID:       "wlt_b",
		Nonce:            "aa",
		ExpiresAt:        expiresAt,
		FromSignatureHex: "sig",
		Status:           domain.ChallengePending,
		CreatedAt:        expiresAt.Add(-time.Hour),
	}
}

func TestCreateWalletRejectsDuplicateID(t *testing.T) {
	m, now := seedMemory(t)
	err := m.CreateWallet(context.Background(), &domain.Wallet{
		WalletID:     "wlt_a",
		OwnerType:    domain.OwnerCarrier,
		OwnerName:    "again",
		PublicKeyPEM: "unused",
		Status:       domain.WalletActive,
		CreatedAt:    now,
	})
	if !errors.Is(err, ErrWalletExists) {
		t.Fatalf("err = %v, want ErrWalletExists", err)
	}
}

func TestCreateChallengeDuplicatePendingGuard(t *testing.T) {
	m, now := seedMemory(t)
	ctx := context.Background()

	if _, err := m.CreateChallenge(ctx, pendingChallenge("chl_1", now.Add(time.Hour)), seedEvent("c1")); err != nil {
		t.Fatalf("first CreateChallenge: %v", err)
	}
	_, err := m.CreateChallenge(ctx, pendingChallenge("chl_2", now.Add(time.Hour)), seedEvent("c2"))
	if !errors.Is(err, protocol.ErrDuplicatePending) {
		t.Fatalf("err = %v, want ErrDuplicatePending", err)
	}
}

func TestCreateChallengeIgnoresExpiredPending(t *testing.T) {
	m, now := seedMemory(t)
	ctx := context.Background()

	// A pending challenge that is already past expiry does not block a
	// fresh one.
	if _, err := m.CreateChallenge(ctx, pendingChallenge("chl_1", now.Add(-time.Minute)), seedEvent("c1")); err != nil {
		t.Fatalf("stale CreateChallenge: %v", err)
	}
	if _, err := m.CreateChallenge(ctx, pendingChallenge("chl_2", now.Add(time.Hour)), seedEvent("c2")); err != nil {
		t.Fatalf("fresh CreateChallenge: %v", err)
	}
}

func TestExpireChallengeIsCAS(t *testing.T) {
	m, now := seedMemory(t)
	ctx := context.Background()

	if _, err := m.CreateChallenge(ctx, pendingChallenge("chl_1", now.Add(time.Hour)), seedEvent("c1")); err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	won, err := m.ExpireChallenge(ctx, "chl_1")
	if err != nil || !won {
		t.Fatalf("first expire = (%v, %v), want (true, nil)", won, err)
	}
	won, err = m.ExpireChallenge(ctx, "chl_1")
	if err != nil || won {
		t.Fatalf("second expire = (%v, %v), want (false, nil)", won, err)
	}
}

func TestCommitTransferRequiresPendingChallenge(t *testing.T) {
	m, now := seedMemory(t)
	ctx := context.Background()

	if _, err := m.CreateChallenge(ctx, pendingChallenge("chl_1", now.Add(time.Hour)), seedEvent("c1")); err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	params := protocol.CommitTransferParams{
		ChallengeID:          "chl_1",
		NewCustodianWalletID: "wlt_b",
		NewState:             custody.StateTransit,
		AcceptedAt:           now,
		ToSignatureHex:       "sig2",
		Event:                seedEvent("t1"),
	}
	token, _, err := m.CommitTransfer(ctx, params)
	if err != nil {
		t.Fatalf("CommitTransfer: %v", err)
	}
	if token.State != custody.StateTransit || token.CustodianWalletID != "wlt_b" || token.HandoffCount != 1 {
		t.Fatalf("token after transfer: %#v", token)
	}
	sh, _ := m.GetShipment(ctx, "shp_1")
	if sh.Status != domain.ShipmentInTransit {
		t.Fatalf("shipment status = %s, want IN_TRANSIT", sh.Status)
	}

	_, _, err = m.CommitTransfer(ctx, params)
	if !errors.Is(err, protocol.ErrChallengeNotPending) {
		t.Fatalf("replay err = %v, want ErrChallengeNotPending", err)
	}
}

func TestForceDisputeOnlyFromTransit(t *testing.T) {
	m, _ := seedMemory(t)
	ctx := context.Background()

	_, _, err := m.ForceDispute(ctx, "ctk_1", seedEvent("d1"))
	if !errors.Is(err, protocol.ErrStaleState) {
		t.Fatalf("dispute from OFFERED err = %v, want ErrStaleState", err)
	}
}

func TestGetTokenByAsset(t *testing.T) {
	m, _ := seedMemory(t)
	ctx := context.Background()

	token, err := m.GetTokenByAsset(ctx, "asset_1")
	if err != nil || token == nil || token.CustodyTokenID != "ctk_1" {
		t.Fatalf("GetTokenByAsset = (%#v, %v)", token, err)
	}
	missing, err := m.GetTokenByAsset(ctx, "asset_nope")
	if err != nil || missing != nil {
		t.Fatalf("missing asset = (%#v, %v), want (nil, nil)", missing, err)
	}
}
