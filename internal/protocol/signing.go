package protocol

import (
	"time"

	"github.com/terryholliday/proveniq-transit/internal/domain"
	"github.com/terryholliday/proveniq-transit/pkg/canonhash"
)

// Canonical signing forms. Signature fields are never part of the signed
// bytes: each form is a dedicated unsigned struct, so the circularity of
// signing a record that contains its own signature cannot arise.

type unsignedChallenge struct {
	ChallengeID    string `json:"challenge_id"`
	CustodyTokenID string `json:"custody_token_id"`
	FromWalletID   string `json:"from_wallet_id"`
	ToWalletID     string `json:"to_wallet_id"`
	Nonce          string `json:"nonce"`
	ExpiresAt      string `json:"expires_at"`
}

type unsignedAcceptance struct {
	ChallengeID string `json:"challenge_id"`
	ToWalletID  string `json:"to_wallet_id"`
	AcceptedAt  string `json:"accepted_at"`
}

// WireTime is the timestamp encoding used inside signed forms. Expiries are
// truncated to whole seconds at issuance so the stored value round-trips
// byte-identically through any timestamp column.
func WireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ChallengeSigningBytes is the canonical form the from-wallet signs when
// proposing a handoff.
func ChallengeSigningBytes(ch *domain.HandoffChallenge) ([]byte, error) {
	return canonhash.Canonicalize(unsignedChallenge{
		ChallengeID:    ch.ChallengeID,
		CustodyTokenID: ch.CustodyTokenID,
		FromWalletID:   ch.FromWalletID,
		ToWalletID:     ch.ToWalletID,
		Nonce:          ch.Nonce,
		ExpiresAt:      WireTime(ch.ExpiresAt),
	})
}

// AcceptanceSigningBytes is the canonical form the to-wallet signs when
// accepting. acceptedAt is the caller's exact wire string; re-encoding it
// server-side could change the signed bytes.
func AcceptanceSigningBytes(challengeID, toWalletID, acceptedAt string) ([]byte, error) {
	return canonhash.Canonicalize(unsignedAcceptance{
		ChallengeID: challengeID,
		ToWalletID:  toWalletID,
		AcceptedAt:  acceptedAt,
	})
}
