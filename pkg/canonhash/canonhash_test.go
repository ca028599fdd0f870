package canonhash

import (
	"bytes"
	"testing"
)

func TestCanonicalizeInsertionOrderIndependent(t *testing.T) {
	a := map[string]any{
		"b": 2,
		"a": map[string]any{"y": 2, "x": 1},
	}
	b := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": 2,
	}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Fatalf("expected identical canonical bytes, got %s vs %s", ca, cb)
	}
}

func TestCanonicalizeSortsKeysAtEveryDepth(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"z": map[string]any{"b": 1, "a": []any{map[string]any{"k2": 1, "k1": 2}}},
		"a": "v",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := `{"a":"v","z":{"a":[{"k1":2,"k2":1}],"b":1}}`
	if string(got) != want {
		t.Fatalf("canonical mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestCanonicalizeStructAndMapAgree(t *testing.T) {
	type acceptance struct {
		ChallengeID string `json:"challenge_id"`
		ToWalletID  string `json:"to_wallet_id"`
		AcceptedAt  string `json:"accepted_at"`
	}
	fromStruct, err := Canonicalize(acceptance{
		ChallengeID: "chl_1",
		ToWalletID:  "wlt_2",
		AcceptedAt:  "2026-01-02T03:04:05Z",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	fromMap, err := Canonicalize(map[string]any{
		"accepted_at":  "2026-01-02T03:04:05Z",
		"challenge_id": "chl_1",
		"to_wallet_id": "wlt_2",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !bytes.Equal(fromStruct, fromMap) {
		t.Fatalf("struct and map canonical forms differ: %s vs %s", fromStruct, fromMap)
	}
}

func TestSumHexChangesWhenStateChanges(t *testing.T) {
	ha, _, err := SumHex(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hb, _, err := SumHex(map[string]any{"a": 2})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ha == hb {
		t.Fatalf("expected different hashes")
	}
	if len(ha) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(ha))
	}
}

func TestCanonicalizePreservesNumberLiterals(t *testing.T) {
	got, err := Canonicalize(map[string]any{"lat_e7": 377749295, "lon_e7": -1224194155})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := `{"lat_e7":377749295,"lon_e7":-1224194155}`
	if string(got) != want {
		t.Fatalf("canonical mismatch:\n got %s\nwant %s", got, want)
	}
}
