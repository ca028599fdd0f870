// Package webhooks verifies the HMAC signature on the anchor event ingress.
// Anchors sign the raw request body with a shared secret; the service never
// acts on an unverified anchor report.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	Scheme          = "anchor-hmac-sha256/v1"
)

// VerificationResult explains a verdict without leaking the expected MAC.
type VerificationResult struct {
	Valid           bool           `json:"valid"`
	Scheme          string         `json:"scheme"`
	Details         map[string]any `json:"details"`
	ProviderEventID string         `json:"provider_event_id,omitempty"`
}

type Verifier struct {
	secret string
}

func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("webhook verifier secret is empty")
	}
	return &Verifier{secret: secret}, nil
}

// Verify checks the hex HMAC-SHA256 of rawBody in the X-Signature header.
// Malformed or missing signatures fail with diagnostic details rather than
// an error; only configuration problems return an error.
func (v *Verifier) Verify(headers http.Header, rawBody []byte) VerificationResult {
	res := VerificationResult{
		Valid:  false,
		Scheme: Scheme,
		Details: map[string]any{
			"signature_header_present": false,
			"signature_hex_decodable":  false,
			"used_header":              SignatureHeader,
		},
		ProviderEventID: strings.TrimSpace(headers.Get(EventIDHeader)),
	}

	sigHex := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHex == "" {
		return res
	}
	res.Details["signature_header_present"] = true

	providedSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return res
	}
	res.Details["signature_hex_decodable"] = true

	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write(rawBody)
	res.Valid = hmac.Equal(mac.Sum(nil), providedSig)
	return res
}

// Sign computes the hex signature an anchor would attach. Used by tests and
// the CLI to produce valid ingress requests.
func Sign(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
