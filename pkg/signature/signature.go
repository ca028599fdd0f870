// Package signature implements Ed25519 signing and verification over
// canonical bytes. Keys travel as PEM (PKIX public, PKCS#8 private);
// signatures travel as lowercase hex.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidEncoding  = errors.New("invalid encoding")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ParsePublicKey decodes a PEM-encoded PKIX Ed25519 public key.
func ParsePublicKey(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemStr)))
	if block == nil {
		return nil, ErrInvalidKey
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidKey
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return pub, nil
}

// ParsePrivateKey decodes a PEM-encoded PKCS#8 Ed25519 private key.
func ParsePrivateKey(pemStr string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemStr)))
	if block == nil {
		return nil, ErrInvalidKey
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidKey
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return priv, nil
}

// GenerateKeyPEM mints a fresh Ed25519 keypair encoded as PEM.
func GenerateKeyPEM() (publicPEM, privatePEM string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", err
	}
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	return publicPEM, privatePEM, nil
}

// SignHex signs the canonical bytes and returns the signature as lowercase hex.
func SignHex(privatePEM string, canonical []byte) (string, error) {
	priv, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, canonical)), nil
}

// VerifyHex verifies a hex signature over canonical bytes against a PEM
// public key. Decoding failures report ErrInvalidEncoding; a well-formed
// signature that does not verify reports ErrInvalidSignature.
func VerifyHex(publicPEM string, canonical []byte, sigHex string) error {
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil {
		return ErrInvalidEncoding
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrInvalidEncoding
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return ErrInvalidSignature
	}
	return nil
}
