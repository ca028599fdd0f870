package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/terryholliday/proveniq-transit/internal/domain"
	"github.com/terryholliday/proveniq-transit/internal/protocol"
	"github.com/terryholliday/proveniq-transit/pkg/canonhash"
	"github.com/terryholliday/proveniq-transit/pkg/signature"
)

const usage = `usage:
  transitctl keygen [--out-prefix <path>]
  transitctl sign-challenge --key <priv.pem> --challenge-id <id> --custody-token-id <id> --from-wallet-id <id> --to-wallet-id <id> --nonce <hex> --expires-at <rfc3339>
  transitctl sign-acceptance --key <priv.pem> --challenge-id <id> --to-wallet-id <id> [--accepted-at <rfc3339>]
  transitctl hash --in <payload.json>`

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	switch os.Args[1] {
	case "keygen":
		runKeygen(os.Args[2:])
	case "sign-challenge":
		runSignChallenge(os.Args[2:])
	case "sign-acceptance":
		runSignAcceptance(os.Args[2:])
	case "hash":
		runHash(os.Args[2:])
	default:
		fail(usage)
	}
}

func runKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	outPrefix := fs.String("out-prefix", "", "write <prefix>.pub.pem and <prefix>.key.pem instead of stdout")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}

	pub, priv, err := signature.GenerateKeyPEM()
	if err != nil {
		fail("keygen failed: " + err.Error())
	}
	if strings.TrimSpace(*outPrefix) == "" {
		fmt.Print(pub)
		fmt.Print(priv)
		return
	}
	if err := os.WriteFile(*outPrefix+".pub.pem", []byte(pub), 0o644); err != nil {
		fail("write public key: " + err.Error())
	}
	if err := os.WriteFile(*outPrefix+".key.pem", []byte(priv), 0o600); err != nil {
		fail("write private key: " + err.Error())
	}
	fmt.Printf("wrote %s.pub.pem and %s.key.pem\n", *outPrefix, *outPrefix)
}

func runSignChallenge(args []string) {
	fs := flag.NewFlagSet("sign-challenge", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	keyPath := fs.String("key", "", "path to Ed25519 private key PEM")
	challengeID := fs.String("challenge-id", "", "challenge id")
	custodyTokenID := fs.String("custody-token-id", "", "custody token id")
	fromWalletID := fs.String("from-wallet-id", "", "issuing custodian wallet id")
	toWalletID := fs.String("to-wallet-id", "", "receiving wallet id")
	nonce := fs.String("nonce", "", "challenge nonce (hex)")
	expiresAt := fs.String("expires-at", "", "expiry, RFC 3339")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
	for name, v := range map[string]string{
		"--key": *keyPath, "--challenge-id": *challengeID, "--custody-token-id": *custodyTokenID,
		"--from-wallet-id": *fromWalletID, "--to-wallet-id": *toWalletID,
		"--nonce": *nonce, "--expires-at": *expiresAt,
	} {
		if strings.TrimSpace(v) == "" {
			fail(name + " is required")
		}
	}
	expiry, err := time.Parse(time.RFC3339, *expiresAt)
	if err != nil {
		fail("--expires-at must be RFC 3339: " + err.Error())
	}

	canonical, err := protocol.ChallengeSigningBytes(&domain.HandoffChallenge{
		ChallengeID:    *challengeID,
		CustodyTokenID: *custodyTokenID,
		FromWalletID:   *fromWalletID,
		ToWalletID:     *toWalletID,
		Nonce:          *nonce,
		ExpiresAt:      expiry,
	})
	if err != nil {
		fail("canonicalize failed: " + err.Error())
	}
	signAndPrint(*keyPath, canonical)
}

func runSignAcceptance(args []string) {
	fs := flag.NewFlagSet("sign-acceptance", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	keyPath := fs.String("key", "", "path to Ed25519 private key PEM")
	challengeID := fs.String("challenge-id", "", "challenge id")
	toWalletID := fs.String("to-wallet-id", "", "accepting wallet id")
	acceptedAt := fs.String("accepted-at", "", "acceptance time, RFC 3339 (default: now)")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
	if strings.TrimSpace(*keyPath) == "" || strings.TrimSpace(*challengeID) == "" || strings.TrimSpace(*toWalletID) == "" {
		fail("--key, --challenge-id, and --to-wallet-id are required")
	}
	at := *acceptedAt
	if at == "" {
		at = protocol.WireTime(time.Now())
	} else if _, err := time.Parse(time.RFC3339, at); err != nil {
		fail("--accepted-at must be RFC 3339: " + err.Error())
	}

	canonical, err := protocol.AcceptanceSigningBytes(*challengeID, *toWalletID, at)
	if err != nil {
		fail("canonicalize failed: " + err.Error())
	}
	sigHex := signHexFromFile(*keyPath, canonical)
	out, _ := json.Marshal(map[string]string{
		"accepted_at":  at,
		"to_signature": sigHex,
	})
	fmt.Println(string(out))
}

func runHash(args []string) {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	inPath := fs.String("in", "", "path to a JSON payload")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
	if strings.TrimSpace(*inPath) == "" {
		fail("--in is required")
	}
	raw, err := os.ReadFile(*inPath)
	if err != nil {
		fail("read payload: " + err.Error())
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fail("payload is not valid JSON: " + err.Error())
	}
	hashHex, _, err := canonhash.SumHex(v)
	if err != nil {
		fail("canonicalize failed: " + err.Error())
	}
	fmt.Println(hashHex)
}

func signHexFromFile(keyPath string, canonical []byte) string {
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		fail("read key: " + err.Error())
	}
	sigHex, err := signature.SignHex(string(pemBytes), canonical)
	if err != nil {
		fail("sign failed: " + err.Error())
	}
	return sigHex
}

func signAndPrint(keyPath string, canonical []byte) {
	fmt.Println(signHexFromFile(keyPath, canonical))
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
