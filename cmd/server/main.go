package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/terryholliday/proveniq-transit/internal/anchors"
	"github.com/terryholliday/proveniq-transit/internal/config"
	"github.com/terryholliday/proveniq-transit/internal/domain"
	"github.com/terryholliday/proveniq-transit/internal/outbox"
	"github.com/terryholliday/proveniq-transit/internal/protocol"
	"github.com/terryholliday/proveniq-transit/internal/store"
	"github.com/terryholliday/proveniq-transit/internal/webhooks"
	"github.com/terryholliday/proveniq-transit/pkg/canonhash"
	"github.com/terryholliday/proveniq-transit/pkg/custody"
	"github.com/terryholliday/proveniq-transit/pkg/db"
	"github.com/terryholliday/proveniq-transit/pkg/httpx"
	"github.com/terryholliday/proveniq-transit/pkg/ledger"
	"github.com/terryholliday/proveniq-transit/pkg/signature"
)

// serverStore is the union of store contracts the HTTP surface needs; both
// store.Memory and store.Postgres satisfy it.
type serverStore interface {
	protocol.Store
	protocol.WalletLookup
	anchors.Store

	CreateWallet(ctx context.Context, w *domain.Wallet) error
	ListWallets(ctx context.Context, ownerType, status string) ([]domain.Wallet, error)
	CreateShipment(ctx context.Context, sh *domain.Shipment, token *domain.CustodyToken, ev ledger.Event) (int64, error)
	GetShipment(ctx context.Context, shipmentNumber string) (*domain.Shipment, error)
	GetTokenByAsset(ctx context.Context, assetID string) (*domain.CustodyToken, error)

	GetOutboxEntry(ctx context.Context, id int64) (*domain.OutboxEntry, error)
	PendingOutbox(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error)
	MarkOutboxDelivered(ctx context.Context, id int64, receipt ledger.Receipt, at time.Time) error
	RescheduleOutbox(ctx context.Context, id int64, attempts int, next time.Time) error
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var (
		st   serverStore
		sink ledger.Sink
	)
	if cfg.DatabaseURL != "" {
		pool := db.MustConnect(cfg.DatabaseURL)
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("store schema: %v", err)
		}
		st = pg
		// The sink backend is chosen once here and injected everywhere.
		switch cfg.LedgerBackend {
		case "postgres":
			pgSink := ledger.NewPostgresSink(pool)
			if err := pgSink.EnsureSchema(ctx); err != nil {
				log.Fatalf("ledger schema: %v", err)
			}
			sink = pgSink
		case "memory":
			sink = ledger.NewMemorySink()
		default:
			log.Fatalf("unknown LEDGER_BACKEND %q", cfg.LedgerBackend)
		}
	} else {
		st = store.NewMemory()
		sink = ledger.NewMemorySink()
	}

	flusher := outbox.NewFlusher(st, sink, cfg.OutboxInterval, cfg.OutboxBatch)
	go flusher.Run(ctx)

	proto := protocol.New(st, st, flusher)
	processor := anchors.NewProcessor(st, flusher)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/wallets", func(api chi.Router) {
		api.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				OwnerType    string         `json:"owner_type"`
				OwnerName    string         `json:"owner_name"`
				PublicKeyPEM string         `json:"public_key_pem"`
				Metadata     map[string]any `json:"metadata"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if !validOwnerType(req.OwnerType) {
				httpx.WriteError(w, 400, "BAD_REQUEST", "owner_type must be INDIVIDUAL, CARRIER, LOCKER, or WAREHOUSE", nil)
				return
			}
			if req.OwnerName == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "owner_name is required", nil)
				return
			}
			if _, err := signature.ParsePublicKey(req.PublicKeyPEM); err != nil {
				httpx.WriteError(w, 400, "BAD_PUBLIC_KEY", err.Error(), nil)
				return
			}
			wallet := &domain.Wallet{
				WalletID:     "wlt_" + uuid.NewString(),
				OwnerType:    domain.OwnerType(req.OwnerType),
				OwnerName:    req.OwnerName,
				PublicKeyPEM: req.PublicKeyPEM,
				Status:       domain.WalletActive,
				Metadata:     req.Metadata,
				CreatedAt:    time.Now().UTC(),
			}
			if err := st.CreateWallet(r.Context(), wallet); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "wallet": wallet})
		})

		api.Get("/", func(w http.ResponseWriter, r *http.Request) {
			wallets, err := st.ListWallets(r.Context(), r.URL.Query().Get("owner_type"), r.URL.Query().Get("status"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "wallets": wallets})
		})

		api.Get("/{wallet_id}", func(w http.ResponseWriter, r *http.Request) {
			wallet, err := st.LookupWallet(r.Context(), chi.URLParam(r, "wallet_id"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if wallet == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "wallet not found", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "wallet": wallet})
		})
	})

	r.Route("/shipments", func(api chi.Router) {
		api.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				AssetDescription    string              `json:"asset_description"`
				DeclaredValueMicros string              `json:"declared_value_micros"`
				Currency            string              `json:"currency"`
				SenderWalletID      string              `json:"sender_wallet_id"`
				RecipientWalletID   string              `json:"recipient_wallet_id"`
				AnchorID            string              `json:"anchor_id"`
				Origin              *domain.GeoSnapshot `json:"origin"`
				Destination         *domain.GeoSnapshot `json:"destination"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			for _, id := range []string{req.SenderWalletID, req.RecipientWalletID} {
				wallet, err := st.LookupWallet(r.Context(), id)
				if err != nil {
					httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
					return
				}
				if wallet == nil {
					httpx.WriteError(w, 404, "WALLET_NOT_FOUND", "wallet "+id+" not found", nil)
					return
				}
				if wallet.Status != domain.WalletActive {
					httpx.WriteError(w, 400, "WALLET_INACTIVE", "wallet "+id+" is "+string(wallet.Status), nil)
					return
				}
			}

			now := time.Now().UTC()
			sh := &domain.Shipment{
				ShipmentNumber:      newShipmentNumber(now),
				AssetID:             "ast_" + uuid.NewString(),
				AssetDescription:    req.AssetDescription,
				DeclaredValueMicros: req.DeclaredValueMicros,
				Currency:            req.Currency,
				SenderWalletID:      req.SenderWalletID,
				RecipientWalletID:   req.RecipientWalletID,
				AnchorID:            req.AnchorID,
				AnchorStatus:        domain.AnchorUnarmed,
				OriginGeo:           req.Origin,
				DestinationGeo:      req.Destination,
				Status:              domain.ShipmentCreated,
				CreatedAt:           now,
			}
			token := &domain.CustodyToken{
				CustodyTokenID:    "ctk_" + uuid.NewString(),
				AssetID:           sh.AssetID,
				ShipmentNumber:    sh.ShipmentNumber,
				AnchorID:          sh.AnchorID,
				CustodianWalletID: sh.SenderWalletID,
				State:             custody.StateOffered,
				LastTransitionAt:  now,
				CreatedAt:         now,
			}

			createdPayload := map[string]any{
				"shipment_number":     sh.ShipmentNumber,
				"asset_id":            sh.AssetID,
				"custody_token_id":    token.CustodyTokenID,
				"sender_wallet_id":    sh.SenderWalletID,
				"recipient_wallet_id": sh.RecipientWalletID,
			}
			payloadHash, _, err := canonhash.SumHex(createdPayload)
			if err != nil {
				httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
				return
			}
			ev := ledger.Event{
				Type:           ledger.TypeShipmentCreated,
				AssetID:        sh.AssetID,
				CustodyTokenID: token.CustodyTokenID,
				Payload: ledger.ShipmentCreated{
					ShipmentNumber:      sh.ShipmentNumber,
					AssetID:             sh.AssetID,
					CustodyTokenID:      token.CustodyTokenID,
					SenderWalletID:      sh.SenderWalletID,
					RecipientWalletID:   sh.RecipientWalletID,
					DeclaredValueMicros: sh.DeclaredValueMicros,
					Currency:            sh.Currency,
					CanonicalHashHex:    payloadHash,
				},
				CorrelationID:  "cor_" + uuid.NewString(),
				IdempotencyKey: "shipment-create-" + sh.ShipmentNumber,
				CreatedAt:      now,
				SchemaVersion:  ledger.SchemaVersion,
			}

			outboxID, err := st.CreateShipment(r.Context(), sh, token, ev)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			ledgerEventID := ""
			if receipt := flusher.TryDeliver(r.Context(), outboxID); receipt != nil {
				ledgerEventID = receipt.LedgerEventID
			}
			_ = st.AppendAudit(r.Context(), domain.AuditEntry{
				Action:       "SHIPMENT_CREATED",
				ResourceType: "shipment",
				ResourceID:   sh.ShipmentNumber,
				ActorID:      sh.SenderWalletID,
				Details:      createdPayload,
				CreatedAt:    now,
			})
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id":      httpx.NewRequestID(),
				"shipment":        sh,
				"custody_token":   token,
				"ledger_event_id": ledgerEventID,
			})
		})

		api.Get("/{shipment_number}", func(w http.ResponseWriter, r *http.Request) {
			sh, err := st.GetShipment(r.Context(), chi.URLParam(r, "shipment_number"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if sh == nil {
				httpx.WriteError(w, 404, "NOT_FOUND", "shipment not found", nil)
				return
			}
			token, err := st.GetTokenByAsset(r.Context(), sh.AssetID)
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":    httpx.NewRequestID(),
				"shipment":      sh,
				"custody_token": token,
			})
		})
	})

	r.Route("/custody", func(api chi.Router) {
		api.Post("/challenge", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				CustodyTokenID string                  `json:"custody_token_id"`
				ToWalletID     string                  `json:"to_wallet_id"`
				TTLSeconds     int                     `json:"ttl_seconds"`
				FromSignature  string                  `json:"from_signature"`
				Geo            *domain.GeoSnapshot     `json:"geo"`
				Condition      []domain.ConditionPhoto `json:"condition"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			ch, err := proto.IssueChallenge(r.Context(), protocol.IssueChallengeInput{
				CustodyTokenID:   req.CustodyTokenID,
				ToWalletID:       req.ToWalletID,
				TTL:              time.Duration(req.TTLSeconds) * time.Second,
				FromSignatureHex: req.FromSignature,
				Geo:              req.Geo,
				Condition:        req.Condition,
			})
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "challenge": ch})
		})

		api.Post("/transfer", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ChallengeID string              `json:"challenge_id"`
				ToWalletID  string              `json:"to_wallet_id"`
				AcceptedAt  string              `json:"accepted_at"`
				ToSignature string              `json:"to_signature"`
				Geo         *domain.GeoSnapshot `json:"geo"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			res, err := proto.AcceptChallenge(r.Context(), protocol.AcceptChallengeInput{
				ChallengeID:    req.ChallengeID,
				ToWalletID:     req.ToWalletID,
				AcceptedAt:     req.AcceptedAt,
				ToSignatureHex: req.ToSignature,
				Geo:            req.Geo,
			})
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "transfer": res})
		})

		api.Post("/{custody_token_id}/resolve", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Reason        string `json:"reason"`
				ActorWalletID string `json:"actor_wallet_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			res, err := proto.Resolve(r.Context(), protocol.ResolveInput{
				CustodyTokenID: chi.URLParam(r, "custody_token_id"),
				Reason:         req.Reason,
				ActorWalletID:  req.ActorWalletID,
			})
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "resolution": res})
		})
	})

	r.Post("/anchors/events", func(w http.ResponseWriter, r *http.Request) {
		if cfg.AnchorWebhookSecret == "" {
			httpx.WriteError(w, 503, "ANCHOR_INGRESS_DISABLED", "no webhook secret configured", nil)
			return
		}
		verifier, err := webhooks.NewVerifier(cfg.AnchorWebhookSecret)
		if err != nil {
			httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
			return
		}
		if verdict := verifier.Verify(r.Header, body); !verdict.Valid {
			httpx.WriteError(w, 401, "INVALID_SIGNATURE", "webhook signature does not verify", verdict.Details)
			return
		}
		var req struct {
			AnchorID  string         `json:"anchor_id"`
			EventType string         `json:"event_type"`
			Payload   map[string]any `json:"payload"`
			Timestamp time.Time      `json:"timestamp"`
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		res, err := processor.Process(r.Context(), anchors.Inbound{
			AnchorID:  req.AnchorID,
			EventType: req.EventType,
			Payload:   req.Payload,
			Timestamp: req.Timestamp,
		})
		if err != nil {
			if errors.Is(err, anchors.ErrUnknownEventType) {
				httpx.WriteError(w, 400, "UNKNOWN_EVENT_TYPE", err.Error(), nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 202, map[string]any{"request_id": httpx.NewRequestID(), "result": res})
	})

	r.Get("/ledger/{asset_id}/events", func(w http.ResponseWriter, r *http.Request) {
		events, err := sink.StreamFor(r.Context(), chi.URLParam(r, "asset_id"))
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "events": events})
	})

	log.Printf("transit custody service listening on :%s (ledger=%s)", cfg.Port, cfg.LedgerBackend)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, r))
}

func validOwnerType(t string) bool {
	switch domain.OwnerType(t) {
	case domain.OwnerIndividual, domain.OwnerCarrier, domain.OwnerLocker, domain.OwnerWarehouse:
		return true
	}
	return false
}

// newShipmentNumber mints a TRX-YYMMDD-XXXXXX tracking number.
func newShipmentNumber(now time.Time) string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return "TRX-" + now.Format("060102") + "-" + strings.ToUpper(hex.EncodeToString(b))
}

func writeProtocolError(w http.ResponseWriter, err error) {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
		return
	}
	status := 500
	switch pe.Kind {
	case protocol.KindTokenNotFound, protocol.KindWalletNotFound, protocol.KindChallengeNotFound:
		status = 404
	case protocol.KindInvalidInput, protocol.KindWalletInactive:
		status = 400
	case protocol.KindInvalidToSignature, protocol.KindInvalidFromSignature, protocol.KindWalletMismatch:
		status = 401
	case protocol.KindDuplicatePendingChallenge, protocol.KindChallengeAccepted,
		protocol.KindChallengeExpired, protocol.KindChallengeRejected,
		protocol.KindInvalidStateForTransfer, protocol.KindInvalidTransition:
		status = 409
	}
	httpx.WriteError(w, status, pe.Kind, pe.Message, pe.Context)
}
