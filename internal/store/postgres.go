// Package store persists wallets, shipments, custody tokens, handoff
// challenges, anchor events, the audit trail, and the ledger outbox. The
// Postgres implementation leans on database constraints for the protocol's
// CAS invariants: a partial unique index serializes "one pending challenge
// per token", and status-conditioned UPDATEs decide transfer races.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terryholliday/proveniq-transit/internal/domain"
	"github.com/terryholliday/proveniq-transit/internal/protocol"
	"github.com/terryholliday/proveniq-transit/pkg/custody"
	"github.com/terryholliday/proveniq-transit/pkg/ledger"
)

type Postgres struct{ DB *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db} }

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
  wallet_id       TEXT PRIMARY KEY,
  owner_type      TEXT NOT NULL,
  owner_name      TEXT NOT NULL,
  public_key_pem  TEXT NOT NULL,
  status          TEXT NOT NULL DEFAULT 'ACTIVE',
  metadata        JSONB,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS shipments (
  shipment_number       TEXT PRIMARY KEY,
  asset_id              TEXT NOT NULL UNIQUE,
  asset_description     TEXT,
  declared_value_micros TEXT,
  currency              TEXT,
  sender_wallet_id      TEXT NOT NULL REFERENCES wallets(wallet_id),
  recipient_wallet_id   TEXT NOT NULL REFERENCES wallets(wallet_id),
  anchor_id             TEXT,
  seal_id               TEXT,
  anchor_status         TEXT NOT NULL DEFAULT 'UNARMED',
  origin_lat_e7         BIGINT,
  origin_lon_e7         BIGINT,
  dest_lat_e7           BIGINT,
  dest_lon_e7           BIGINT,
  status                TEXT NOT NULL DEFAULT 'CREATED',
  created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS custody_tokens (
  custody_token_id    TEXT PRIMARY KEY,
  asset_id            TEXT NOT NULL UNIQUE,
  shipment_number     TEXT NOT NULL REFERENCES shipments(shipment_number),
  anchor_id           TEXT,
  custodian_wallet_id TEXT NOT NULL REFERENCES wallets(wallet_id),
  state               TEXT NOT NULL,
  handoff_count       INT NOT NULL DEFAULT 0,
  last_transition_at  TIMESTAMPTZ NOT NULL,
  created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS custody_tokens_anchor_idx ON custody_tokens(anchor_id);

CREATE TABLE IF NOT EXISTS handoff_challenges (
  challenge_id     TEXT PRIMARY KEY,
  custody_token_id TEXT NOT NULL REFERENCES custody_tokens(custody_token_id),
  from_wallet_id   TEXT NOT NULL,
  to_wallet_id     TEXT NOT NULL,
  nonce            TEXT NOT NULL,
  expires_at       TIMESTAMPTZ NOT NULL,
  geo_snapshot     JSONB,
  condition_snapshot JSONB,
  from_signature   TEXT NOT NULL,
  to_signature     TEXT,
  status           TEXT NOT NULL DEFAULT 'PENDING',
  accepted_at      TIMESTAMPTZ,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS handoff_challenges_one_pending
  ON handoff_challenges(custody_token_id) WHERE status='PENDING';

CREATE TABLE IF NOT EXISTS anchor_events (
  anchor_event_id TEXT PRIMARY KEY,
  anchor_id       TEXT NOT NULL,
  event_type      TEXT NOT NULL,
  payload         JSONB NOT NULL,
  event_timestamp TIMESTAMPTZ NOT NULL,
  ledger_event_id TEXT,
  risk_impact     TEXT NOT NULL,
  processed       BOOLEAN NOT NULL DEFAULT false,
  processed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_log (
  id            BIGSERIAL PRIMARY KEY,
  action        TEXT NOT NULL,
  resource_type TEXT NOT NULL,
  resource_id   TEXT NOT NULL,
  actor_id      TEXT,
  details       JSONB,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_outbox (
  id              BIGSERIAL PRIMARY KEY,
  event           JSONB NOT NULL,
  attempts        INT NOT NULL DEFAULT 0,
  next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  delivered_at    TIMESTAMPTZ,
  receipt         JSONB
);
CREATE INDEX IF NOT EXISTS ledger_outbox_pending_idx
  ON ledger_outbox(next_attempt_at) WHERE delivered_at IS NULL;
`

// EnsureSchema creates all service tables when absent.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

// --- wallets ---

func (s *Postgres) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	meta, _ := json.Marshal(w.Metadata)
	_, err := s.DB.Exec(ctx, `
INSERT INTO wallets(wallet_id,owner_type,owner_name,public_key_pem,status,metadata,created_at)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7)
`, w.WalletID, w.OwnerType, w.OwnerName, w.PublicKeyPEM, w.Status, string(meta), w.CreatedAt)
	if isUniqueViolation(err) {
		return ErrWalletExists
	}
	return err
}

func (s *Postgres) LookupWallet(ctx context.Context, walletID string) (*domain.Wallet, error) {
	var (
		w    domain.Wallet
		meta []byte
	)
	err := s.DB.QueryRow(ctx, `
SELECT wallet_id,owner_type,owner_name,public_key_pem,status,COALESCE(metadata,'null'::jsonb),created_at
FROM wallets WHERE wallet_id=$1
`, walletID).Scan(&w.WalletID, &w.OwnerType, &w.OwnerName, &w.PublicKeyPEM, &w.Status, &meta, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	_ = json.Unmarshal(meta, &w.Metadata)
	return &w, nil
}

func (s *Postgres) ListWallets(ctx context.Context, ownerType, status string) ([]domain.Wallet, error) {
	rows, err := s.DB.Query(ctx, `
SELECT wallet_id,owner_type,owner_name,public_key_pem,status,created_at
FROM wallets
WHERE ($1='' OR owner_type=$1) AND ($2='' OR status=$2)
ORDER BY created_at DESC LIMIT 100
`, ownerType, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Wallet
	for rows.Next() {
		var w domain.Wallet
		if err := rows.Scan(&w.WalletID, &w.OwnerType, &w.OwnerName, &w.PublicKeyPEM, &w.Status, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- shipments and tokens ---

func (s *Postgres) CreateShipment(ctx context.Context, sh *domain.Shipment, token *domain.CustodyToken, ev ledger.Event) (int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var originLat, originLon, destLat, destLon *int64
	if sh.OriginGeo != nil {
		originLat, originLon = &sh.OriginGeo.LatE7, &sh.OriginGeo.LonE7
	}
	if sh.DestinationGeo != nil {
		destLat, destLon = &sh.DestinationGeo.LatE7, &sh.DestinationGeo.LonE7
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO shipments(shipment_number,asset_id,asset_description,declared_value_micros,currency,
  sender_wallet_id,recipient_wallet_id,anchor_id,anchor_status,
  origin_lat_e7,origin_lon_e7,dest_lat_e7,dest_lon_e7,status,created_at)
VALUES($1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13,$14,$15)
`, sh.ShipmentNumber, sh.AssetID, sh.AssetDescription, sh.DeclaredValueMicros, sh.Currency,
		sh.SenderWalletID, sh.RecipientWalletID, sh.AnchorID, domain.AnchorUnarmed,
		originLat, originLon, destLat, destLon, domain.ShipmentCreated, sh.CreatedAt); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO custody_tokens(custody_token_id,asset_id,shipment_number,anchor_id,custodian_wallet_id,state,handoff_count,last_transition_at,created_at)
VALUES($1,$2,$3,NULLIF($4,''),$5,$6,0,$7,$8)
`, token.CustodyTokenID, token.AssetID, token.ShipmentNumber, token.AnchorID, token.CustodianWalletID,
		token.State, token.LastTransitionAt, token.CreatedAt); err != nil {
		return 0, err
	}
	outboxID, err := enqueueTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	return outboxID, tx.Commit(ctx)
}

func (s *Postgres) GetShipment(ctx context.Context, shipmentNumber string) (*domain.Shipment, error) {
	var (
		sh                                     domain.Shipment
		originLat, originLon, destLat, destLon *int64
	)
	err := s.DB.QueryRow(ctx, `
SELECT shipment_number,asset_id,COALESCE(asset_description,''),COALESCE(declared_value_micros,''),COALESCE(currency,''),
  sender_wallet_id,recipient_wallet_id,COALESCE(anchor_id,''),COALESCE(seal_id,''),anchor_status,
  origin_lat_e7,origin_lon_e7,dest_lat_e7,dest_lon_e7,status,created_at
FROM shipments WHERE shipment_number=$1
`, shipmentNumber).Scan(&sh.ShipmentNumber, &sh.AssetID, &sh.AssetDescription, &sh.DeclaredValueMicros, &sh.Currency,
		&sh.SenderWalletID, &sh.RecipientWalletID, &sh.AnchorID, &sh.SealID, &sh.AnchorStatus,
		&originLat, &originLon, &destLat, &destLon, &sh.Status, &sh.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if originLat != nil && originLon != nil {
		sh.OriginGeo = &domain.GeoSnapshot{LatE7: *originLat, LonE7: *originLon}
	}
	if destLat != nil && destLon != nil {
		sh.DestinationGeo = &domain.GeoSnapshot{LatE7: *destLat, LonE7: *destLon}
	}
	return &sh, nil
}

const tokenColumns = `custody_token_id,asset_id,shipment_number,COALESCE(anchor_id,''),custodian_wallet_id,state,handoff_count,last_transition_at,created_at`

func scanToken(row pgx.Row) (*domain.CustodyToken, error) {
	var t domain.CustodyToken
	err := row.Scan(&t.CustodyTokenID, &t.AssetID, &t.ShipmentNumber, &t.AnchorID, &t.CustodianWalletID,
		&t.State, &t.HandoffCount, &t.LastTransitionAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) GetToken(ctx context.Context, custodyTokenID string) (*domain.CustodyToken, error) {
	return scanToken(s.DB.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM custody_tokens WHERE custody_token_id=$1`, custodyTokenID))
}

func (s *Postgres) GetTokenByAsset(ctx context.Context, assetID string) (*domain.CustodyToken, error) {
	return scanToken(s.DB.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM custody_tokens WHERE asset_id=$1`, assetID))
}

// --- challenges ---

func (s *Postgres) GetChallenge(ctx context.Context, challengeID string) (*domain.HandoffChallenge, error) {
	var (
		ch            domain.HandoffChallenge
		geoJSON       []byte
		conditionJSON []byte
	)
	err := s.DB.QueryRow(ctx, `
SELECT challenge_id,custody_token_id,from_wallet_id,to_wallet_id,nonce,expires_at,
  COALESCE(geo_snapshot,'null'::jsonb),COALESCE(condition_snapshot,'null'::jsonb),
  from_signature,COALESCE(to_signature,''),status,accepted_at,created_at
FROM handoff_challenges WHERE challenge_id=$1
`, challengeID).Scan(&ch.ChallengeID, &ch.CustodyTokenID, &ch.FromWalletID, &ch.ToWalletID, &ch.Nonce, &ch.ExpiresAt,
		&geoJSON, &conditionJSON, &ch.FromSignatureHex, &ch.ToSignatureHex, &ch.Status, &ch.AcceptedAt, &ch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	_ = json.Unmarshal(geoJSON, &ch.Geo)
	_ = json.Unmarshal(conditionJSON, &ch.Condition)
	return &ch, nil
}

func (s *Postgres) CreateChallenge(ctx context.Context, ch *domain.HandoffChallenge, ev ledger.Event) (int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	// Reap a stale pending challenge so the partial unique index only
	// guards live ones.
	if _, err := tx.Exec(ctx, `
UPDATE handoff_challenges SET status='EXPIRED'
WHERE custody_token_id=$1 AND status='PENDING' AND expires_at <= now()
`, ch.CustodyTokenID); err != nil {
		return 0, err
	}

	geoJSON, _ := json.Marshal(ch.Geo)
	conditionJSON, _ := json.Marshal(ch.Condition)
	_, err = tx.Exec(ctx, `
INSERT INTO handoff_challenges(challenge_id,custody_token_id,from_wallet_id,to_wallet_id,nonce,expires_at,
  geo_snapshot,condition_snapshot,from_signature,status,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb,$9,'PENDING',$10)
`, ch.ChallengeID, ch.CustodyTokenID, ch.FromWalletID, ch.ToWalletID, ch.Nonce, ch.ExpiresAt,
		string(geoJSON), string(conditionJSON), ch.FromSignatureHex, ch.CreatedAt)
	if isUniqueViolation(err) {
		return 0, protocol.ErrDuplicatePending
	}
	if err != nil {
		return 0, err
	}
	outboxID, err := enqueueTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	return outboxID, tx.Commit(ctx)
}

func (s *Postgres) ExpireChallenge(ctx context.Context, challengeID string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE handoff_challenges SET status='EXPIRED' WHERE challenge_id=$1 AND status='PENDING'
`, challengeID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) CommitTransfer(ctx context.Context, p protocol.CommitTransferParams) (*domain.CustodyToken, int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	var custodyTokenID string
	err = tx.QueryRow(ctx, `
UPDATE handoff_challenges SET status='ACCEPTED', to_signature=$2, accepted_at=$3
WHERE challenge_id=$1 AND status='PENDING'
RETURNING custody_token_id
`, p.ChallengeID, p.ToSignatureHex, p.AcceptedAt).Scan(&custodyTokenID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, protocol.ErrChallengeNotPending
		}
		return nil, 0, err
	}

	token, err := scanToken(tx.QueryRow(ctx, `
UPDATE custody_tokens
SET custodian_wallet_id=$2, state=$3, handoff_count=handoff_count+1, last_transition_at=now()
WHERE custody_token_id=$1
RETURNING `+tokenColumns, custodyTokenID, p.NewCustodianWalletID, p.NewState))
	if err != nil {
		return nil, 0, err
	}

	if err := applyShipmentStateTx(ctx, tx, token.ShipmentNumber, p.NewState); err != nil {
		return nil, 0, err
	}
	outboxID, err := enqueueTx(ctx, tx, p.Event)
	if err != nil {
		return nil, 0, err
	}
	return token, outboxID, tx.Commit(ctx)
}

func (s *Postgres) CloseToken(ctx context.Context, p protocol.CloseTokenParams) (*domain.CustodyToken, int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	token, err := scanToken(tx.QueryRow(ctx, `
UPDATE custody_tokens SET state=$3, last_transition_at=now()
WHERE custody_token_id=$1 AND state=$2
RETURNING `+tokenColumns, p.CustodyTokenID, p.ExpectedState, custody.StateClosed))
	if err != nil {
		return nil, 0, err
	}
	if token == nil {
		return nil, 0, protocol.ErrStaleState
	}

	if err := applyShipmentStateTx(ctx, tx, token.ShipmentNumber, custody.StateClosed); err != nil {
		return nil, 0, err
	}
	outboxID, err := enqueueTx(ctx, tx, p.Event)
	if err != nil {
		return nil, 0, err
	}
	return token, outboxID, tx.Commit(ctx)
}

func (s *Postgres) ForceDispute(ctx context.Context, custodyTokenID string, ev ledger.Event) (*domain.CustodyToken, int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	token, err := scanToken(tx.QueryRow(ctx, `
UPDATE custody_tokens SET state=$2, last_transition_at=now()
WHERE custody_token_id=$1 AND state=$3
RETURNING `+tokenColumns, custodyTokenID, custody.StateDisputed, custody.StateTransit))
	if err != nil {
		return nil, 0, err
	}
	if token == nil {
		return nil, 0, protocol.ErrStaleState
	}

	if err := applyShipmentStateTx(ctx, tx, token.ShipmentNumber, custody.StateDisputed); err != nil {
		return nil, 0, err
	}
	outboxID, err := enqueueTx(ctx, tx, ev)
	if err != nil {
		return nil, 0, err
	}
	return token, outboxID, tx.Commit(ctx)
}

func applyShipmentStateTx(ctx context.Context, tx pgx.Tx, shipmentNumber string, next custody.State) error {
	var status domain.ShipmentStatus
	switch next {
	case custody.StateTransit:
		status = domain.ShipmentInTransit
	case custody.StateDelivered:
		status = domain.ShipmentDelivered
	case custody.StateDisputed:
		status = domain.ShipmentDisputed
	case custody.StateClosed:
		status = domain.ShipmentClosed
	default:
		return nil
	}
	_, err := tx.Exec(ctx, `UPDATE shipments SET status=$2 WHERE shipment_number=$1`, shipmentNumber, status)
	return err
}

// --- anchor events ---

func (s *Postgres) InsertAnchorEvent(ctx context.Context, ev *domain.AnchorEvent) error {
	payload, _ := json.Marshal(ev.Payload)
	_, err := s.DB.Exec(ctx, `
INSERT INTO anchor_events(anchor_event_id,anchor_id,event_type,payload,event_timestamp,ledger_event_id,risk_impact,processed)
VALUES($1,$2,$3,$4::jsonb,$5,NULLIF($6,''),$7,false)
`, ev.AnchorEventID, ev.AnchorID, ev.EventType, string(payload), ev.EventTimestamp, ev.LedgerEventID, ev.RiskImpact)
	return err
}

func (s *Postgres) MarkAnchorEventProcessed(ctx context.Context, anchorEventID string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
UPDATE anchor_events SET processed=true, processed_at=$2 WHERE anchor_event_id=$1
`, anchorEventID, at)
	return err
}

func (s *Postgres) ActiveTokensByAnchor(ctx context.Context, anchorID string) ([]domain.CustodyToken, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+tokenColumns+` FROM custody_tokens WHERE anchor_id=$1 AND state <> $2 ORDER BY custody_token_id
`, anchorID, custody.StateClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CustodyToken
	for rows.Next() {
		var t domain.CustodyToken
		if err := rows.Scan(&t.CustodyTokenID, &t.AssetID, &t.ShipmentNumber, &t.AnchorID, &t.CustodianWalletID,
			&t.State, &t.HandoffCount, &t.LastTransitionAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) ArmShipmentSeal(ctx context.Context, anchorID, sealID string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE shipments SET anchor_status='ARMED', seal_id=NULLIF($2,''),
  status = CASE WHEN status='CREATED' THEN 'SEALED' ELSE status END
WHERE anchor_id=$1
`, anchorID, sealID)
	return err
}

func (s *Postgres) MarkSealBroken(ctx context.Context, anchorID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE shipments SET anchor_status='BROKEN' WHERE anchor_id=$1`, anchorID)
	return err
}

// --- audit ---

func (s *Postgres) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	details, _ := json.Marshal(entry.Details)
	_, err := s.DB.Exec(ctx, `
INSERT INTO audit_log(action,resource_type,resource_id,actor_id,details,created_at)
VALUES($1,$2,$3,NULLIF($4,''),$5::jsonb,$6)
`, entry.Action, entry.ResourceType, entry.ResourceID, entry.ActorID, string(details), entry.CreatedAt)
	return err
}

// --- ledger outbox ---

func enqueueTx(ctx context.Context, tx pgx.Tx, ev ledger.Event) (int64, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRow(ctx, `
INSERT INTO ledger_outbox(event) VALUES($1::jsonb) RETURNING id
`, string(raw)).Scan(&id)
	return id, err
}

// EnqueueEvent queues a ledger event with no accompanying state change.
func (s *Postgres) EnqueueEvent(ctx context.Context, ev ledger.Event) (int64, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.DB.QueryRow(ctx, `
INSERT INTO ledger_outbox(event) VALUES($1::jsonb) RETURNING id
`, string(raw)).Scan(&id)
	return id, err
}

func (s *Postgres) GetOutboxEntry(ctx context.Context, id int64) (*domain.OutboxEntry, error) {
	var (
		e          domain.OutboxEntry
		rawEvent   []byte
		rawReceipt []byte
	)
	err := s.DB.QueryRow(ctx, `
SELECT id,event,attempts,next_attempt_at,delivered_at,COALESCE(receipt,'null'::jsonb)
FROM ledger_outbox WHERE id=$1
`, id).Scan(&e.ID, &rawEvent, &e.Attempts, &e.NextAttemptAt, &e.DeliveredAt, &rawReceipt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ev, err := ledger.UnmarshalEvent(rawEvent)
	if err != nil {
		return nil, err
	}
	e.Event = ev
	_ = json.Unmarshal(rawReceipt, &e.Receipt)
	return &e, nil
}

func (s *Postgres) PendingOutbox(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id,event,attempts,next_attempt_at
FROM ledger_outbox
WHERE delivered_at IS NULL AND next_attempt_at <= $1
ORDER BY id LIMIT $2
`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.OutboxEntry
	for rows.Next() {
		var (
			e        domain.OutboxEntry
			rawEvent []byte
		)
		if err := rows.Scan(&e.ID, &rawEvent, &e.Attempts, &e.NextAttemptAt); err != nil {
			return nil, err
		}
		ev, err := ledger.UnmarshalEvent(rawEvent)
		if err != nil {
			return nil, err
		}
		e.Event = ev
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkOutboxDelivered(ctx context.Context, id int64, receipt ledger.Receipt, at time.Time) error {
	raw, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
UPDATE ledger_outbox SET delivered_at=$2, receipt=$3::jsonb WHERE id=$1
`, id, at, string(raw))
	return err
}

func (s *Postgres) RescheduleOutbox(ctx context.Context, id int64, attempts int, next time.Time) error {
	_, err := s.DB.Exec(ctx, `
UPDATE ledger_outbox SET attempts=$2, next_attempt_at=$3 WHERE id=$1
`, id, attempts, next)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
