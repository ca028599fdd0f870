package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terryholliday/proveniq-transit/pkg/canonhash"
)

// PostgresSink persists the ledger in a single table. Idempotency is a
// unique constraint on idempotency_key, so concurrent appends of the same
// key resolve at the database, not via in-process locking: the loser's
// insert is a no-op and it reads back the winner's receipt.
type PostgresSink struct {
	DB *pgxpool.Pool
}

func NewPostgresSink(db *pgxpool.Pool) *PostgresSink { return &PostgresSink{DB: db} }

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
  position          BIGSERIAL PRIMARY KEY,
  ledger_event_id   TEXT NOT NULL UNIQUE,
  event_type        TEXT NOT NULL,
  asset_id          TEXT NOT NULL,
  custody_token_id  TEXT,
  payload           JSONB NOT NULL,
  correlation_id    TEXT NOT NULL,
  idempotency_key   TEXT NOT NULL UNIQUE,
  created_at        TIMESTAMPTZ NOT NULL,
  schema_version    TEXT NOT NULL,
  content_hash_hex  TEXT NOT NULL,
  committed_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ledger_events_asset_idx ON ledger_events(asset_id, position);
`

// EnsureSchema creates the ledger table when absent.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, ledgerSchema)
	return err
}

func (s *PostgresSink) Append(ctx context.Context, ev Event) (Receipt, error) {
	if ev.IdempotencyKey == "" {
		return Receipt{}, ErrMissingIdempotencyKey
	}
	hashHex, _, err := canonhash.SumHex(ev.Payload)
	if err != nil {
		return Receipt{}, err
	}
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return Receipt{}, err
	}

	eventID := "evt_" + uuid.NewString()
	var r Receipt
	err = s.DB.QueryRow(ctx, `
INSERT INTO ledger_events(ledger_event_id,event_type,asset_id,custody_token_id,payload,correlation_id,idempotency_key,created_at,schema_version,content_hash_hex)
VALUES($1,$2,$3,NULLIF($4,''),$5::jsonb,$6,$7,$8,$9,$10)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING ledger_event_id,committed_at,position,content_hash_hex
`, eventID, ev.Type, ev.AssetID, ev.CustodyTokenID, string(payloadJSON), ev.CorrelationID, ev.IdempotencyKey, ev.CreatedAt, ev.SchemaVersion, hashHex).
		Scan(&r.LedgerEventID, &r.CommittedAt, &r.Position, &r.ContentHashHex)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, err
	}

	// Lost the insert race or replayed a key: return the original receipt.
	err = s.DB.QueryRow(ctx, `
SELECT ledger_event_id,committed_at,position,content_hash_hex
FROM ledger_events WHERE idempotency_key=$1
`, ev.IdempotencyKey).Scan(&r.LedgerEventID, &r.CommittedAt, &r.Position, &r.ContentHashHex)
	if err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (s *PostgresSink) StreamFor(ctx context.Context, assetID string) ([]Event, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_type,asset_id,COALESCE(custody_token_id,''),payload,correlation_id,idempotency_key,created_at,schema_version
FROM ledger_events WHERE asset_id=$1 ORDER BY position
`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev        Event
			raw       []byte
			createdAt time.Time
		)
		if err := rows.Scan(&ev.Type, &ev.AssetID, &ev.CustodyTokenID, &raw, &ev.CorrelationID, &ev.IdempotencyKey, &createdAt, &ev.SchemaVersion); err != nil {
			return nil, err
		}
		ev.CreatedAt = createdAt
		payload, err := DecodePayload(ev.Type, raw)
		if err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}
