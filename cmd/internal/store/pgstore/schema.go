package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// EnsureSchema creates the schema and tables if they do not exist.
// Production deployments may manage DDL externally; this must stay aligned with it.
func (s *Store) EnsureSchema(ctx context.Context) error {
	batches := pgIdent(s.schema, "creds_batch")
	tokens := pgIdent(s.schema, "unblinded_tokens")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  creds_id      TEXT PRIMARY KEY,
  trigger_id    TEXT NOT NULL,
  trigger_type  TEXT NOT NULL,
  size          INTEGER NOT NULL CHECK (size > 0),
  creds         TEXT NOT NULL,
  blinded_creds TEXT NOT NULL,
  signed_creds  TEXT NOT NULL DEFAULT '',
  public_key    TEXT NOT NULL DEFAULT '',
  batch_proof   TEXT NOT NULL DEFAULT '',
  claim_id      TEXT NOT NULL DEFAULT '',
  status        SMALLINT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (trigger_id, trigger_type)
);

CREATE INDEX IF NOT EXISTS creds_batch_status_idx ON %s (status, created_at);

CREATE TABLE IF NOT EXISTS %s (
  token_id     TEXT PRIMARY KEY,
  token_value  TEXT NOT NULL,
  public_key   TEXT NOT NULL,
  value        DOUBLE PRECISION NOT NULL,
  creds_id     TEXT NOT NULL,
  trigger_type TEXT NOT NULL,
  expires_at   TIMESTAMPTZ NULL,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  redeemed_at  TIMESTAMPTZ NULL,
  redeem_id    TEXT NOT NULL DEFAULT '',
  redeem_type  TEXT NOT NULL DEFAULT '',
  reserved_at  TIMESTAMPTZ NULL,
  rejected_at  TIMESTAMPTZ NULL,
  UNIQUE (token_value, public_key)
);

ALTER TABLE %s ADD COLUMN IF NOT EXISTS reserved_at TIMESTAMPTZ NULL;
ALTER TABLE %s ADD COLUMN IF NOT EXISTS rejected_at TIMESTAMPTZ NULL;

CREATE INDEX IF NOT EXISTS unblinded_tokens_unspent_idx ON %s (token_id) WHERE redeemed_at IS NULL;
CREATE INDEX IF NOT EXISTS unblinded_tokens_redeem_idx ON %s (redeem_id);
CREATE INDEX IF NOT EXISTS unblinded_tokens_creds_idx ON %s (creds_id);
CREATE INDEX IF NOT EXISTS unblinded_tokens_reserved_idx ON %s (redeem_id) WHERE reserved_at IS NOT NULL AND redeemed_at IS NULL;
`,
		pgx.Identifier{s.schema}.Sanitize(),
		batches, batches,
		tokens, tokens, tokens, tokens, tokens, tokens, tokens,
	)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}
