// Package pgstore persists creds batches and tokens in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledger/cmd/internal/creds"
	"ledger/cmd/security/blind"
)

// Store implements creds.BatchStore and creds.TokenStore.
//
// Ownership model:
// - Store does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - Batch writes take a transactional advisory lock on the trigger key, then the
//     row lock. Different triggers never contend.
//   - MarkSpent locks the token rows it touches in token_id order.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
}

var (
	_ creds.BatchStore = (*Store)(nil)
	_ creds.TokenStore = (*Store)(nil)
	_ creds.Pinger     = (*Store)(nil)
)

// Option configures Store behavior.
type Option func(*Store) error

// WithSchema sets the DB schema used by this store (default: "ledger").
func WithSchema(schema string) Option {
	return func(s *Store) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("pgstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("pgstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// New constructs a Postgres-backed store.
func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	st := &Store{
		pool:   pool,
		schema: "ledger",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("pgstore: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// Ping checks the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockTrigger(ctx context.Context, tx pgx.Tx, k creds.Key) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "creds_batch:"+k.String()); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// ---- BatchStore ----

const batchColumns = `creds_id, trigger_id, trigger_type, size, creds, blinded_creds,
	signed_creds, public_key, batch_proof, claim_id, status, created_at, updated_at`

func (s *Store) Save(ctx context.Context, b creds.CredsBatch) error {
	const op = "pgstore.Save"
	if b.TriggerID == "" || b.TriggerType == "" || b.CredsID == "" {
		return creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: "creds id and trigger are required"}
	}
	credsJSON, err := creds.EncodeList(b.Creds)
	if err != nil {
		return creds.Wrap(op, creds.ErrInvalidInput, err)
	}
	blindedJSON, err := creds.EncodeList(b.BlindedCreds)
	if err != nil {
		return creds.Wrap(op, creds.ErrInvalidInput, err)
	}
	signedJSON := ""
	if len(b.SignedCreds) > 0 {
		if signedJSON, err = creds.EncodeList(b.SignedCreds); err != nil {
			return creds.Wrap(op, creds.ErrInvalidInput, err)
		}
	}
	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	table := pgIdent(s.schema, "creds_batch")

	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockTrigger(ctx, tx, b.Key()); err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		existing, ok, err := s.getBatch(ctx, tx, b.Key(), true)
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		if ok {
			if err := creds.CheckOverwrite(op, existing, b); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
INSERT INTO `+table+` (`+batchColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (trigger_id, trigger_type) DO UPDATE SET
  creds_id = EXCLUDED.creds_id,
  size = EXCLUDED.size,
  creds = EXCLUDED.creds,
  blinded_creds = EXCLUDED.blinded_creds,
  signed_creds = EXCLUDED.signed_creds,
  public_key = EXCLUDED.public_key,
  batch_proof = EXCLUDED.batch_proof,
  claim_id = EXCLUDED.claim_id,
  status = EXCLUDED.status,
  created_at = EXCLUDED.created_at,
  updated_at = EXCLUDED.updated_at`,
			b.CredsID, b.TriggerID, string(b.TriggerType), b.Size, credsJSON, blindedJSON,
			signedJSON, b.PublicKey, b.BatchProof, b.ClaimID, int16(b.Status), b.CreatedAt.UTC(), now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return creds.OpError{Op: op, Kind: creds.ErrConflict, Msg: "creds id", Err: err}
			}
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		return nil
	})
}

func (s *Store) getBatch(ctx context.Context, q pgx.Tx, k creds.Key, forUpdate bool) (creds.CredsBatch, bool, error) {
	sql := `SELECT ` + batchColumns + ` FROM ` + pgIdent(s.schema, "creds_batch") +
		` WHERE trigger_id = $1 AND trigger_type = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	b, err := scanBatch(q.QueryRow(ctx, sql, k.ID, string(k.Type)))
	if errors.Is(err, pgx.ErrNoRows) {
		return creds.CredsBatch{}, false, nil
	}
	if err != nil {
		return creds.CredsBatch{}, false, err
	}
	return b, true, nil
}

func scanBatch(row pgx.Row) (creds.CredsBatch, error) {
	var (
		b                                  creds.CredsBatch
		triggerType                        string
		credsJSON, blindedJSON, signedJSON string
		status                             int16
	)
	if err := row.Scan(
		&b.CredsID, &b.TriggerID, &triggerType, &b.Size, &credsJSON, &blindedJSON,
		&signedJSON, &b.PublicKey, &b.BatchProof, &b.ClaimID, &status, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return creds.CredsBatch{}, err
	}
	b.TriggerType = creds.TriggerType(triggerType)
	b.Status = creds.BatchStatus(status)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()

	var err error
	if b.Creds, err = creds.DecodeList[blind.Token](credsJSON); err != nil {
		return creds.CredsBatch{}, err
	}
	if b.BlindedCreds, err = creds.DecodeList[blind.BlindedToken](blindedJSON); err != nil {
		return creds.CredsBatch{}, err
	}
	if b.SignedCreds, err = creds.DecodeList[blind.SignedToken](signedJSON); err != nil {
		return creds.CredsBatch{}, err
	}
	return b, nil
}

func (s *Store) GetByTrigger(ctx context.Context, k creds.Key) (creds.CredsBatch, bool, error) {
	const op = "pgstore.GetByTrigger"
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM `+pgIdent(s.schema, "creds_batch")+
			` WHERE trigger_id = $1 AND trigger_type = $2`,
		k.ID, string(k.Type),
	))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return creds.CredsBatch{}, false, nil
	case creds.IsCorrupted(err):
		return creds.CredsBatch{}, false, err
	case err != nil:
		return creds.CredsBatch{}, false, creds.Wrap(op, creds.ErrRetry, err)
	}
	return b, true, nil
}

func (s *Store) UpdateStatus(ctx context.Context, k creds.Key, status creds.BatchStatus) error {
	return s.transition(ctx, "pgstore.UpdateStatus", k, status, "")
}

func (s *Store) SaveClaimed(ctx context.Context, k creds.Key, claimID string) error {
	const op = "pgstore.SaveClaimed"
	if claimID == "" {
		return creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: "claim id is required"}
	}
	return s.transition(ctx, op, k, creds.StatusClaimed, `, claim_id = $5`, claimID)
}

func (s *Store) SaveSigned(ctx context.Context, k creds.Key, signed []blind.SignedToken, publicKey, batchProof string) error {
	const op = "pgstore.SaveSigned"
	signedJSON, err := creds.EncodeList(signed)
	if err != nil {
		return creds.Wrap(op, creds.ErrInvalidInput, err)
	}
	return s.transition(ctx, op, k, creds.StatusSigned,
		`, signed_creds = $5, public_key = $6, batch_proof = $7`, signedJSON, publicKey, batchProof)
}

// transition locks the batch, checks CanTransition, and updates status plus the
// extra SET clause (placeholders from $5).
func (s *Store) transition(ctx context.Context, op string, k creds.Key, to creds.BatchStatus, set string, extra ...any) error {
	table := pgIdent(s.schema, "creds_batch")
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockTrigger(ctx, tx, k); err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		var cur int16
		err := tx.QueryRow(ctx,
			`SELECT status FROM `+table+` WHERE trigger_id = $1 AND trigger_type = $2 FOR UPDATE`,
			k.ID, string(k.Type),
		).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return creds.OpError{Op: op, Kind: creds.ErrNotFound, Msg: k.String()}
		}
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		from := creds.BatchStatus(cur)
		if !creds.CanTransition(from, to) {
			return creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: from.String() + " -> " + to.String()}
		}

		args := append([]any{k.ID, string(k.Type), int16(to), s.now()}, extra...)
		if _, err := tx.Exec(ctx,
			`UPDATE `+table+` SET status = $3, updated_at = $4`+set+
				` WHERE trigger_id = $1 AND trigger_type = $2`,
			args...,
		); err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		return nil
	})
}

func (s *Store) ListByStatus(ctx context.Context, status creds.BatchStatus) ([]creds.CredsBatch, error) {
	const op = "pgstore.ListByStatus"
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM `+pgIdent(s.schema, "creds_batch")+
			` WHERE status = $1 ORDER BY created_at ASC, creds_id ASC`,
		int16(status),
	)
	if err != nil {
		return nil, creds.Wrap(op, creds.ErrRetry, err)
	}
	defer rows.Close()

	var out []creds.CredsBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, creds.Wrap(op, creds.ErrRetry, err)
	}
	return out, nil
}

// ---- TokenStore ----

var tokenColumnList = []string{
	"token_id", "token_value", "public_key", "value", "creds_id", "trigger_type",
	"expires_at", "created_at", "redeemed_at", "redeem_id", "redeem_type",
	"reserved_at", "rejected_at",
}

var tokenColumns = strings.Join(tokenColumnList, ", ")

func (s *Store) AddTokens(ctx context.Context, tokens []creds.UnblindedToken) error {
	return s.insertTokens(ctx, "pgstore.AddTokens", tokens, false)
}

func (s *Store) Restore(ctx context.Context, tokens []creds.UnblindedToken) error {
	return s.insertTokens(ctx, "pgstore.Restore", tokens, true)
}

// insertTokens bulk loads with COPY inside one transaction.
func (s *Store) insertTokens(ctx context.Context, op string, tokens []creds.UnblindedToken, keepRedeemed bool) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := creds.CheckNewTokens(op, tokens); err != nil {
		return err
	}
	now := s.now()

	rows := make([][]any, 0, len(tokens))
	for _, t := range tokens {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if !keepRedeemed {
			t.RedeemedAt, t.RedeemID, t.RedeemType = time.Time{}, "", ""
			t.ReservedAt, t.RejectedAt = time.Time{}, time.Time{}
		}
		rows = append(rows, []any{
			t.TokenID, t.TokenValue, t.PublicKey, t.Value, t.CredsID, string(t.TriggerType),
			nullTime(t.ExpiresAt), t.CreatedAt.UTC(), nullTime(t.RedeemedAt), t.RedeemID, string(t.RedeemType),
			nullTime(t.ReservedAt), nullTime(t.RejectedAt),
		})
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{s.schema, "unblinded_tokens"},
			tokenColumnList,
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return creds.OpError{Op: op, Kind: creds.ErrConflict, Msg: "token id or value", Err: err}
			}
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		return nil
	})
}

func scanToken(row pgx.Row) (creds.UnblindedToken, error) {
	var (
		t                       creds.UnblindedToken
		triggerType, redeemType string
		expiresAt, redeemedAt   *time.Time
		reservedAt, rejectedAt  *time.Time
	)
	if err := row.Scan(
		&t.TokenID, &t.TokenValue, &t.PublicKey, &t.Value, &t.CredsID, &triggerType,
		&expiresAt, &t.CreatedAt, &redeemedAt, &t.RedeemID, &redeemType, &reservedAt, &rejectedAt,
	); err != nil {
		return creds.UnblindedToken{}, err
	}
	if reservedAt != nil {
		t.ReservedAt = reservedAt.UTC()
	}
	if rejectedAt != nil {
		t.RejectedAt = rejectedAt.UTC()
	}
	t.TriggerType = creds.TriggerType(triggerType)
	t.RedeemType = creds.RedeemType(redeemType)
	t.CreatedAt = t.CreatedAt.UTC()
	if expiresAt != nil {
		t.ExpiresAt = expiresAt.UTC()
	}
	if redeemedAt != nil {
		t.RedeemedAt = redeemedAt.UTC()
	}
	return t, nil
}

func collectTokens(op string, rows pgx.Rows) ([]creds.UnblindedToken, error) {
	defer rows.Close()
	var out []creds.UnblindedToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, creds.Wrap(op, creds.ErrRetry, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, creds.Wrap(op, creds.ErrRetry, err)
	}
	return out, nil
}

func selectionWhere(sel creds.Selection) (string, []any) {
	where := []string{"redeemed_at IS NULL", "rejected_at IS NULL"}
	var args []any
	if !sel.Now.IsZero() {
		args = append(args, sel.Now.UTC())
		where = append(where, fmt.Sprintf("(expires_at IS NULL OR expires_at > $%d)", len(args)))
		args = append(args, sel.ReservationCutoff().UTC())
		where = append(where, fmt.Sprintf("(reserved_at IS NULL OR reserved_at <= $%d)", len(args)))
	} else {
		where = append(where, "reserved_at IS NULL")
	}
	if len(sel.TriggerTypes) > 0 {
		tt := make([]string, len(sel.TriggerTypes))
		for i, v := range sel.TriggerTypes {
			tt[i] = string(v)
		}
		args = append(args, tt)
		where = append(where, fmt.Sprintf("trigger_type = ANY($%d)", len(args)))
	}
	if len(sel.PublicKeys) > 0 {
		args = append(args, sel.PublicKeys)
		where = append(where, fmt.Sprintf("public_key = ANY($%d)", len(args)))
	}
	return strings.Join(where, " AND "), args
}

func (s *Store) SelectUnspent(ctx context.Context, count int, sel creds.Selection) ([]creds.UnblindedToken, error) {
	const op = "pgstore.SelectUnspent"
	if count <= 0 {
		return nil, nil
	}
	where, args := selectionWhere(sel)
	args = append(args, count)
	rows, err := s.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM `+pgIdent(s.schema, "unblinded_tokens")+
			` WHERE `+where+fmt.Sprintf(` ORDER BY token_id ASC LIMIT $%d`, len(args)),
		args...,
	)
	if err != nil {
		return nil, creds.Wrap(op, creds.ErrRetry, err)
	}
	return collectTokens(op, rows)
}

// ReserveUnspent skips rows another reservation has locked, so concurrent
// redemptions take disjoint token sets.
func (s *Store) ReserveUnspent(ctx context.Context, count int, sel creds.Selection, redeemID string, at time.Time) ([]creds.UnblindedToken, error) {
	const op = "pgstore.ReserveUnspent"
	if err := creds.CheckReserveInput(op, count, redeemID); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.now()
	}
	if sel.Now.IsZero() {
		sel.Now = at
	}
	at = at.UTC()
	table := pgIdent(s.schema, "unblinded_tokens")
	where, args := selectionWhere(sel)
	args = append(args, count)

	var picked []creds.UnblindedToken
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+tokenColumns+` FROM `+table+` WHERE `+where+
				fmt.Sprintf(` ORDER BY token_id ASC LIMIT $%d FOR UPDATE SKIP LOCKED`, len(args)),
			args...,
		)
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		found, err := collectTokens(op, rows)
		if err != nil {
			return err
		}
		if len(found) < count {
			return creds.OpError{Op: op, Kind: creds.ErrNotEnoughTokens, Msg: "not enough unspent tokens"}
		}

		ids := make([]string, len(found))
		for i, t := range found {
			ids[i] = t.TokenID
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+table+` SET reserved_at = $2, redeem_id = $3 WHERE token_id = ANY($1)`,
			ids, at, redeemID,
		); err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		for i := range found {
			found[i].ReservedAt = at
			found[i].RedeemID = redeemID
		}
		picked = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

func (s *Store) ReleaseReserved(ctx context.Context, redeemID string) error {
	return s.settleReserved(ctx, "pgstore.ReleaseReserved", redeemID, `reserved_at = NULL, redeem_id = ''`)
}

func (s *Store) RejectReserved(ctx context.Context, redeemID string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	return s.settleReserved(ctx, "pgstore.RejectReserved", redeemID, `rejected_at = $2`, at.UTC())
}

// settleReserved updates the live reservation rows of redeemID. set may use $2 on.
func (s *Store) settleReserved(ctx context.Context, op, redeemID, set string, args ...any) error {
	if redeemID == "" {
		return creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: "redeem id is required"}
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "unblinded_tokens")+` SET `+set+
			` WHERE redeem_id = $1 AND redeemed_at IS NULL AND rejected_at IS NULL AND reserved_at IS NOT NULL`,
		append([]any{redeemID}, args...)...,
	)
	if err != nil {
		return creds.Wrap(op, creds.ErrRetry, err)
	}
	return nil
}

func (s *Store) CountUnspent(ctx context.Context, sel creds.Selection) (int, float64, error) {
	where, args := selectionWhere(sel)
	var (
		n int
		v float64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1), COALESCE(SUM(value), 0) FROM `+pgIdent(s.schema, "unblinded_tokens")+` WHERE `+where,
		args...,
	).Scan(&n, &v)
	if err != nil {
		return 0, 0, creds.Wrap("pgstore.CountUnspent", creds.ErrRetry, err)
	}
	return n, v, nil
}

func (s *Store) MarkSpent(ctx context.Context, ids []string, redeemID string, rt creds.RedeemType, at time.Time) error {
	const op = "pgstore.MarkSpent"
	if err := creds.CheckMarkSpentInput(op, ids, redeemID, rt); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}
	table := pgIdent(s.schema, "unblinded_tokens")

	return s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+tokenColumns+` FROM `+table+
				` WHERE token_id = ANY($1) ORDER BY token_id FOR UPDATE`,
			ids,
		)
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		found, err := collectTokens(op, rows)
		if err != nil {
			return err
		}

		byID := make(map[string]creds.UnblindedToken, len(found))
		for _, t := range found {
			byID[t.TokenID] = t
		}
		replay, err := creds.SpentState(op, byID, ids, redeemID)
		if err != nil || replay {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE `+table+` SET redeemed_at = $2, redeem_id = $3, redeem_type = $4
			  WHERE token_id = ANY($1) AND redeemed_at IS NULL`,
			ids, at.UTC(), redeemID, string(rt),
		)
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		if int(tag.RowsAffected()) != len(ids) {
			return creds.OpError{Op: op, Kind: creds.ErrAlreadySpent, Msg: fmt.Sprintf("updated %d of %d", tag.RowsAffected(), len(ids))}
		}
		return nil
	})
}

func (s *Store) CountByCreds(ctx context.Context, credsID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM `+pgIdent(s.schema, "unblinded_tokens")+` WHERE creds_id = $1`, credsID,
	).Scan(&n); err != nil {
		return 0, creds.Wrap("pgstore.CountByCreds", creds.ErrRetry, err)
	}
	return n, nil
}

func (s *Store) GetTokens(ctx context.Context, ids []string) ([]creds.UnblindedToken, error) {
	const op = "pgstore.GetTokens"
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM `+pgIdent(s.schema, "unblinded_tokens")+` WHERE token_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, creds.Wrap(op, creds.ErrRetry, err)
	}
	found, err := collectTokens(op, rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]creds.UnblindedToken, len(found))
	for _, t := range found {
		byID[t.TokenID] = t
	}
	out := make([]creds.UnblindedToken, 0, len(found))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) RemoveAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "unblinded_tokens")); err != nil {
		return creds.Wrap("pgstore.RemoveAll", creds.ErrRetry, err)
	}
	return nil
}

// ---- helpers ----

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
