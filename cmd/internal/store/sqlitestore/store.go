// Package sqlitestore persists creds batches and tokens in an embedded SQLite file.
//
// SQLite has one writer per file, so the store runs on a single connection and every
// write transaction is serialized. Key-level independence holds logically (no
// operation waits on another key's state), not as parallel I/O.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/store/sqlitestore/migrations"
	"ledger/cmd/security/blind"
)

// Store implements creds.BatchStore and creds.TokenStore on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ creds.BatchStore = (*Store)(nil)
	_ creds.TokenStore = (*Store)(nil)
	_ creds.Pinger     = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- BatchStore ----

const batchColumns = `creds_id, trigger_id, trigger_type, size, creds, blinded_creds,
	signed_creds, public_key, batch_proof, claim_id, status, created_at, updated_at`

func (s *Store) Save(ctx context.Context, b creds.CredsBatch) error {
	const op = "sqlitestore.Save"
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

	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, ok, err := getBatch(ctx, tx, b.Key())
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		if ok {
			if err := creds.CheckOverwrite(op, existing, b); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO creds_batch (`+batchColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (trigger_id, trigger_type) DO UPDATE SET
	creds_id = excluded.creds_id,
	size = excluded.size,
	creds = excluded.creds,
	blinded_creds = excluded.blinded_creds,
	signed_creds = excluded.signed_creds,
	public_key = excluded.public_key,
	batch_proof = excluded.batch_proof,
	claim_id = excluded.claim_id,
	status = excluded.status,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at
`,
			b.CredsID, b.TriggerID, string(b.TriggerType), b.Size, credsJSON, blindedJSON,
			signedJSON, b.PublicKey, b.BatchProof, b.ClaimID, int(b.Status),
			toMicros(b.CreatedAt), toMicros(now),
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

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBatch(ctx context.Context, q querier, k creds.Key) (creds.CredsBatch, bool, error) {
	row := q.QueryRowContext(ctx, `
SELECT `+batchColumns+`
FROM creds_batch
WHERE trigger_id = ? AND trigger_type = ?
`, k.ID, string(k.Type))
	b, err := scanBatch(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return creds.CredsBatch{}, false, nil
	}
	if err != nil {
		return creds.CredsBatch{}, false, err
	}
	return b, true, nil
}

func scanBatch(scan func(dest ...any) error) (creds.CredsBatch, error) {
	var (
		b                                  creds.CredsBatch
		triggerType                        string
		credsJSON, blindedJSON, signedJSON string
		status                             int
		createdAt, updatedAt               int64
	)
	if err := scan(
		&b.CredsID, &b.TriggerID, &triggerType, &b.Size, &credsJSON, &blindedJSON,
		&signedJSON, &b.PublicKey, &b.BatchProof, &b.ClaimID, &status, &createdAt, &updatedAt,
	); err != nil {
		return creds.CredsBatch{}, err
	}
	b.TriggerType = creds.TriggerType(triggerType)
	b.Status = creds.BatchStatus(status)
	b.CreatedAt = fromMicros(createdAt)
	b.UpdatedAt = fromMicros(updatedAt)

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
	b, ok, err := getBatch(ctx, s.db, k)
	if err != nil {
		if creds.IsCorrupted(err) {
			return creds.CredsBatch{}, false, err
		}
		return creds.CredsBatch{}, false, creds.Wrap("sqlitestore.GetByTrigger", creds.ErrRetry, err)
	}
	return b, ok, nil
}

func (s *Store) UpdateStatus(ctx context.Context, k creds.Key, status creds.BatchStatus) error {
	return s.transition(ctx, "sqlitestore.UpdateStatus", k, status, `UPDATE creds_batch SET status = ?, updated_at = ?`)
}

func (s *Store) SaveClaimed(ctx context.Context, k creds.Key, claimID string) error {
	const op = "sqlitestore.SaveClaimed"
	if claimID == "" {
		return creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: "claim id is required"}
	}
	return s.transition(ctx, op, k, creds.StatusClaimed,
		`UPDATE creds_batch SET status = ?, updated_at = ?, claim_id = ?`, claimID)
}

func (s *Store) SaveSigned(ctx context.Context, k creds.Key, signed []blind.SignedToken, publicKey, batchProof string) error {
	const op = "sqlitestore.SaveSigned"
	signedJSON, err := creds.EncodeList(signed)
	if err != nil {
		return creds.Wrap(op, creds.ErrInvalidInput, err)
	}
	return s.transition(ctx, op, k, creds.StatusSigned,
		`UPDATE creds_batch SET status = ?, updated_at = ?, signed_creds = ?, public_key = ?, batch_proof = ?`,
		signedJSON, publicKey, batchProof)
}

// transition checks the current status and runs update (prefix up to WHERE) with
// status, updated_at, then extra args.
func (s *Store) transition(ctx context.Context, op string, k creds.Key, to creds.BatchStatus, update string, extra ...any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cur int
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM creds_batch WHERE trigger_id = ? AND trigger_type = ?`,
			k.ID, string(k.Type),
		).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return creds.OpError{Op: op, Kind: creds.ErrNotFound, Msg: k.String()}
		}
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		from := creds.BatchStatus(cur)
		if !creds.CanTransition(from, to) {
			return creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: from.String() + " -> " + to.String()}
		}

		args := append([]any{int(to), toMicros(s.now())}, extra...)
		args = append(args, k.ID, string(k.Type))
		if _, err := tx.ExecContext(ctx, update+` WHERE trigger_id = ? AND trigger_type = ?`, args...); err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		return nil
	})
}

func (s *Store) ListByStatus(ctx context.Context, status creds.BatchStatus) ([]creds.CredsBatch, error) {
	const op = "sqlitestore.ListByStatus"
	rows, err := s.db.QueryContext(ctx, `
SELECT `+batchColumns+`
FROM creds_batch
WHERE status = ?
ORDER BY created_at ASC, creds_id ASC
`, int(status))
	if err != nil {
		return nil, creds.Wrap(op, creds.ErrRetry, err)
	}
	defer rows.Close()

	var out []creds.CredsBatch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
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

const tokenColumns = `token_id, token_value, public_key, value, creds_id, trigger_type,
	expires_at, created_at, redeemed_at, redeem_id, redeem_type, reserved_at, rejected_at`

func (s *Store) AddTokens(ctx context.Context, tokens []creds.UnblindedToken) error {
	return s.insertTokens(ctx, "sqlitestore.AddTokens", tokens, false)
}

func (s *Store) Restore(ctx context.Context, tokens []creds.UnblindedToken) error {
	return s.insertTokens(ctx, "sqlitestore.Restore", tokens, true)
}

func (s *Store) insertTokens(ctx context.Context, op string, tokens []creds.UnblindedToken, keepRedeemed bool) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := creds.CheckNewTokens(op, tokens); err != nil {
		return err
	}
	now := s.now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO unblinded_tokens (`+tokenColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		defer stmt.Close()

		for _, t := range tokens {
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			if !keepRedeemed {
				t.RedeemedAt, t.RedeemID, t.RedeemType = time.Time{}, "", ""
				t.ReservedAt, t.RejectedAt = time.Time{}, time.Time{}
			}
			if _, err := stmt.ExecContext(ctx,
				t.TokenID, t.TokenValue, t.PublicKey, t.Value, t.CredsID, string(t.TriggerType),
				toMicros(t.ExpiresAt), toMicros(t.CreatedAt), toMicros(t.RedeemedAt), t.RedeemID, string(t.RedeemType),
				toMicros(t.ReservedAt), toMicros(t.RejectedAt),
			); err != nil {
				if isUniqueViolation(err) {
					return creds.OpError{Op: op, Kind: creds.ErrConflict, Msg: "token id or value", Err: err}
				}
				return creds.Wrap(op, creds.ErrRetry, err)
			}
		}
		return nil
	})
}

func scanToken(scan func(dest ...any) error) (creds.UnblindedToken, error) {
	var (
		t                                creds.UnblindedToken
		triggerType, redeemType          string
		expiresAt, createdAt, redeemedAt int64
		reservedAt, rejectedAt           int64
	)
	if err := scan(
		&t.TokenID, &t.TokenValue, &t.PublicKey, &t.Value, &t.CredsID, &triggerType,
		&expiresAt, &createdAt, &redeemedAt, &t.RedeemID, &redeemType, &reservedAt, &rejectedAt,
	); err != nil {
		return creds.UnblindedToken{}, err
	}
	t.ReservedAt = fromMicros(reservedAt)
	t.RejectedAt = fromMicros(rejectedAt)
	t.TriggerType = creds.TriggerType(triggerType)
	t.RedeemType = creds.RedeemType(redeemType)
	t.ExpiresAt = fromMicros(expiresAt)
	t.CreatedAt = fromMicros(createdAt)
	t.RedeemedAt = fromMicros(redeemedAt)
	return t, nil
}

func selectionWhere(sel creds.Selection) (string, []any) {
	where := []string{"redeemed_at = 0", "rejected_at = 0"}
	var args []any
	if !sel.Now.IsZero() {
		where = append(where, "(expires_at = 0 OR expires_at > ?)", "reserved_at <= ?")
		args = append(args, toMicros(sel.Now), toMicros(sel.ReservationCutoff()))
	} else {
		where = append(where, "reserved_at = 0")
	}
	if len(sel.TriggerTypes) > 0 {
		where = append(where, "trigger_type IN ("+placeholders(len(sel.TriggerTypes))+")")
		for _, tt := range sel.TriggerTypes {
			args = append(args, string(tt))
		}
	}
	if len(sel.PublicKeys) > 0 {
		where = append(where, "public_key IN ("+placeholders(len(sel.PublicKeys))+")")
		for _, pk := range sel.PublicKeys {
			args = append(args, pk)
		}
	}
	return strings.Join(where, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) SelectUnspent(ctx context.Context, count int, sel creds.Selection) ([]creds.UnblindedToken, error) {
	const op = "sqlitestore.SelectUnspent"
	if count <= 0 {
		return nil, nil
	}
	where, args := selectionWhere(sel)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+tokenColumns+`
FROM unblinded_tokens
WHERE `+where+`
ORDER BY token_id ASC
LIMIT ?
`, append(args, count)...)
	if err != nil {
		return nil, creds.Wrap(op, creds.ErrRetry, err)
	}
	defer rows.Close()
	return collectTokens(op, rows)
}

func (s *Store) ReserveUnspent(ctx context.Context, count int, sel creds.Selection, redeemID string, at time.Time) ([]creds.UnblindedToken, error) {
	const op = "sqlitestore.ReserveUnspent"
	if err := creds.CheckReserveInput(op, count, redeemID); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.now()
	}
	if sel.Now.IsZero() {
		sel.Now = at
	}
	where, args := selectionWhere(sel)

	var picked []creds.UnblindedToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT `+tokenColumns+`
FROM unblinded_tokens
WHERE `+where+`
ORDER BY token_id ASC
LIMIT ?
`, append(args, count)...)
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		found, err := collectTokens(op, rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(found) < count {
			return creds.OpError{Op: op, Kind: creds.ErrNotEnoughTokens, Msg: "not enough unspent tokens"}
		}

		idArgs := make([]any, len(found))
		for i, t := range found {
			idArgs[i] = t.TokenID
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE unblinded_tokens SET reserved_at = ?, redeem_id = ? WHERE token_id IN (`+placeholders(len(found))+`)`,
			append([]any{toMicros(at), redeemID}, idArgs...)...,
		); err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		for i := range found {
			found[i].ReservedAt = fromMicros(toMicros(at))
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
	return s.settleReserved(ctx, "sqlitestore.ReleaseReserved", redeemID, `reserved_at = 0, redeem_id = ''`)
}

func (s *Store) RejectReserved(ctx context.Context, redeemID string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	return s.settleReserved(ctx, "sqlitestore.RejectReserved", redeemID, `rejected_at = ?`, toMicros(at))
}

func (s *Store) settleReserved(ctx context.Context, op, redeemID, set string, args ...any) error {
	if redeemID == "" {
		return creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: "redeem id is required"}
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE unblinded_tokens SET `+set+`
WHERE redeem_id = ? AND redeemed_at = 0 AND rejected_at = 0 AND reserved_at <> 0
`, append(args, redeemID)...)
	if err != nil {
		return creds.Wrap(op, creds.ErrRetry, err)
	}
	return nil
}

func collectTokens(op string, rows *sql.Rows) ([]creds.UnblindedToken, error) {
	var out []creds.UnblindedToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
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

func (s *Store) CountUnspent(ctx context.Context, sel creds.Selection) (int, float64, error) {
	where, args := selectionWhere(sel)
	var (
		n int
		v float64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1), COALESCE(SUM(value), 0) FROM unblinded_tokens WHERE `+where, args...,
	).Scan(&n, &v)
	if err != nil {
		return 0, 0, creds.Wrap("sqlitestore.CountUnspent", creds.ErrRetry, err)
	}
	return n, v, nil
}

func (s *Store) MarkSpent(ctx context.Context, ids []string, redeemID string, rt creds.RedeemType, at time.Time) error {
	const op = "sqlitestore.MarkSpent"
	if err := creds.CheckMarkSpentInput(op, ids, redeemID, rt); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}
	idArgs := make([]any, len(ids))
	for i, id := range ids {
		idArgs[i] = id
	}
	in := placeholders(len(ids))

	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+tokenColumns+` FROM unblinded_tokens WHERE token_id IN (`+in+`)`, idArgs...)
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		found, err := collectTokens(op, rows)
		rows.Close()
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

		args := append([]any{toMicros(at), redeemID, string(rt)}, idArgs...)
		res, err := tx.ExecContext(ctx, `
UPDATE unblinded_tokens
SET redeemed_at = ?, redeem_id = ?, redeem_type = ?
WHERE redeemed_at = 0 AND token_id IN (`+in+`)
`, args...)
		if err != nil {
			return creds.Wrap(op, creds.ErrRetry, err)
		}
		if n, err := res.RowsAffected(); err == nil && int(n) != len(ids) {
			return creds.OpError{Op: op, Kind: creds.ErrAlreadySpent, Msg: fmt.Sprintf("updated %d of %d", n, len(ids))}
		}
		return nil
	})
}

func (s *Store) CountByCreds(ctx context.Context, credsID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM unblinded_tokens WHERE creds_id = ?`, credsID,
	).Scan(&n); err != nil {
		return 0, creds.Wrap("sqlitestore.CountByCreds", creds.ErrRetry, err)
	}
	return n, nil
}

func (s *Store) GetTokens(ctx context.Context, ids []string) ([]creds.UnblindedToken, error) {
	const op = "sqlitestore.GetTokens"
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM unblinded_tokens WHERE token_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, creds.Wrap(op, creds.ErrRetry, err)
	}
	defer rows.Close()
	found, err := collectTokens(op, rows)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, ids), nil
}

func (s *Store) RemoveAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM unblinded_tokens`); err != nil {
		return creds.Wrap("sqlitestore.RemoveAll", creds.ErrRetry, err)
	}
	return nil
}

// ---- helpers ----

func orderByIDs(found []creds.UnblindedToken, ids []string) []creds.UnblindedToken {
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
	return out
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

func fromMicros(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
