// Package memstore is the in-memory creds store. Dev and tests only.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"ledger/cmd/internal/creds"
	"ledger/cmd/security/blind"
)

// Store implements creds.BatchStore and creds.TokenStore.
//
// Batches are locked per trigger key; the map lock is only held to find or create
// an entry. Tokens share one RWMutex.
type Store struct {
	now func() time.Time

	mu      sync.Mutex
	batches map[creds.Key]*batchEntry

	tmu     sync.RWMutex
	tokens  map[string]creds.UnblindedToken // token_id -> token
	byValue map[string]string               // token_value|public_key -> token_id
}

type batchEntry struct {
	mu    sync.Mutex
	batch *creds.CredsBatch
}

var (
	_ creds.BatchStore = (*Store)(nil)
	_ creds.TokenStore = (*Store)(nil)
	_ creds.Pinger     = (*Store)(nil)
)

// New constructs an empty store.
func New() *Store {
	return &Store{
		now:     func() time.Time { return time.Now().UTC() },
		batches: make(map[creds.Key]*batchEntry),
		tokens:  make(map[string]creds.UnblindedToken),
		byValue: make(map[string]string),
	}
}

// Close is a noop.
func (s *Store) Close() error { return nil }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) entry(k creds.Key) *batchEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.batches[k]
	if e == nil {
		e = &batchEntry{}
		s.batches[k] = e
	}
	return e
}

// ---- BatchStore ----

func (s *Store) Save(ctx context.Context, b creds.CredsBatch) error {
	const op = "memstore.Save"
	if b.TriggerID == "" || b.TriggerType == "" || b.CredsID == "" {
		return creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: "creds id and trigger are required"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e := s.entry(b.Key())
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.batch != nil {
		if err := creds.CheckOverwrite(op, *e.batch, b); err != nil {
			return err
		}
	}

	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	cp := cloneBatch(b)
	e.batch = &cp
	return nil
}

func (s *Store) GetByTrigger(ctx context.Context, k creds.Key) (creds.CredsBatch, bool, error) {
	if err := ctx.Err(); err != nil {
		return creds.CredsBatch{}, false, err
	}
	s.mu.Lock()
	e := s.batches[k]
	s.mu.Unlock()
	if e == nil {
		return creds.CredsBatch{}, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.batch == nil {
		return creds.CredsBatch{}, false, nil
	}
	return cloneBatch(*e.batch), true, nil
}

func (s *Store) UpdateStatus(ctx context.Context, k creds.Key, status creds.BatchStatus) error {
	return s.mutate(ctx, "memstore.UpdateStatus", k, status, func(b *creds.CredsBatch) {})
}

func (s *Store) SaveClaimed(ctx context.Context, k creds.Key, claimID string) error {
	if claimID == "" {
		return creds.OpError{Op: "memstore.SaveClaimed", Kind: creds.ErrInvalidInput, Msg: "claim id is required"}
	}
	return s.mutate(ctx, "memstore.SaveClaimed", k, creds.StatusClaimed, func(b *creds.CredsBatch) {
		b.ClaimID = claimID
	})
}

func (s *Store) SaveSigned(ctx context.Context, k creds.Key, signed []blind.SignedToken, publicKey, batchProof string) error {
	return s.mutate(ctx, "memstore.SaveSigned", k, creds.StatusSigned, func(b *creds.CredsBatch) {
		b.SignedCreds = cloneList(signed)
		b.PublicKey = publicKey
		b.BatchProof = batchProof
	})
}

func (s *Store) mutate(ctx context.Context, op string, k creds.Key, to creds.BatchStatus, fn func(*creds.CredsBatch)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	e := s.batches[k]
	s.mu.Unlock()
	if e == nil {
		return creds.OpError{Op: op, Kind: creds.ErrNotFound, Msg: k.String()}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.batch == nil {
		return creds.OpError{Op: op, Kind: creds.ErrNotFound, Msg: k.String()}
	}
	if !creds.CanTransition(e.batch.Status, to) {
		return creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: e.batch.Status.String() + " -> " + to.String()}
	}
	fn(e.batch)
	e.batch.Status = to
	e.batch.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListByStatus(ctx context.Context, status creds.BatchStatus) ([]creds.CredsBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	entries := make([]*batchEntry, 0, len(s.batches))
	for _, e := range s.batches {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var out []creds.CredsBatch
	for _, e := range entries {
		e.mu.Lock()
		if e.batch != nil && e.batch.Status == status {
			out = append(out, cloneBatch(*e.batch))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CredsID < out[j].CredsID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ---- TokenStore ----

func valueKey(t creds.UnblindedToken) string { return t.TokenValue + "\x00" + t.PublicKey }

func (s *Store) AddTokens(ctx context.Context, tokens []creds.UnblindedToken) error {
	return s.insert(ctx, "memstore.AddTokens", tokens, false)
}

func (s *Store) Restore(ctx context.Context, tokens []creds.UnblindedToken) error {
	return s.insert(ctx, "memstore.Restore", tokens, true)
}

func (s *Store) insert(ctx context.Context, op string, tokens []creds.UnblindedToken, keepRedeemed bool) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := creds.CheckNewTokens(op, tokens); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()

	// Check everything before writing anything.
	for _, t := range tokens {
		if _, ok := s.tokens[t.TokenID]; ok {
			return creds.OpError{Op: op, Kind: creds.ErrConflict, Msg: "token id " + t.TokenID}
		}
		if _, ok := s.byValue[valueKey(t)]; ok {
			return creds.OpError{Op: op, Kind: creds.ErrConflict, Msg: "token value"}
		}
	}

	now := s.now()
	for _, t := range tokens {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if !keepRedeemed {
			t.RedeemedAt, t.RedeemID, t.RedeemType = time.Time{}, "", ""
			t.ReservedAt, t.RejectedAt = time.Time{}, time.Time{}
		}
		s.tokens[t.TokenID] = t
		s.byValue[valueKey(t)] = t.TokenID
	}
	return nil
}

func (s *Store) SelectUnspent(ctx context.Context, count int, sel creds.Selection) ([]creds.UnblindedToken, error) {
	if count <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.tmu.RLock()
	defer s.tmu.RUnlock()
	return s.firstMatching(count, sel), nil
}

// firstMatching returns up to count matching tokens in TokenID order. Callers hold tmu.
func (s *Store) firstMatching(count int, sel creds.Selection) []creds.UnblindedToken {
	matched := make([]creds.UnblindedToken, 0, count)
	for _, t := range s.tokens {
		if sel.Matches(t) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].TokenID < matched[j].TokenID })
	if len(matched) > count {
		matched = matched[:count]
	}
	return matched
}

func (s *Store) ReserveUnspent(ctx context.Context, count int, sel creds.Selection, redeemID string, at time.Time) ([]creds.UnblindedToken, error) {
	const op = "memstore.ReserveUnspent"
	if err := creds.CheckReserveInput(op, count, redeemID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.now()
	}
	if sel.Now.IsZero() {
		sel.Now = at
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()

	picked := s.firstMatching(count, sel)
	if len(picked) < count {
		return nil, creds.OpError{Op: op, Kind: creds.ErrNotEnoughTokens, Msg: "not enough unspent tokens"}
	}
	for i := range picked {
		picked[i].ReservedAt = at
		picked[i].RedeemID = redeemID
		s.tokens[picked[i].TokenID] = picked[i]
	}
	return picked, nil
}

func (s *Store) ReleaseReserved(ctx context.Context, redeemID string) error {
	return s.settleReserved(ctx, "memstore.ReleaseReserved", redeemID, func(t *creds.UnblindedToken) {
		t.ReservedAt, t.RedeemID = time.Time{}, ""
	})
}

func (s *Store) RejectReserved(ctx context.Context, redeemID string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	return s.settleReserved(ctx, "memstore.RejectReserved", redeemID, func(t *creds.UnblindedToken) {
		t.RejectedAt = at
	})
}

func (s *Store) settleReserved(ctx context.Context, op, redeemID string, fn func(*creds.UnblindedToken)) error {
	if redeemID == "" {
		return creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: "redeem id is required"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for id, t := range s.tokens {
		if t.RedeemID != redeemID || t.Spent() || t.Rejected() || t.ReservedAt.IsZero() {
			continue
		}
		fn(&t)
		s.tokens[id] = t
	}
	return nil
}

func (s *Store) CountUnspent(ctx context.Context, sel creds.Selection) (int, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.tmu.RLock()
	defer s.tmu.RUnlock()

	n, v := 0, 0.0
	for _, t := range s.tokens {
		if sel.Matches(t) {
			n++
			v += t.Value
		}
	}
	return n, v, nil
}

func (s *Store) MarkSpent(ctx context.Context, ids []string, redeemID string, rt creds.RedeemType, at time.Time) error {
	const op = "memstore.MarkSpent"
	if err := creds.CheckMarkSpentInput(op, ids, redeemID, rt); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()

	rows := make(map[string]creds.UnblindedToken, len(ids))
	for _, id := range ids {
		if t, ok := s.tokens[id]; ok {
			rows[id] = t
		}
	}
	replay, err := creds.SpentState(op, rows, ids, redeemID)
	if err != nil || replay {
		return err
	}

	for _, id := range ids {
		t := rows[id]
		t.RedeemedAt = at
		t.RedeemID = redeemID
		t.RedeemType = rt
		s.tokens[id] = t
	}
	return nil
}

func (s *Store) CountByCreds(ctx context.Context, credsID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.tmu.RLock()
	defer s.tmu.RUnlock()
	n := 0
	for _, t := range s.tokens {
		if t.CredsID == credsID {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetTokens(ctx context.Context, ids []string) ([]creds.UnblindedToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.tmu.RLock()
	defer s.tmu.RUnlock()

	out := make([]creds.UnblindedToken, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tokens[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) RemoveAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.tokens = make(map[string]creds.UnblindedToken)
	s.byValue = make(map[string]string)
	return nil
}

// ---- copies ----

func cloneBatch(b creds.CredsBatch) creds.CredsBatch {
	b.Creds = cloneList(b.Creds)
	b.BlindedCreds = cloneList(b.BlindedCreds)
	b.SignedCreds = cloneList(b.SignedCreds)
	return b
}

func cloneList[T ~[]byte](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	for i, b := range in {
		out[i] = append(T(nil), b...)
	}
	return out
}
