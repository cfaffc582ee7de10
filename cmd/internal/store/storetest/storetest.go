// Package storetest is the conformance suite for creds store backends.
package storetest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ledger/cmd/identity/ids"
	"ledger/cmd/internal/creds"
	"ledger/cmd/security/blind"
)

// Stores is what a backend factory returns. Both may be the same value.
type Stores struct {
	Batches creds.BatchStore
	Tokens  creds.TokenStore
}

// Factory builds fresh, empty stores for one test. Cleanup goes through t.Cleanup.
type Factory func(t *testing.T) Stores

// Run executes every conformance test against the backend built by f.
func Run(t *testing.T, f Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s Stores)
	}{
		{"BatchSaveGet", testBatchSaveGet},
		{"BatchLifecycle", testBatchLifecycle},
		{"BatchResets", testBatchResets},
		{"BatchOverwriteGuard", testBatchOverwriteGuard},
		{"BatchMissing", testBatchMissing},
		{"BatchListByStatus", testBatchListByStatus},
		{"BatchKeysIndependent", testBatchKeysIndependent},
		{"TokensAddAtomic", testTokensAddAtomic},
		{"TokensSelectStable", testTokensSelectStable},
		{"TokensSelectFilters", testTokensSelectFilters},
		{"TokensMarkSpent", testTokensMarkSpent},
		{"TokensMarkSpentAtomic", testTokensMarkSpentAtomic},
		{"TokensMarkSpentRace", testTokensMarkSpentRace},
		{"TokensRemoveRestore", testTokensRemoveRestore},
		{"TokensReserve", testTokensReserve},
		{"TokensReserveReleaseReject", testTokensReserveReleaseReject},
		{"TokensReserveLapses", testTokensReserveLapses},
		{"TokensReserveRace", testTokensReserveRace},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, f(t))
		})
	}
}

// ---- fixtures ----

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

// NewBatch returns a Blinded batch of size n for key.
func NewBatch(t *testing.T, k creds.Key, n int) creds.CredsBatch {
	t.Helper()
	b := creds.CredsBatch{
		CredsID:     ids.NewUUID(),
		TriggerID:   k.ID,
		TriggerType: k.Type,
		Size:        n,
		Status:      creds.StatusBlinded,
		CreatedAt:   baseTime,
	}
	for i := 0; i < n; i++ {
		b.Creds = append(b.Creds, randBytes(t, blind.TokenSize))
		b.BlindedCreds = append(b.BlindedCreds, randBytes(t, blind.PointSize))
	}
	return b
}

func signedFor(t *testing.T, n int) []blind.SignedToken {
	out := make([]blind.SignedToken, n)
	for i := range out {
		out[i] = randBytes(t, blind.PointSize)
	}
	return out
}

// NewTokens returns n unspent tokens in ascending TokenID order.
func NewTokens(t *testing.T, n int, tt creds.TriggerType, value float64) []creds.UnblindedToken {
	t.Helper()
	idList, err := ids.NewULIDs(baseTime, n)
	if err != nil {
		t.Fatalf("NewULIDs: %v", err)
	}
	credsID := ids.NewUUID()
	out := make([]creds.UnblindedToken, n)
	for i := range out {
		out[i] = creds.UnblindedToken{
			TokenID:     idList[i],
			TokenValue:  blind.Encode(randBytes(t, blind.UnblindedSize)),
			PublicKey:   "PK1",
			Value:       value,
			CredsID:     credsID,
			TriggerType: tt,
			CreatedAt:   baseTime,
		}
	}
	return out
}

func tokenIDs(ts []creds.UnblindedToken) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.TokenID
	}
	return out
}

func mustGet(t *testing.T, s creds.BatchStore, k creds.Key) creds.CredsBatch {
	t.Helper()
	b, ok, err := s.GetByTrigger(context.Background(), k)
	if err != nil {
		t.Fatalf("GetByTrigger(%v): %v", k, err)
	}
	if !ok {
		t.Fatalf("GetByTrigger(%v): not found", k)
	}
	return b
}

func equalLists[T ~[]byte](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if string(a[i]) != string(b[i]) {
			return false
		}
	}
	return true
}

// ---- batch tests ----

func testBatchSaveGet(t *testing.T, s Stores) {
	ctx := context.Background()
	k := creds.Key{ID: "promo-1", Type: creds.TriggerPromotion}

	if _, ok, err := s.Batches.GetByTrigger(ctx, k); err != nil || ok {
		t.Fatalf("GetByTrigger(empty) ok=%v err=%v want=false,nil", ok, err)
	}

	in := NewBatch(t, k, 4)
	if err := s.Batches.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got := mustGet(t, s.Batches, k)

	if got.CredsID != in.CredsID || got.Size != 4 || got.Status != creds.StatusBlinded {
		t.Fatalf("got=%+v want creds_id=%s size=4 status=blinded", got, in.CredsID)
	}
	if !equalLists(got.Creds, in.Creds) || !equalLists(got.BlindedCreds, in.BlindedCreds) {
		t.Fatalf("creds lists do not round-trip")
	}
	if len(got.SignedCreds) != 0 || got.PublicKey != "" {
		t.Fatalf("signed=%d key=%q want empty", len(got.SignedCreds), got.PublicKey)
	}

	// Same trigger id, other type is another batch.
	other := creds.Key{ID: "promo-1", Type: creds.TriggerSKUOrder}
	if _, ok, _ := s.Batches.GetByTrigger(ctx, other); ok {
		t.Fatalf("GetByTrigger(other type) ok=true want=false")
	}
}

func testBatchLifecycle(t *testing.T, s Stores) {
	ctx := context.Background()
	k := creds.Key{ID: "promo-2", Type: creds.TriggerPromotion}
	in := NewBatch(t, k, 3)
	if err := s.Batches.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Batches.SaveClaimed(ctx, k, "claim-abc"); err != nil {
		t.Fatalf("SaveClaimed: %v", err)
	}
	b := mustGet(t, s.Batches, k)
	if b.Status != creds.StatusClaimed || b.ClaimID != "claim-abc" {
		t.Fatalf("status=%v claim=%q want=claimed,claim-abc", b.Status, b.ClaimID)
	}

	signed := signedFor(t, 3)
	if err := s.Batches.SaveSigned(ctx, k, signed, "PK1", "PROOF"); err != nil {
		t.Fatalf("SaveSigned: %v", err)
	}
	b = mustGet(t, s.Batches, k)
	if b.Status != creds.StatusSigned || b.PublicKey != "PK1" || b.BatchProof != "PROOF" {
		t.Fatalf("status=%v key=%q proof=%q", b.Status, b.PublicKey, b.BatchProof)
	}
	if !equalLists(b.SignedCreds, signed) {
		t.Fatalf("signed creds do not round-trip")
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if err := s.Batches.UpdateStatus(ctx, k, creds.StatusFinished); err != nil {
		t.Fatalf("UpdateStatus(finished): %v", err)
	}
	if err := s.Batches.UpdateStatus(ctx, k, creds.StatusFinished); err != nil {
		t.Fatalf("UpdateStatus(finished again): %v", err)
	}
	if err := s.Batches.UpdateStatus(ctx, k, creds.StatusNone); !creds.IsInvalid(err) {
		t.Fatalf("UpdateStatus(finished->none)=%v want invalid_input", err)
	}
	if got := mustGet(t, s.Batches, k).Status; got != creds.StatusFinished {
		t.Fatalf("status=%v want=finished", got)
	}
}

func testBatchResets(t *testing.T, s Stores) {
	ctx := context.Background()
	k := creds.Key{ID: "promo-3", Type: creds.TriggerPromotion}
	if err := s.Batches.Save(ctx, NewBatch(t, k, 2)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Batches.SaveClaimed(ctx, k, "c1"); err != nil {
		t.Fatalf("SaveClaimed: %v", err)
	}
	if err := s.Batches.UpdateStatus(ctx, k, creds.StatusBlinded); err != nil {
		t.Fatalf("UpdateStatus(claimed->blinded): %v", err)
	}
	if err := s.Batches.UpdateStatus(ctx, k, creds.StatusNone); err != nil {
		t.Fatalf("UpdateStatus(blinded->none): %v", err)
	}
	if err := s.Batches.UpdateStatus(ctx, k, creds.StatusCorrupted); err != nil {
		t.Fatalf("UpdateStatus(none->corrupted): %v", err)
	}
	if err := s.Batches.UpdateStatus(ctx, k, creds.StatusBlinded); !creds.IsInvalid(err) {
		t.Fatalf("UpdateStatus(corrupted->blinded)=%v want invalid_input", err)
	}
}

func testBatchOverwriteGuard(t *testing.T, s Stores) {
	ctx := context.Background()
	k := creds.Key{ID: "promo-4", Type: creds.TriggerPromotion}
	first := NewBatch(t, k, 2)
	if err := s.Batches.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Batches.Save(ctx, NewBatch(t, k, 2)); !creds.IsConflict(err) {
		t.Fatalf("Save(replace blinded)=%v want conflict", err)
	}
	if got := mustGet(t, s.Batches, k); got.CredsID != first.CredsID {
		t.Fatalf("creds_id=%s want=%s", got.CredsID, first.CredsID)
	}

	if err := s.Batches.UpdateStatus(ctx, k, creds.StatusNone); err != nil {
		t.Fatalf("UpdateStatus(none): %v", err)
	}
	second := NewBatch(t, k, 2)
	if err := s.Batches.Save(ctx, second); err != nil {
		t.Fatalf("Save(after reset): %v", err)
	}
	got := mustGet(t, s.Batches, k)
	if got.CredsID != second.CredsID || got.Status != creds.StatusBlinded {
		t.Fatalf("got creds_id=%s status=%v want=%s,blinded", got.CredsID, got.Status, second.CredsID)
	}
}

func testBatchMissing(t *testing.T, s Stores) {
	ctx := context.Background()
	k := creds.Key{ID: "missing", Type: creds.TriggerAdGrant}

	if err := s.Batches.UpdateStatus(ctx, k, creds.StatusFinished); !creds.IsNotFound(err) {
		t.Fatalf("UpdateStatus(missing)=%v want not_found", err)
	}
	if err := s.Batches.SaveClaimed(ctx, k, "c"); !creds.IsNotFound(err) {
		t.Fatalf("SaveClaimed(missing)=%v want not_found", err)
	}
	if err := s.Batches.SaveSigned(ctx, k, nil, "PK", ""); !creds.IsNotFound(err) {
		t.Fatalf("SaveSigned(missing)=%v want not_found", err)
	}
}

func testBatchListByStatus(t *testing.T, s Stores) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		k := creds.Key{ID: fmt.Sprintf("list-%d", i), Type: creds.TriggerAdGrant}
		b := NewBatch(t, k, 1)
		b.CreatedAt = baseTime.Add(time.Duration(i) * time.Minute)
		if err := s.Batches.Save(ctx, b); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := s.Batches.SaveClaimed(ctx, creds.Key{ID: "list-1", Type: creds.TriggerAdGrant}, "c"); err != nil {
		t.Fatalf("SaveClaimed: %v", err)
	}

	blinded, err := s.Batches.ListByStatus(ctx, creds.StatusBlinded)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(blinded) != 2 || blinded[0].TriggerID != "list-0" || blinded[1].TriggerID != "list-2" {
		t.Fatalf("blinded=%v want=[list-0 list-2]", triggerIDs(blinded))
	}
	claimed, _ := s.Batches.ListByStatus(ctx, creds.StatusClaimed)
	if len(claimed) != 1 || claimed[0].TriggerID != "list-1" {
		t.Fatalf("claimed=%v want=[list-1]", triggerIDs(claimed))
	}
}

func triggerIDs(bs []creds.CredsBatch) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.TriggerID
	}
	return out
}

func testBatchKeysIndependent(t *testing.T, s Stores) {
	ctx := context.Background()
	const n = 16

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		k := creds.Key{ID: fmt.Sprintf("par-%d", i), Type: creds.TriggerPromotion}
		b := NewBatch(t, k, 2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Batches.Save(ctx, b); err != nil {
				errs <- err
				return
			}
			errs <- s.Batches.SaveClaimed(ctx, k, "c-"+k.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent save: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		k := creds.Key{ID: fmt.Sprintf("par-%d", i), Type: creds.TriggerPromotion}
		if b := mustGet(t, s.Batches, k); b.ClaimID != "c-"+k.ID {
			t.Fatalf("claim=%q want=%q", b.ClaimID, "c-"+k.ID)
		}
	}
}

// ---- token tests ----

func testTokensAddAtomic(t *testing.T, s Stores) {
	ctx := context.Background()
	first := NewTokens(t, 3, creds.TriggerPromotion, 0.25)
	if err := s.Tokens.AddTokens(ctx, first); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}

	// Second batch reuses one existing value: nothing from it may land.
	second := NewTokens(t, 3, creds.TriggerPromotion, 0.25)
	second[2].TokenValue = first[0].TokenValue
	if err := s.Tokens.AddTokens(ctx, second); !creds.IsConflict(err) {
		t.Fatalf("AddTokens(dup)=%v want conflict", err)
	}

	n, v, err := s.Tokens.CountUnspent(ctx, creds.Selection{})
	if err != nil {
		t.Fatalf("CountUnspent: %v", err)
	}
	if n != 3 || v != 0.75 {
		t.Fatalf("count=%d value=%v want=3,0.75", n, v)
	}
}

func testTokensSelectStable(t *testing.T, s Stores) {
	ctx := context.Background()
	toks := NewTokens(t, 5, creds.TriggerPromotion, 0.25)
	// Insert out of order; selection still follows TokenID.
	if err := s.Tokens.AddTokens(ctx, []creds.UnblindedToken{toks[3], toks[0], toks[4]}); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}
	if err := s.Tokens.AddTokens(ctx, []creds.UnblindedToken{toks[2], toks[1]}); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}

	a, err := s.Tokens.SelectUnspent(ctx, 3, creds.Selection{})
	if err != nil {
		t.Fatalf("SelectUnspent: %v", err)
	}
	b, _ := s.Tokens.SelectUnspent(ctx, 3, creds.Selection{})
	want := tokenIDs(toks[:3])
	for i := range want {
		if a[i].TokenID != want[i] || b[i].TokenID != want[i] {
			t.Fatalf("select=%v,%v want=%v", tokenIDs(a), tokenIDs(b), want)
		}
	}
	if a[0].TokenValue != toks[0].TokenValue || a[0].Value != 0.25 || a[0].TriggerType != creds.TriggerPromotion {
		t.Fatalf("token fields do not round-trip: %+v", a[0])
	}

	none, err := s.Tokens.SelectUnspent(ctx, 0, creds.Selection{})
	if err != nil || len(none) != 0 {
		t.Fatalf("SelectUnspent(0)=%v,%v want=empty,nil", none, err)
	}
}

func testTokensSelectFilters(t *testing.T, s Stores) {
	ctx := context.Background()
	promo := NewTokens(t, 2, creds.TriggerPromotion, 0.25)
	promo[0].ExpiresAt = baseTime.Add(time.Hour)
	sku := NewTokens(t, 2, creds.TriggerSKUOrder, 0.25)
	sku[1].PublicKey = "PK2"

	if err := s.Tokens.AddTokens(ctx, append(promo, sku...)); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}

	cases := []struct {
		name string
		sel  creds.Selection
		want int
	}{
		{"all", creds.Selection{}, 4},
		{"before expiry", creds.Selection{Now: baseTime}, 4},
		{"after expiry", creds.Selection{Now: baseTime.Add(2 * time.Hour)}, 3},
		{"promotion only", creds.Selection{TriggerTypes: []creds.TriggerType{creds.TriggerPromotion}}, 2},
		{"key PK2", creds.Selection{PublicKeys: []string{"PK2"}}, 1},
		{"sku under PK1", creds.Selection{TriggerTypes: []creds.TriggerType{creds.TriggerSKUOrder}, PublicKeys: []string{"PK1"}}, 1},
	}
	for _, tc := range cases {
		got, err := s.Tokens.SelectUnspent(ctx, 10, tc.sel)
		if err != nil {
			t.Fatalf("%s: SelectUnspent: %v", tc.name, err)
		}
		n, _, err := s.Tokens.CountUnspent(ctx, tc.sel)
		if err != nil {
			t.Fatalf("%s: CountUnspent: %v", tc.name, err)
		}
		if len(got) != tc.want || n != tc.want {
			t.Fatalf("%s: select=%d count=%d want=%d", tc.name, len(got), n, tc.want)
		}
	}
}

func testTokensMarkSpent(t *testing.T, s Stores) {
	ctx := context.Background()
	toks := NewTokens(t, 4, creds.TriggerPromotion, 0.25)
	if err := s.Tokens.AddTokens(ctx, toks); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}

	spent := tokenIDs(toks[:2])
	at := baseTime.Add(time.Minute)
	if err := s.Tokens.MarkSpent(ctx, spent, "r1", creds.RedeemVote, at); err != nil {
		t.Fatalf("MarkSpent: %v", err)
	}

	// Replay under the same redeem id changes nothing.
	if err := s.Tokens.MarkSpent(ctx, spent, "r1", creds.RedeemVote, at.Add(time.Hour)); err != nil {
		t.Fatalf("MarkSpent(replay): %v", err)
	}
	got, err := s.Tokens.GetTokens(ctx, spent)
	if err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	for _, tok := range got {
		if !tok.RedeemedAt.Equal(at) || tok.RedeemID != "r1" || tok.RedeemType != creds.RedeemVote {
			t.Fatalf("token=%+v want redeemed_at=%v redeem_id=r1 type=vote", tok, at)
		}
	}

	if err := s.Tokens.MarkSpent(ctx, spent, "r2", creds.RedeemVote, at); !creds.IsAlreadySpent(err) {
		t.Fatalf("MarkSpent(other redeem id)=%v want already_spent", err)
	}

	left, _ := s.Tokens.SelectUnspent(ctx, 10, creds.Selection{})
	if len(left) != 2 || left[0].TokenID != toks[2].TokenID {
		t.Fatalf("unspent=%v want=%v", tokenIDs(left), tokenIDs(toks[2:]))
	}

	if err := s.Tokens.MarkSpent(ctx, nil, "r3", creds.RedeemVote, at); !creds.IsInvalid(err) {
		t.Fatalf("MarkSpent(empty)=%v want invalid_input", err)
	}
	if err := s.Tokens.MarkSpent(ctx, spent, "r3", "bogus", at); !creds.IsInvalid(err) {
		t.Fatalf("MarkSpent(bad type)=%v want invalid_input", err)
	}
}

func testTokensMarkSpentAtomic(t *testing.T, s Stores) {
	ctx := context.Background()
	toks := NewTokens(t, 3, creds.TriggerPromotion, 0.25)
	if err := s.Tokens.AddTokens(ctx, toks); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}
	if err := s.Tokens.MarkSpent(ctx, []string{toks[0].TokenID}, "r1", creds.RedeemOneTimeTip, baseTime); err != nil {
		t.Fatalf("MarkSpent: %v", err)
	}

	// One already spent: nothing else may be marked.
	if err := s.Tokens.MarkSpent(ctx, tokenIDs(toks), "r2", creds.RedeemOneTimeTip, baseTime); !creds.IsAlreadySpent(err) {
		t.Fatalf("MarkSpent(mixed)=%v want already_spent", err)
	}
	// One missing: nothing may be marked.
	if err := s.Tokens.MarkSpent(ctx, []string{toks[1].TokenID, "01HZZZZZZZZZZZZZZZZZZZZZZZ"}, "r3", creds.RedeemOneTimeTip, baseTime); !creds.IsNotFound(err) {
		t.Fatalf("MarkSpent(missing)=%v want not_found", err)
	}

	n, _, _ := s.Tokens.CountUnspent(ctx, creds.Selection{})
	if n != 2 {
		t.Fatalf("unspent=%d want=2", n)
	}
}

func testTokensMarkSpentRace(t *testing.T, s Stores) {
	ctx := context.Background()
	toks := NewTokens(t, 2, creds.TriggerPromotion, 0.25)
	if err := s.Tokens.AddTokens(ctx, toks); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}
	idList := tokenIDs(toks)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		redeemID := fmt.Sprintf("race-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Tokens.MarkSpent(ctx, idList, redeemID, creds.RedeemPayment, baseTime)
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case creds.IsAlreadySpent(err):
		default:
			t.Fatalf("MarkSpent: unexpected %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful MarkSpent=%d want=1", ok)
	}
}

func testTokensRemoveRestore(t *testing.T, s Stores) {
	ctx := context.Background()
	toks := NewTokens(t, 3, creds.TriggerAdGrant, 0.1)
	toks[0].RedeemedAt = baseTime
	toks[0].RedeemID = "r-backup"
	toks[0].RedeemType = creds.RedeemAutoContribute

	if err := s.Tokens.Restore(ctx, toks); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	n, _, _ := s.Tokens.CountUnspent(ctx, creds.Selection{})
	if n != 2 {
		t.Fatalf("unspent after restore=%d want=2", n)
	}
	if c, err := s.Tokens.CountByCreds(ctx, toks[0].CredsID); err != nil || c != 3 {
		t.Fatalf("CountByCreds=%d,%v want=3,nil", c, err)
	}
	got, _ := s.Tokens.GetTokens(ctx, []string{toks[0].TokenID})
	if len(got) != 1 || !got[0].Spent() || got[0].RedeemID != "r-backup" {
		t.Fatalf("restored=%+v want spent under r-backup", got)
	}

	if err := s.Tokens.RemoveAll(ctx); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	n, _, _ = s.Tokens.CountUnspent(ctx, creds.Selection{})
	if n != 0 {
		t.Fatalf("unspent after RemoveAll=%d want=0", n)
	}
	if c, err := s.Tokens.CountByCreds(ctx, toks[0].CredsID); err != nil || c != 0 {
		t.Fatalf("CountByCreds after RemoveAll=%d,%v want=0,nil", c, err)
	}
	// Values are free again.
	if err := s.Tokens.AddTokens(ctx, toks[1:]); err != nil {
		t.Fatalf("AddTokens after RemoveAll: %v", err)
	}
}

func testTokensReserve(t *testing.T, s Stores) {
	ctx := context.Background()
	toks := NewTokens(t, 5, creds.TriggerPromotion, 0.25)
	if err := s.Tokens.AddTokens(ctx, toks); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}
	sel := creds.Selection{Now: baseTime}

	a, err := s.Tokens.ReserveUnspent(ctx, 2, sel, "r-a", baseTime)
	if err != nil {
		t.Fatalf("ReserveUnspent(a): %v", err)
	}
	b, err := s.Tokens.ReserveUnspent(ctx, 2, sel, "r-b", baseTime)
	if err != nil {
		t.Fatalf("ReserveUnspent(b): %v", err)
	}
	if got, want := tokenIDs(a), tokenIDs(toks[:2]); got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("a=%v want=%v", got, want)
	}
	if got, want := tokenIDs(b), tokenIDs(toks[2:4]); got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("b=%v want=%v", got, want)
	}
	if a[0].RedeemID != "r-a" || !a[0].ReservedAt.Equal(baseTime) {
		t.Fatalf("reserved token=%+v want redeem_id=r-a reserved_at=%v", a[0], baseTime)
	}

	// Reserved tokens are neither selected nor counted.
	left, _ := s.Tokens.SelectUnspent(ctx, 10, sel)
	if len(left) != 1 || left[0].TokenID != toks[4].TokenID {
		t.Fatalf("unreserved=%v want=[%s]", tokenIDs(left), toks[4].TokenID)
	}
	if n, _, _ := s.Tokens.CountUnspent(ctx, sel); n != 1 {
		t.Fatalf("count=%d want=1", n)
	}

	// All or nothing.
	if _, err := s.Tokens.ReserveUnspent(ctx, 2, sel, "r-c", baseTime); !errors.Is(err, creds.ErrNotEnoughTokens) {
		t.Fatalf("ReserveUnspent(short)=%v want not_enough_tokens", err)
	}
	if n, _, _ := s.Tokens.CountUnspent(ctx, sel); n != 1 {
		t.Fatalf("count after failed reserve=%d want=1", n)
	}

	// Only the holder may spend a reservation.
	if err := s.Tokens.MarkSpent(ctx, tokenIDs(a), "r-b", creds.RedeemVote, baseTime); !creds.IsAlreadySpent(err) {
		t.Fatalf("MarkSpent(other holder)=%v want already_spent", err)
	}
	if err := s.Tokens.MarkSpent(ctx, tokenIDs(a), "r-a", creds.RedeemVote, baseTime); err != nil {
		t.Fatalf("MarkSpent(holder): %v", err)
	}

	if _, err := s.Tokens.ReserveUnspent(ctx, 0, sel, "r-d", baseTime); !creds.IsInvalid(err) {
		t.Fatalf("ReserveUnspent(0)=%v want invalid_input", err)
	}
	if _, err := s.Tokens.ReserveUnspent(ctx, 1, sel, "", baseTime); !creds.IsInvalid(err) {
		t.Fatalf("ReserveUnspent(no id)=%v want invalid_input", err)
	}
}

func testTokensReserveReleaseReject(t *testing.T, s Stores) {
	ctx := context.Background()
	toks := NewTokens(t, 4, creds.TriggerPromotion, 0.25)
	if err := s.Tokens.AddTokens(ctx, toks); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}
	sel := creds.Selection{Now: baseTime}

	if _, err := s.Tokens.ReserveUnspent(ctx, 2, sel, "r-release", baseTime); err != nil {
		t.Fatalf("ReserveUnspent: %v", err)
	}
	if err := s.Tokens.ReleaseReserved(ctx, "r-release"); err != nil {
		t.Fatalf("ReleaseReserved: %v", err)
	}
	got, _ := s.Tokens.GetTokens(ctx, tokenIDs(toks[:2]))
	for _, tok := range got {
		if !tok.ReservedAt.IsZero() || tok.RedeemID != "" {
			t.Fatalf("released token=%+v want no reservation", tok)
		}
	}
	if n, _, _ := s.Tokens.CountUnspent(ctx, sel); n != 4 {
		t.Fatalf("count after release=%d want=4", n)
	}

	r, err := s.Tokens.ReserveUnspent(ctx, 1, sel, "r-reject", baseTime)
	if err != nil {
		t.Fatalf("ReserveUnspent: %v", err)
	}
	rejectAt := baseTime.Add(time.Second)
	if err := s.Tokens.RejectReserved(ctx, "r-reject", rejectAt); err != nil {
		t.Fatalf("RejectReserved: %v", err)
	}
	got, _ = s.Tokens.GetTokens(ctx, tokenIDs(r))
	if len(got) != 1 || !got[0].RejectedAt.Equal(rejectAt) || got[0].Spent() {
		t.Fatalf("rejected=%+v want rejected_at=%v unspent", got, rejectAt)
	}

	// Rejected tokens never come back, not even once the reservation lapses.
	later := creds.Selection{Now: baseTime.Add(2 * creds.ReservationTTL)}
	left, _ := s.Tokens.SelectUnspent(ctx, 10, later)
	if len(left) != 3 || left[0].TokenID == r[0].TokenID {
		t.Fatalf("selectable=%v want 3 without %s", tokenIDs(left), r[0].TokenID)
	}
	if err := s.Tokens.MarkSpent(ctx, tokenIDs(r), "r-reject", creds.RedeemVote, baseTime); !creds.IsAlreadySpent(err) {
		t.Fatalf("MarkSpent(rejected)=%v want already_spent", err)
	}
	if err := s.Tokens.ReleaseReserved(ctx, "r-reject"); err != nil {
		t.Fatalf("ReleaseReserved(rejected): %v", err)
	}
	if got, _ = s.Tokens.GetTokens(ctx, tokenIDs(r)); !got[0].Rejected() {
		t.Fatalf("release cleared a rejection: %+v", got[0])
	}

	if err := s.Tokens.ReleaseReserved(ctx, ""); !creds.IsInvalid(err) {
		t.Fatalf("ReleaseReserved(empty)=%v want invalid_input", err)
	}
}

func testTokensReserveLapses(t *testing.T, s Stores) {
	ctx := context.Background()
	toks := NewTokens(t, 2, creds.TriggerAdGrant, 0.1)
	if err := s.Tokens.AddTokens(ctx, toks); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}
	if _, err := s.Tokens.ReserveUnspent(ctx, 2, creds.Selection{Now: baseTime}, "r-stale", baseTime); err != nil {
		t.Fatalf("ReserveUnspent: %v", err)
	}

	live := baseTime.Add(creds.ReservationTTL - time.Minute)
	if _, err := s.Tokens.ReserveUnspent(ctx, 1, creds.Selection{Now: live}, "r-new", live); !errors.Is(err, creds.ErrNotEnoughTokens) {
		t.Fatalf("ReserveUnspent(before lapse)=%v want not_enough_tokens", err)
	}

	lapsed := baseTime.Add(creds.ReservationTTL + time.Minute)
	got, err := s.Tokens.ReserveUnspent(ctx, 2, creds.Selection{}, "r-new", lapsed)
	if err != nil {
		t.Fatalf("ReserveUnspent(after lapse): %v", err)
	}
	if got[0].RedeemID != "r-new" || got[1].TokenID != toks[1].TokenID {
		t.Fatalf("reserved=%+v want both tokens under r-new", got)
	}
	if err := s.Tokens.MarkSpent(ctx, tokenIDs(got), "r-stale", creds.RedeemPayment, lapsed); !creds.IsAlreadySpent(err) {
		t.Fatalf("MarkSpent(stale holder)=%v want already_spent", err)
	}
}

func testTokensReserveRace(t *testing.T, s Stores) {
	ctx := context.Background()
	const racers, each = 6, 2
	toks := NewTokens(t, racers*each-1, creds.TriggerPromotion, 0.25)
	if err := s.Tokens.AddTokens(ctx, toks); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = map[string]string{}
		ok  int
	)
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		redeemID := fmt.Sprintf("race-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.Tokens.ReserveUnspent(ctx, each, creds.Selection{Now: baseTime}, redeemID, baseTime)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ok++
			for _, tok := range r {
				if prev, dup := got[tok.TokenID]; dup {
					errs <- fmt.Errorf("token %s reserved by %s and %s", tok.TokenID, prev, redeemID)
					return
				}
				got[tok.TokenID] = redeemID
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, creds.ErrNotEnoughTokens) {
			t.Fatalf("ReserveUnspent: %v", err)
		}
	}
	if ok != racers-1 {
		t.Fatalf("successful reservations=%d want=%d", ok, racers-1)
	}
}
