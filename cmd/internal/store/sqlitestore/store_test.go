package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Stores {
		s := openTestStore(t)
		return storetest.Stores{Batches: s, Tokens: s}
	})
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	k := creds.Key{ID: "promo-1", Type: creds.TriggerPromotion}
	in := storetest.NewBatch(t, k, 2)
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.SaveClaimed(ctx, k, "claim-1"); err != nil {
		t.Fatalf("SaveClaimed: %v", err)
	}
	_ = s.Close()

	// Migrations run again on reopen and must be no-ops.
	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, ok, err := s.GetByTrigger(ctx, k)
	if err != nil || !ok {
		t.Fatalf("GetByTrigger ok=%v err=%v", ok, err)
	}
	if got.CredsID != in.CredsID || got.Status != creds.StatusClaimed || got.ClaimID != "claim-1" {
		t.Fatalf("got=%+v want creds_id=%s status=claimed claim=claim-1", got, in.CredsID)
	}
}

func TestUpSection(t *testing.T) {
	t.Parallel()

	in := "-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;\n"
	if got := upSection(in); got != "\nCREATE TABLE a (x INT);\n" {
		t.Fatalf("upSection=%q", got)
	}
	if got := upSection("SELECT 1;"); got != "SELECT 1;" {
		t.Fatalf("upSection(no marker)=%q", got)
	}
}
