package ids

import (
	"sort"
	"testing"
	"time"
)

func TestNewULIDs_Ascending(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)
	got, err := NewULIDs(now, 64)
	if err != nil {
		t.Fatalf("NewULIDs: %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("len=%d want=64", len(got))
	}
	if !sort.StringsAreSorted(got) {
		t.Fatalf("expected ascending ULIDs: %v", got)
	}
	for _, id := range got {
		if len(id) != 26 {
			t.Fatalf("ULID length=%d want=26", len(id))
		}
	}
}

func TestNewUUID(t *testing.T) {
	t.Parallel()

	a, b := NewUUID(), NewUUID()
	if a == b {
		t.Fatalf("expected distinct UUIDs, got %q twice", a)
	}
	if !IsUUID(a) {
		t.Fatalf("IsUUID(%q)=false want=true", a)
	}
	if IsUUID("not-a-uuid") {
		t.Fatalf("IsUUID(not-a-uuid)=true want=false")
	}
}
