package order

import (
	"context"
	"testing"
	"time"

	"github.com/gigmesh/gigmesh/internal/gigs"
	"github.com/gigmesh/gigmesh/internal/testutil"
)

func seedGig(t *testing.T, store *gigs.PostgresStore, id, seller string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.Create(context.Background(), &gigs.Gig{
		ID:         id,
		SellerAddr: seller,
		Title:      "Test gig",
		Tiers: map[gigs.Tier]gigs.TierSpec{
			gigs.TierBasic: {Price: "5.00", RevisionsMax: 1, DeliveryDays: 2},
		},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed gig: %v", err)
	}
}

func TestPostgresStore_OrderRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	seedGig(t, gigs.NewPostgresStore(db), "gig_pg1", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	now := time.Now().UTC().Truncate(time.Microsecond)
	deadline := now.Add(48 * time.Hour)
	o := &Order{
		ID:           "ord_pg1",
		GigID:        "gig_pg1",
		BuyerAddr:    "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		SellerAddr:   "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Tier:         gigs.TierBasic,
		Price:        "5.000000",
		Status:       StatusPending,
		Brief:        "summarize",
		RevisionsMax: 1,
		LockRef:      "0xlock1",
		CreatedAt:    now,
		Deadline:     &deadline,
		UpdatedAt:    now,
	}
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "ord_pg1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.Price != "5.000000" {
		t.Errorf("unexpected row: status=%s price=%s", got.Status, got.Price)
	}
	if got.LockRef != "0xlock1" || got.ReleaseRef != "" || got.RefundRef != "" {
		t.Errorf("unexpected refs: %q %q %q", got.LockRef, got.ReleaseRef, got.RefundRef)
	}
	if got.Deadline == nil {
		t.Error("expected deadline to survive the round trip")
	}

	// Update status, timestamps and a settlement reference
	accepted := now.Add(time.Minute)
	got.Status = StatusAccepted
	got.AcceptedAt = &accepted
	got.ReleaseRef = "0xsettle1"
	got.UpdatedAt = accepted
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	got2, err := store.Get(ctx, "ord_pg1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got2.Status != StatusAccepted || got2.ReleaseRef != "0xsettle1" {
		t.Errorf("update not persisted: status=%s release_ref=%s", got2.Status, got2.ReleaseRef)
	}
	if got2.AcceptedAt == nil {
		t.Error("expected accepted_at to be set")
	}
}

func TestPostgresStore_UpdateMissingOrder(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	err := store.Update(context.Background(), &Order{ID: "ord_missing", UpdatedAt: time.Now()})
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ListByAgent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	seedGig(t, gigs.NewPostgresStore(db), "gig_pg2", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	buyer := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	for i, id := range []string{"ord_a", "ord_b", "ord_c"} {
		now := time.Now().UTC().Add(time.Duration(i) * time.Second)
		err := store.Create(ctx, &Order{
			ID:         id,
			GigID:      "gig_pg2",
			BuyerAddr:  buyer,
			SellerAddr: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Tier:       gigs.TierBasic,
			Price:      "5.000000",
			Status:     StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	orders, err := store.ListByAgent(ctx, buyer, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(orders))
	}
	// Newest first
	if orders[0].ID != "ord_c" {
		t.Errorf("expected ord_c first, got %s", orders[0].ID)
	}

	limited, err := store.ListByAgent(ctx, buyer, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit respected, got %d", len(limited))
	}
}
