package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/permadata/bundler"
)

func newItem(id string, uploaded time.Time) bundler.NewDataItem {
	return bundler.NewDataItem{DataItem: bundler.DataItem{
		ID:           bundler.ItemID(id),
		OwnerAddress: "owner-" + id,
		ByteCount:    100,
		UploadedDate: uploaded,
	}}
}

func newBundle(planID bundler.PlanID, bundleID string) bundler.NewBundle {
	return bundler.NewBundle{
		BundleID:    bundler.TxID(bundleID),
		PlanID:      planID,
		PlannedDate: time.Now().UTC(),
		SignedDate:  time.Now().UTC(),
	}
}

func TestInsertNewDataItemStates(t *testing.T) {
	ctx := context.Background()
	m := NewMem(3)
	now := time.Now().UTC()

	if err := m.InsertNewDataItem(ctx, newItem("a", now)); err != nil {
		t.Fatal(err)
	}
	// A duplicate insert is a replayed promotion.
	if err := m.InsertNewDataItem(ctx, newItem("a", now)); !bundler.IsAlreadyAdvanced(err) {
		t.Fatalf("duplicate insert must be AlreadyAdvanced, got %v", err)
	}

	info, err := m.GetDataItemInfo(ctx, "a")
	if err != nil || info.Status != bundler.ItemStatusNew {
		t.Fatalf("got %+v (%v), want new", info, err)
	}
	if _, err := m.GetDataItemInfo(ctx, "ghost"); !bundler.IsNotFound(err) {
		t.Fatalf("unknown id must be NotFound, got %v", err)
	}
}

func TestReuploadAfterTerminalFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMem(3)
	now := time.Now().UTC()

	if err := m.InsertNewDataItem(ctx, newItem("a", now)); err != nil {
		t.Fatal(err)
	}
	planID := bundler.NewUUID()
	if _, err := m.InsertBundlePlan(ctx, planID, []bundler.ItemID{"a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdatePlannedDataItemAsFailed(ctx, "a", bundler.ReasonMissingFromStore); err != nil {
		t.Fatal(err)
	}
	info, _ := m.GetDataItemInfo(ctx, "a")
	if info.Status != bundler.ItemStatusFailed {
		t.Fatalf("got status %s, want failed", info.Status)
	}

	// Re-upload clears the tombstone and stages the item again.
	if err := m.InsertNewDataItem(ctx, newItem("a", now)); err != nil {
		t.Fatal(err)
	}
	info, _ = m.GetDataItemInfo(ctx, "a")
	if info.Status != bundler.ItemStatusNew {
		t.Fatalf("got status %s after re-upload, want new", info.Status)
	}
}

func TestInsertBundlePlanSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMem(3)
	now := time.Now().UTC()
	for _, id := range []string{"a", "b"} {
		if err := m.InsertNewDataItem(ctx, newItem(id, now)); err != nil {
			t.Fatal(err)
		}
	}

	first := bundler.NewUUID()
	moved, err := m.InsertBundlePlan(ctx, first, []bundler.ItemID{"a", "b"})
	if err != nil || len(moved) != 2 {
		t.Fatalf("first plan moved %v (%v), want both", moved, err)
	}

	// A racing planner claiming the same ids gets nothing and writes nothing.
	second := bundler.NewUUID()
	moved, err = m.InsertBundlePlan(ctx, second, []bundler.ItemID{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 0 {
		t.Fatalf("racing plan moved %v, want none", moved)
	}
	if items, _ := m.GetPlannedDataItems(ctx, second); len(items) != 0 {
		t.Fatalf("losing plan must own no items, got %d", len(items))
	}
	if items, _ := m.GetPlannedDataItems(ctx, first); len(items) != 2 {
		t.Fatalf("winning plan must own both items, got %d", len(items))
	}
}

func TestInsertBundlePlanConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMem(3)
	now := time.Now().UTC()
	ids := []bundler.ItemID{"a", "b", "c"}
	for _, id := range ids {
		if err := m.InsertNewDataItem(ctx, newItem(string(id), now)); err != nil {
			t.Fatal(err)
		}
	}

	// Two planners race over the same three ids; the promotion is atomic, so
	// one moves all of them and the other moves none.
	plans := []bundler.PlanID{bundler.NewUUID(), bundler.NewUUID()}
	movedBy := make([][]bundler.ItemID, len(plans))
	var wg sync.WaitGroup
	for i, planID := range plans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			moved, err := m.InsertBundlePlan(ctx, planID, ids)
			if err != nil {
				t.Error(err)
				return
			}
			movedBy[i] = moved
		}()
	}
	wg.Wait()

	if got := len(movedBy[0]) + len(movedBy[1]); got != 3 {
		t.Fatalf("planners moved %d items in total, want 3", got)
	}
	winners := 0
	for i, planID := range plans {
		items, err := m.GetPlannedDataItems(ctx, planID)
		if err != nil {
			t.Fatal(err)
		}
		if len(items) != len(movedBy[i]) {
			t.Fatalf("plan %s owns %d items but reported %d moved", planID, len(items), len(movedBy[i]))
		}
		if len(items) == 3 {
			winners++
		} else if len(items) != 0 {
			t.Fatalf("plan %s holds a partial claim of %d items", planID, len(items))
		}
	}
	if winners != 1 {
		t.Fatalf("got %d winning plans, want exactly 1", winners)
	}
}

func TestBundleLifecyclePromotions(t *testing.T) {
	ctx := context.Background()
	m := NewMem(3)
	now := time.Now().UTC()
	if err := m.InsertNewDataItem(ctx, newItem("a", now)); err != nil {
		t.Fatal(err)
	}
	planID := bundler.NewUUID()
	if _, err := m.InsertBundlePlan(ctx, planID, []bundler.ItemID{"a"}); err != nil {
		t.Fatal(err)
	}

	b := newBundle(planID, "tx-1")
	if err := m.InsertNewBundle(ctx, b); err != nil {
		t.Fatal(err)
	}
	// Replaying the promotion is a no-op success.
	if err := m.InsertNewBundle(ctx, b); !bundler.IsAlreadyAdvanced(err) {
		t.Fatalf("replayed promotion must be AlreadyAdvanced, got %v", err)
	}

	if err := m.InsertPostedBundle(ctx, "tx-1", 12.5); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertPostedBundle(ctx, "tx-1", 12.5); !bundler.IsAlreadyAdvanced(err) {
		t.Fatalf("replayed post must be AlreadyAdvanced, got %v", err)
	}
	posted, err := m.GetPostedBundle(ctx, planID)
	if err != nil || posted.USDToARRate != 12.5 {
		t.Fatalf("got posted %+v (%v)", posted, err)
	}

	if err := m.InsertSeededBundle(ctx, "tx-1"); err != nil {
		t.Fatal(err)
	}
	seeded, err := m.GetSeededBundles(ctx, time.Now().Add(time.Minute))
	if err != nil || len(seeded) != 1 {
		t.Fatalf("got %d seeded bundles (%v), want 1", len(seeded), err)
	}

	if err := m.UpdateBundleAsPermanent(ctx, planID, 1200, true); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateDataItemsAsPermanent(ctx, []bundler.ItemID{"a"}, "tx-1", 1200); err != nil {
		t.Fatal(err)
	}
	info, err := m.GetDataItemInfo(ctx, "a")
	if err != nil || info.Status != bundler.ItemStatusPermanent || info.BundleID != "tx-1" {
		t.Fatalf("got %+v (%v), want permanent in tx-1", info, err)
	}
	pb, ok := m.PermanentBundleRow(planID)
	if !ok || pb.BlockHeight != 1200 || !pb.IndexedOnGQL {
		t.Fatalf("unexpected permanent bundle %+v", pb)
	}
}

func TestFailedToPostReroutesItems(t *testing.T) {
	ctx := context.Background()
	m := NewMem(3)
	now := time.Now().UTC()
	if err := m.InsertNewDataItem(ctx, newItem("a", now)); err != nil {
		t.Fatal(err)
	}
	planID := bundler.NewUUID()
	if _, err := m.InsertBundlePlan(ctx, planID, []bundler.ItemID{"a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertNewBundle(ctx, newBundle(planID, "tx-1")); err != nil {
		t.Fatal(err)
	}

	if err := m.UpdateNewBundleToFailedToPost(ctx, planID, "tx-1"); err != nil {
		t.Fatal(err)
	}
	fb, ok := m.FailedBundleRow(planID)
	if !ok || fb.FailedReason != bundler.ReasonFailedToPost {
		t.Fatalf("unexpected failed bundle %+v", fb)
	}
	// The item is back in new_data_item carrying the lost bundle id.
	row, ok := m.NewDataItemRow("a")
	if !ok {
		t.Fatal("item must be staged again")
	}
	if len(row.FailedBundles) != 1 || row.FailedBundles[0] != "tx-1" {
		t.Fatalf("got failed_bundles %v, want [tx-1]", row.FailedBundles)
	}
}

func TestRepackLimitExhaustion(t *testing.T) {
	ctx := context.Background()
	m := NewMem(2)
	now := time.Now().UTC()
	if err := m.InsertNewDataItem(ctx, newItem("a", now)); err != nil {
		t.Fatal(err)
	}

	// First loss reroutes to new; the second exhausts the limit of 2.
	plan1 := bundler.NewUUID()
	if _, err := m.InsertBundlePlan(ctx, plan1, []bundler.ItemID{"a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateDataItemsToBeRepacked(ctx, []bundler.ItemID{"a"}, "tx-1"); err != nil {
		t.Fatal(err)
	}
	info, _ := m.GetDataItemInfo(ctx, "a")
	if info.Status != bundler.ItemStatusNew {
		t.Fatalf("after first loss got %s, want new", info.Status)
	}

	plan2 := bundler.NewUUID()
	if _, err := m.InsertBundlePlan(ctx, plan2, []bundler.ItemID{"a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateDataItemsToBeRepacked(ctx, []bundler.ItemID{"a"}, "tx-2"); err != nil {
		t.Fatal(err)
	}
	failed, ok := m.FailedDataItem("a")
	if !ok {
		t.Fatal("item must be terminally failed after the second loss")
	}
	if failed.FailedReason != bundler.ReasonTooManyFailures {
		t.Fatalf("got reason %s, want %s", failed.FailedReason, bundler.ReasonTooManyFailures)
	}
	if len(failed.FailedBundles) != 2 {
		t.Fatalf("got failed_bundles %v, want both losses recorded", failed.FailedBundles)
	}
}

func TestSeededBundleDropped(t *testing.T) {
	ctx := context.Background()
	m := NewMem(3)
	now := time.Now().UTC()
	if err := m.InsertNewDataItem(ctx, newItem("a", now)); err != nil {
		t.Fatal(err)
	}
	planID := bundler.NewUUID()
	if _, err := m.InsertBundlePlan(ctx, planID, []bundler.ItemID{"a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertNewBundle(ctx, newBundle(planID, "tx-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertPostedBundle(ctx, "tx-1", 0); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertSeededBundle(ctx, "tx-1"); err != nil {
		t.Fatal(err)
	}

	if err := m.UpdateSeededBundleToDropped(ctx, planID, "tx-1"); err != nil {
		t.Fatal(err)
	}
	fb, ok := m.FailedBundleRow(planID)
	if !ok || fb.FailedReason != bundler.ReasonNotFoundOnChain {
		t.Fatalf("unexpected failed bundle %+v", fb)
	}
	info, _ := m.GetDataItemInfo(ctx, "a")
	if info.Status != bundler.ItemStatusNew {
		t.Fatalf("dropped bundle's item got %s, want new", info.Status)
	}
	// Replay is a no-op.
	if err := m.UpdateSeededBundleToDropped(ctx, planID, "tx-1"); !bundler.IsAlreadyAdvanced(err) {
		t.Fatalf("replayed drop must be AlreadyAdvanced, got %v", err)
	}
}

func TestBatchInsertSkipsAdvanced(t *testing.T) {
	ctx := context.Background()
	m := NewMem(3)
	now := time.Now().UTC()
	if err := m.InsertNewDataItem(ctx, newItem("a", now)); err != nil {
		t.Fatal(err)
	}
	planID := bundler.NewUUID()
	if _, err := m.InsertBundlePlan(ctx, planID, []bundler.ItemID{"a"}); err != nil {
		t.Fatal(err)
	}

	batch := []bundler.NewDataItem{newItem("a", now), newItem("b", now), newItem("b", now)}
	if err := m.InsertNewDataItemBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	// "a" stays planned; "b" is staged once.
	info, _ := m.GetDataItemInfo(ctx, "a")
	if info.Status != bundler.ItemStatusPlanned {
		t.Fatalf("planned item must not be restaged, got %s", info.Status)
	}
	items, err := m.GetNewDataItems(ctx, 10, time.Now().Add(time.Minute))
	if err != nil || len(items) != 1 || items[0].ID != "b" {
		t.Fatalf("got new items %v (%v), want just b", items, err)
	}
}
