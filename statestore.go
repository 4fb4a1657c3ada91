package bundler

import (
	"context"
	"time"
)

// StateStore is the transactional state store contract (the relational tables
// of the pipeline). Every multi-row promotion is one serializable transaction;
// replaying a promotion that already occurred yields an AlreadyAdvanced error
// which callers treat as success.
type StateStore interface {
	// InsertNewDataItem stages item in new_data_item. A row with the same id
	// in failed_data_item is deleted first so re-upload after terminal failure
	// works; a same-id row in new/planned/permanent fails with AlreadyAdvanced.
	InsertNewDataItem(ctx context.Context, item NewDataItem) error
	// InsertNewDataItemBatch stages many items, deduplicated within the batch;
	// ids already in new/planned/permanent are silently skipped.
	InsertNewDataItemBatch(ctx context.Context, items []NewDataItem) error
	// GetNewDataItems returns up to max items uploaded before olderThan,
	// ordered by uploaded_date ascending.
	GetNewDataItems(ctx context.Context, max int, olderThan time.Time) ([]NewDataItem, error)

	// InsertBundlePlan moves each id from new_data_item to planned_data_item
	// under planID and records the bundle_plan row. Ids no longer in
	// new_data_item are silently skipped; the moved ids are returned. If no id
	// could be moved, nothing is written and moved is empty.
	InsertBundlePlan(ctx context.Context, planID PlanID, ids []ItemID) (moved []ItemID, err error)
	// GetPlannedDataItems returns the items of a plan, wherever the plan
	// currently is in the bundle lifecycle.
	GetPlannedDataItems(ctx context.Context, planID PlanID) ([]PlannedDataItem, error)

	// DeleteBundlePlan discards an aborted plan's bundle_plan row. Items must
	// already have been rerouted; deleting an absent plan is a no-op.
	DeleteBundlePlan(ctx context.Context, planID PlanID) error

	// InsertNewBundle promotes the bundle_plan row to new_bundle.
	InsertNewBundle(ctx context.Context, b NewBundle) error
	GetNewBundle(ctx context.Context, planID PlanID) (NewBundle, error)
	// InsertPostedBundle moves new_bundle to posted_bundle.
	InsertPostedBundle(ctx context.Context, bundleID TxID, usdToARRate float64) error
	GetPostedBundle(ctx context.Context, planID PlanID) (PostedBundle, error)
	// InsertSeededBundle moves posted_bundle to seeded_bundle.
	InsertSeededBundle(ctx context.Context, bundleID TxID) error
	// GetSeededBundles lists seeded bundles eligible for a verification poll.
	GetSeededBundles(ctx context.Context, olderThan time.Time) ([]SeededBundle, error)

	// UpdateBundleAsPermanent moves seeded_bundle to permanent_bundle with the
	// observed block height.
	UpdateBundleAsPermanent(ctx context.Context, planID PlanID, blockHeight uint64, indexedOnGQL bool) error
	// UpdateDataItemsAsPermanent moves the given planned items to
	// permanent_data_item under bundleID.
	UpdateDataItemsAsPermanent(ctx context.Context, ids []ItemID, bundleID TxID, blockHeight uint64) error
	// UpdateDataItemsToBeRepacked appends losingBundleID to each planned item's
	// failed_bundles and moves it back to new_data_item, or to failed_data_item
	// with reason too_many_failures once the retry limit is reached.
	UpdateDataItemsToBeRepacked(ctx context.Context, ids []ItemID, losingBundleID TxID) error
	// UpdateSeededBundleToDropped moves seeded_bundle to failed_bundle and
	// reroutes its items.
	UpdateSeededBundleToDropped(ctx context.Context, planID PlanID, bundleID TxID) error
	// UpdateNewBundleToFailedToPost moves new_bundle to failed_bundle and
	// reroutes its items.
	UpdateNewBundleToFailedToPost(ctx context.Context, planID PlanID, bundleID TxID) error
	// UpdatePlannedDataItemAsFailed single-item move to failed_data_item.
	UpdatePlannedDataItemAsFailed(ctx context.Context, id ItemID, reason FailedReason) error

	// GetDataItemInfo reports the item's current state, or NotFound.
	GetDataItemInfo(ctx context.Context, id ItemID) (DataItemInfo, error)
}
