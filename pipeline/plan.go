package pipeline

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/metrics"
	"github.com/permadata/bundler/packer"
)

// planFetchFactor bounds how many staged items one planning round considers,
// as a multiple of the per-bundle item cap.
const planFetchFactor = 10

// HandlePlanBundle is the plan-bundle queue handler. One delivery drains the
// eligible slice of new_data_item into however many plans it packs into; each
// won plan is handed to the prepare queue.
func (p *Pipeline) HandlePlanBundle(ctx context.Context, msg bundler.Message) error {
	// Fresh uploads wait out the accumulation window so batches can fill;
	// overdue items are older than the window by construction and always pass.
	cutoff := Now().UTC().Add(-p.Config.BatchAccumulationWindow)
	items, err := p.Store.GetNewDataItems(ctx, p.Config.MaxDataItemsPerBundle*planFetchFactor, cutoff)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	items = p.Filter.Admit(items)

	limits := packer.Limits{
		MaxTotalBytes:      p.Config.MaxBundleByteCount,
		MaxSingleItemBytes: p.Config.MaxDataItemByteCount,
		MaxItemsPerBundle:  p.Config.MaxDataItemsPerBundle,
		OverdueCutoff:      Now().UTC().Add(-p.Config.OverdueThreshold),
	}
	for _, plan := range packer.Pack(items, limits) {
		planID := bundler.NewUUID()
		moved, err := p.Store.InsertBundlePlan(ctx, planID, plan.ItemIDs)
		if err != nil {
			return err
		}
		if len(moved) == 0 {
			// Every id was claimed by a racing planner; nothing was written.
			continue
		}
		metrics.BundlesPlanned.Inc()
		metrics.DataItemsPlanned.Add(float64(len(moved)))
		if err := p.enqueueBundleRef(ctx, p.PrepareQueue, planID); err != nil {
			return fmt.Errorf("enqueueing prepare for plan %s, details: %v", planID, err)
		}
		log.Info(fmt.Sprintf("planned bundle %s with %d items (%d bytes, overdue=%v)",
			planID, len(moved), plan.TotalBytes, plan.ContainsOverdue))
	}
	return nil
}
