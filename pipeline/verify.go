package pipeline

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/gateway"
	"github.com/permadata/bundler/metrics"
)

const (
	// seedSettleTime keeps just-seeded bundles out of the verification scan;
	// the network needs a moment before status polls say anything useful.
	seedSettleTime = 10 * time.Minute
	// verifyConcurrency bounds parallel status polls per scan.
	verifyConcurrency = 8
)

// VerifyLoop runs the verification scan on the given cadence until ctx ends.
func (p *Pipeline) VerifyLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.VerifySeededBundles(ctx); err != nil {
				log.Error(fmt.Sprintf("verification scan failed, details: %v", err))
			}
		}
	}
}

// VerifySeededBundles polls every settled seeded bundle once and settles the
// ones the chain has decided: permanent past the confirmation threshold,
// dropped once the tx stays missing past the anchor window.
func (p *Pipeline) VerifySeededBundles(ctx context.Context) error {
	bundles, err := p.Store.GetSeededBundles(ctx, Now().UTC().Add(-seedSettleTime))
	if err != nil {
		return err
	}
	if len(bundles) == 0 {
		return nil
	}
	runner := bundler.NewTaskRunner(ctx, verifyConcurrency)
	for _, b := range bundles {
		bundle := b
		runner.Go(func() error {
			if err := p.verifyBundle(runner.GetContext(), bundle); err != nil {
				// One stuck bundle must not stall the scan.
				log.Warn(fmt.Sprintf("verifying bundle %s, details: %v", bundle.BundleID, err))
			}
			return nil
		})
	}
	return runner.Wait()
}

func (p *Pipeline) verifyBundle(ctx context.Context, b bundler.SeededBundle) error {
	status, err := p.Chain.TxStatusOf(ctx, b.BundleID)
	if err != nil {
		return err
	}
	switch status.Status {
	case gateway.TxNotFound:
		return p.handleMissingTx(ctx, b)
	case gateway.TxPending:
		return nil
	case gateway.TxFound:
		if status.Confirmations < p.Config.TxPermanentThreshold {
			return nil
		}
		return p.settlePermanent(ctx, b, status.BlockHeight)
	}
	return nil
}

// handleMissingTx drops the bundle once the network has moved far enough past
// its anchor that the tx can no longer be mined.
func (p *Pipeline) handleMissingTx(ctx context.Context, b bundler.SeededBundle) error {
	anchorHeight, err := p.Chain.BlockHeightForTxAnchor(ctx, b.TxAnchor)
	if err != nil {
		return err
	}
	current, err := p.Chain.CurrentBlockHeight(ctx)
	if err != nil {
		return err
	}
	if current <= anchorHeight+p.Config.TxRePostThresholdBlocks {
		// Still inside the anchor window; the tx may yet be mined.
		return nil
	}
	items, err := p.Store.GetPlannedDataItems(ctx, b.PlanID)
	if err != nil {
		return err
	}
	if err := p.Store.UpdateSeededBundleToDropped(ctx, b.PlanID, b.BundleID); err != nil {
		if bundler.IsAlreadyAdvanced(err) {
			return nil
		}
		return err
	}
	metrics.BundlesDropped.Inc()
	metrics.DataItemsRepacked.Add(float64(len(items)))
	if p.OffsetsIndex != nil && len(items) > 0 {
		ids := make([]bundler.ItemID, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		if err := p.OffsetsIndex.Delete(ctx, ids); err != nil {
			return err
		}
	}
	log.Warn(fmt.Sprintf("dropped bundle %s: tx vanished %d blocks past its anchor",
		b.BundleID, current-anchorHeight))
	return nil
}

// settlePermanent partitions the bundle's items by GQL presence: indexed items
// become permanent, the rest ride another bundle.
func (p *Pipeline) settlePermanent(ctx context.Context, b bundler.SeededBundle, blockHeight uint64) error {
	items, err := p.Store.GetPlannedDataItems(ctx, b.PlanID)
	if err != nil {
		return err
	}
	ids := make([]bundler.ItemID, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	onGQL, err := p.Chain.DataItemsOnGQL(ctx, ids)
	if err != nil {
		return err
	}
	present := make(map[bundler.ItemID]bool, len(onGQL))
	for _, g := range onGQL {
		// Indexed without a block is not settled; those items ride again.
		present[g.ID] = g.HasBlock
	}
	var permanent, repack []bundler.ItemID
	for _, id := range ids {
		if present[id] {
			permanent = append(permanent, id)
		} else {
			repack = append(repack, id)
		}
	}

	if len(permanent) > 0 {
		if err := p.Store.UpdateDataItemsAsPermanent(ctx, permanent, b.BundleID, blockHeight); err != nil {
			return err
		}
		metrics.DataItemsPermanent.Add(float64(len(permanent)))
	}
	if len(repack) > 0 {
		if err := p.Store.UpdateDataItemsToBeRepacked(ctx, repack, b.BundleID); err != nil {
			return err
		}
		metrics.DataItemsRepacked.Add(float64(len(repack)))
		if p.OffsetsIndex != nil {
			if err := p.OffsetsIndex.Delete(ctx, repack); err != nil {
				return err
			}
		}
	}
	err = p.Store.UpdateBundleAsPermanent(ctx, b.PlanID, blockHeight, len(repack) == 0)
	if err != nil && !bundler.IsAlreadyAdvanced(err) {
		return err
	}
	metrics.BundlesPermanent.Inc()
	log.Info(fmt.Sprintf("bundle %s permanent at height %d: %d items permanent, %d repacked",
		b.BundleID, blockHeight, len(permanent), len(repack)))
	return nil
}
