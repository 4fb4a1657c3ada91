package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	log "log/slog"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/arweave"
	"github.com/permadata/bundler/cassandra"
	"github.com/permadata/bundler/metrics"
)

// bundleTags ride on every bundle transaction so indexers recognize the
// container format.
var bundleTags = []arweave.Tag{
	{Name: "Bundle-Format", Value: "binary"},
	{Name: "Bundle-Version", Value: "2.0.0"},
	{Name: "App-Name", Value: "permadata-bundler"},
}

// tipDenominator scales Pipeline.TipFraction to integer arithmetic.
const tipDenominator = 1_000_000

// HandlePrepareBundle is the prepare-bundle queue handler. It assembles the
// container payload from the planned items' raw blobs, prices and signs the
// carrying transaction, persists the artifacts and promotes the plan to
// new_bundle.
func (p *Pipeline) HandlePrepareBundle(ctx context.Context, msg bundler.Message) error {
	planID, err := decodeBundleRef(msg.Body)
	if err != nil {
		return err
	}
	items, err := p.Store.GetPlannedDataItems(ctx, planID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return bundler.Error{Code: bundler.AlreadyAdvanced, UserData: planID.String(),
			Err: fmt.Errorf("plan has no items; already prepared or aborted")}
	}

	kept := make([]bundler.PlannedDataItem, 0, len(items))
	for _, item := range items {
		_, err := p.Blobs.Head(ctx, bundler.RawDataItemKey(item.ID))
		if bundler.IsNotFound(err) {
			log.Warn(fmt.Sprintf("raw blob of %s is gone, failing the item", item.ID))
			if err := p.Store.UpdatePlannedDataItemAsFailed(ctx, item.ID, bundler.ReasonMissingFromStore); err != nil && !bundler.IsAlreadyAdvanced(err) {
				return err
			}
			metrics.DataItemsFailed.Inc()
			continue
		}
		if err != nil {
			return err
		}
		kept = append(kept, item)
	}
	if len(kept) < 2 {
		// A one-item bundle isn't worth a transaction; revert without penalty.
		ids := make([]bundler.ItemID, len(kept))
		for i, item := range kept {
			ids[i] = item.ID
		}
		if len(ids) > 0 {
			if err := p.Store.UpdateDataItemsToBeRepacked(ctx, ids, ""); err != nil {
				return err
			}
		}
		if err := p.Store.DeleteBundlePlan(ctx, planID); err != nil {
			return err
		}
		log.Warn(fmt.Sprintf("aborted plan %s: %d of %d items survived the blob check",
			planID, len(kept), len(items)))
		return nil
	}

	entries := make([]arweave.BundleEntry, len(kept))
	var itemBytes int64
	for i, item := range kept {
		entries[i] = arweave.BundleEntry{Size: item.ByteCount, ID: string(item.ID)}
		itemBytes += item.ByteCount
	}
	headerSize := arweave.BundleHeaderSize(len(kept))
	payloadSize := headerSize + itemBytes

	if err := p.writePayload(ctx, planID, entries, kept); err != nil {
		return err
	}
	tree, err := p.chunkPayload(ctx, planID)
	if err != nil {
		return err
	}
	if tree.DataSize != payloadSize {
		return bundler.Error{Code: bundler.Irrecoverable, UserData: planID.String(),
			Err: fmt.Errorf("payload is %d bytes, expected %d", tree.DataSize, payloadSize)}
	}

	reward, err := p.Chain.PriceForBytes(ctx, payloadSize)
	if err != nil {
		return err
	}
	anchor, err := p.Chain.TxAnchor(ctx)
	if err != nil {
		return err
	}
	root := tree.DataRoot()
	tx := &arweave.Transaction{
		LastTx:   anchor,
		DataSize: payloadSize,
		DataRoot: root[:],
		Reward:   reward.String(),
		Quantity: "0",
		Tags:     bundleTags,
	}
	if p.Config.AddCommunityTip && p.TipTarget != "" {
		tip := reward.MulRat(uint64(p.TipFraction*tipDenominator), tipDenominator)
		tx.Target = p.TipTarget
		tx.Quantity = tip.String()
	}
	if err := tx.Sign(p.Wallet); err != nil {
		return err
	}
	bundleID := bundler.TxID(tx.ID)

	headerJSON, err := json.Marshal(tx.MarshalGateway())
	if err != nil {
		return fmt.Errorf("encoding tx header of %s, details: %v", bundleID, err)
	}
	if err := p.Blobs.Put(ctx, bundler.BundleHeaderKey(bundleID), bytes.NewReader(headerJSON)); err != nil {
		return err
	}

	if p.OffsetsIndex != nil {
		offsets := make([]cassandra.Offset, len(kept))
		running := headerSize
		for i, item := range kept {
			offsets[i] = cassandra.Offset{
				DataItemID:       item.ID,
				BundleID:         bundleID,
				PayloadOffset:    running,
				ByteCount:        item.ByteCount,
				PayloadDataStart: item.PayloadDataStart,
			}
			running += item.ByteCount
		}
		if err := p.OffsetsIndex.PutBatch(ctx, offsets); err != nil {
			return err
		}
	}

	now := Now().UTC()
	err = p.Store.InsertNewBundle(ctx, bundler.NewBundle{
		BundleID:             bundleID,
		PlanID:               planID,
		Reward:               reward,
		HeaderByteCount:      headerSize,
		PayloadByteCount:     payloadSize,
		TransactionByteCount: payloadSize + int64(len(headerJSON)),
		TxAnchor:             anchor,
		PlannedDate:          kept[0].PlannedDate,
		SignedDate:           now,
	})
	if err != nil && !bundler.IsAlreadyAdvanced(err) {
		return err
	}
	if qerr := p.enqueueBundleRef(ctx, p.PostQueue, planID); qerr != nil {
		return fmt.Errorf("enqueueing post for plan %s, details: %v", planID, qerr)
	}
	log.Info(fmt.Sprintf("prepared bundle %s for plan %s: %d items, %d payload bytes",
		bundleID, planID, len(kept), payloadSize))
	return err
}

// writePayload streams the container header and each raw item into the plan's
// payload blob. Put aborts cleanly on a pipe error, leaving no partial blob.
func (p *Pipeline) writePayload(ctx context.Context, planID bundler.PlanID, entries []arweave.BundleEntry, items []bundler.PlannedDataItem) error {
	pr, pw := io.Pipe()
	go func() {
		if _, err := arweave.WriteBundleHeader(pw, entries); err != nil {
			pw.CloseWithError(err)
			return
		}
		for _, item := range items {
			rc, _, err := p.Blobs.Get(ctx, bundler.RawDataItemKey(item.ID), nil)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, rc)
			rc.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	if err := p.Blobs.Put(ctx, bundler.BundlePayloadKey(planID), pr); err != nil {
		pr.CloseWithError(err)
		return err
	}
	return nil
}

// chunkPayload streams the persisted payload back to build its merkle tree.
func (p *Pipeline) chunkPayload(ctx context.Context, planID bundler.PlanID) (*arweave.ChunkTree, error) {
	rc, _, err := p.Blobs.Get(ctx, bundler.BundlePayloadKey(planID), nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return arweave.ChunkData(rc)
}
