package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/metrics"
)

// HandleBatchInsert is the batch-insert-new-data-items queue handler. The
// upload fronts stage items in batches; the store dedupes and skips ids
// already past new_data_item, so replays are free.
func (p *Pipeline) HandleBatchInsert(ctx context.Context, msg bundler.Message) error {
	var body batchInsertBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return bundler.Error{Code: bundler.BadInput, Err: err}
	}
	if len(body.DataItems) == 0 {
		return nil
	}
	if err := p.Store.InsertNewDataItemBatch(ctx, body.DataItems); err != nil {
		return err
	}
	metrics.DataItemsIngested.Add(float64(len(body.DataItems)))
	return nil
}

// HandleFinalizeUpload is the finalize-multipart queue handler. It seals the
// multipart upload, parses the assembled item's envelope, moves the blob to
// its content-addressed key and stages the item.
func (p *Pipeline) HandleFinalizeUpload(ctx context.Context, msg bundler.Message) error {
	var body finalizeBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return bundler.Error{Code: bundler.BadInput, Err: err}
	}
	mp, ok := p.Blobs.(bundler.MultipartStore)
	if !ok {
		return bundler.Error{Code: bundler.Irrecoverable,
			Err: fmt.Errorf("blob store has no multipart support")}
	}
	key := bundler.MultipartKey(body.UploadID)

	parts, err := mp.Parts(ctx, key, body.UploadID)
	if err == nil && len(parts) > 0 {
		if _, err := mp.CompleteMultipart(ctx, key, body.UploadID, parts); err != nil {
			return err
		}
	}
	// Parts listing fails once the upload is completed; a replay falls through
	// to the assembled blob.

	rc, _, err := p.Blobs.Get(ctx, key, nil)
	if bundler.IsNotFound(err) {
		return bundler.Error{Code: bundler.AlreadyAdvanced, UserData: body.UploadID,
			Err: fmt.Errorf("multipart blob already promoted")}
	}
	if err != nil {
		return err
	}
	header, err := bundler.ParseDataItemHeader(rc)
	rc.Close()
	if err != nil {
		return err
	}
	id := header.ID()
	size, err := p.Blobs.ByteCount(ctx, key)
	if err != nil {
		return err
	}

	src, _, err := p.Blobs.Get(ctx, key, nil)
	if err != nil {
		return err
	}
	err = p.Blobs.Put(ctx, bundler.RawDataItemKey(id), src)
	src.Close()
	if err != nil {
		return err
	}

	price, err := p.Chain.PriceForBytes(ctx, size)
	if err != nil {
		return err
	}
	err = p.Store.InsertNewDataItem(ctx, bundler.NewDataItem{DataItem: bundler.DataItem{
		ID:                   id,
		OwnerPublicKey:       header.OwnerPublicKey(),
		OwnerAddress:         header.OwnerAddress(),
		SignatureType:        header.SignatureType,
		ByteCount:            size,
		PayloadDataStart:     header.PayloadDataStart,
		AssessedWinstonPrice: price,
		UploadedDate:         Now().UTC(),
	}})
	if err != nil && !bundler.IsAlreadyAdvanced(err) {
		return err
	}
	if rerr := p.Blobs.Remove(ctx, key); rerr != nil {
		log.Warn(fmt.Sprintf("removing finalized multipart blob %s, details: %v", key, rerr))
	}
	metrics.DataItemsIngested.Inc()
	log.Info(fmt.Sprintf("finalized upload %s into data item %s (%d bytes)", body.UploadID, id, size))
	return err
}
