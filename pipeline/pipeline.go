// Package pipeline holds the stage workers that walk data items and bundles
// through their state machines: plan, prepare, post, seed and verify, plus the
// ingestion-side queue consumers. Each handler is safe to replay; promotions
// that already happened surface as AlreadyAdvanced, which dispatchers ack.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/arweave"
	"github.com/permadata/bundler/cassandra"
	"github.com/permadata/bundler/gateway"
	"github.com/permadata/bundler/packer"
	"github.com/permadata/bundler/redis"
)

// Now is swappable for tests.
var Now = time.Now

// Chain is the slice of the gateway client the workers use.
type Chain interface {
	PriceForBytes(ctx context.Context, n int64) (bundler.Winston, error)
	PostTx(ctx context.Context, tx *arweave.Transaction) error
	UploadChunk(ctx context.Context, dataRoot []byte, dataSize int64, proof arweave.ChunkProof, chunk []byte) error
	TxStatusOf(ctx context.Context, id bundler.TxID) (gateway.TxStatus, error)
	CurrentBlockHeight(ctx context.Context) (uint64, error)
	BlockHeightForTxAnchor(ctx context.Context, anchor string) (uint64, error)
	TxAnchor(ctx context.Context) (string, error)
	Balance(ctx context.Context, address string) (bundler.Winston, error)
	DataItemsOnGQL(ctx context.Context, ids []bundler.ItemID) ([]gateway.GQLDataItem, error)
	USDToARRate(ctx context.Context, oracleURL string) (float64, error)
}

// Offsets is the offsets-index slice the workers use. Optional; a nil value
// disables offset bookkeeping.
type Offsets interface {
	PutBatch(ctx context.Context, offsets []cassandra.Offset) error
	Delete(ctx context.Context, ids []bundler.ItemID) error
}

// Pipeline wires the stage workers to their dependencies. Fields are set once
// at boot and never mutated.
type Pipeline struct {
	Store  bundler.StateStore
	Blobs  bundler.BlobStore
	Chain  Chain
	Wallet *arweave.Wallet
	Config bundler.Config

	// TipTarget/TipFraction route the community tip when
	// Config.AddCommunityTip is set.
	TipTarget   string
	TipFraction float64

	// Filter is the optional plan-time admission filter.
	Filter *packer.AdmissionFilter
	// OffsetsIndex is optional; nil disables the offsets bookkeeping.
	OffsetsIndex Offsets
	// RateCache optionally shares the fiat quote across worker processes;
	// nil means every post worker quotes the oracle itself.
	RateCache redis.Cache

	// Next-stage queues. The plan queue is where the scheduler drops ticks.
	PlanQueue    bundler.Queue
	PrepareQueue bundler.Queue
	PostQueue    bundler.Queue
	SeedQueue    bundler.Queue
}

// planTick is the plan-bundle message body. The tick carries no work of its
// own; receiving one means "plan now".
type planTick struct {
	TriggeredAt time.Time `json:"triggered_at"`
}

// bundleRef addresses one bundle plan through the prepare/post/seed stages.
type bundleRef struct {
	PlanID string `json:"plan_id"`
}

// batchInsertBody is the batch-insert-new-data-items message body.
type batchInsertBody struct {
	DataItems []bundler.NewDataItem `json:"data_items"`
}

// finalizeBody is the finalize-multipart message body.
type finalizeBody struct {
	UploadID string `json:"upload_id"`
}

// EnqueuePlanTick drops a plan trigger; the scheduler calls this on its cadence.
func (p *Pipeline) EnqueuePlanTick(ctx context.Context) error {
	body, err := json.Marshal(planTick{TriggeredAt: Now().UTC()})
	if err != nil {
		return err
	}
	return p.PlanQueue.Send(ctx, body)
}

func (p *Pipeline) enqueueBundleRef(ctx context.Context, q bundler.Queue, planID bundler.PlanID) error {
	body, err := json.Marshal(bundleRef{PlanID: planID.String()})
	if err != nil {
		return err
	}
	return q.Send(ctx, body)
}

func decodeBundleRef(body []byte) (bundler.PlanID, error) {
	var ref bundleRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return bundler.NilUUID, bundler.Error{Code: bundler.BadInput, Err: err}
	}
	planID, err := bundler.ParseUUID(ref.PlanID)
	if err != nil {
		return bundler.NilUUID, bundler.Error{Code: bundler.BadInput, Err: err}
	}
	return planID, nil
}
