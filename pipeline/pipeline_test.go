package pipeline

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/arweave"
	"github.com/permadata/bundler/fs"
	"github.com/permadata/bundler/gateway"
	"github.com/permadata/bundler/queue"
	"github.com/permadata/bundler/redis"
	"github.com/permadata/bundler/store"
)

// fakeChain scripts the gateway for the workers.
type fakeChain struct {
	price         bundler.Winston
	balance       bundler.Winston
	anchor        string
	postErr       error
	posted        []*arweave.Transaction
	chunksSeeded  int
	status        gateway.TxStatus
	anchorHeight  uint64
	currentHeight uint64
	onGQL         map[bundler.ItemID]bool
	// onGQLPending items show on the index without a mined block yet.
	onGQLPending map[bundler.ItemID]bool
	rate         float64
	rateQuotes   int
}

func (f *fakeChain) PriceForBytes(context.Context, int64) (bundler.Winston, error) {
	return f.price, nil
}

func (f *fakeChain) PostTx(_ context.Context, tx *arweave.Transaction) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, tx)
	return nil
}

func (f *fakeChain) UploadChunk(_ context.Context, _ []byte, _ int64, _ arweave.ChunkProof, chunk []byte) error {
	f.chunksSeeded++
	return nil
}

func (f *fakeChain) TxStatusOf(context.Context, bundler.TxID) (gateway.TxStatus, error) {
	return f.status, nil
}

func (f *fakeChain) CurrentBlockHeight(context.Context) (uint64, error) {
	return f.currentHeight, nil
}

func (f *fakeChain) BlockHeightForTxAnchor(context.Context, string) (uint64, error) {
	return f.anchorHeight, nil
}

func (f *fakeChain) TxAnchor(context.Context) (string, error) {
	return f.anchor, nil
}

func (f *fakeChain) Balance(context.Context, string) (bundler.Winston, error) {
	return f.balance, nil
}

func (f *fakeChain) DataItemsOnGQL(_ context.Context, ids []bundler.ItemID) ([]gateway.GQLDataItem, error) {
	var out []gateway.GQLDataItem
	for _, id := range ids {
		if f.onGQL[id] {
			out = append(out, gateway.GQLDataItem{ID: id, HasBlock: true, BlockHeight: f.status.BlockHeight})
		} else if f.onGQLPending[id] {
			out = append(out, gateway.GQLDataItem{ID: id})
		}
	}
	return out, nil
}

func (f *fakeChain) USDToARRate(context.Context, string) (float64, error) {
	f.rateQuotes++
	return f.rate, nil
}

func defaultFakeChain() *fakeChain {
	return &fakeChain{
		price:         bundler.WinstonFromUint64(5000),
		balance:       bundler.WinstonFromUint64(1_000_000),
		anchor:        arweave.B64.EncodeToString(bytes.Repeat([]byte{7}, 32)),
		currentHeight: 1000,
		anchorHeight:  990,
		onGQL:         map[bundler.ItemID]bool{},
		onGQLPending:  map[bundler.ItemID]bool{},
		rate:          10.5,
	}
}

// rawItem builds a minimal ed25519 data item blob with the given payload.
func rawItem(t *testing.T, payload []byte) (bundler.ItemID, []byte, bundler.DataItemHeader) {
	t.Helper()
	var buf bytes.Buffer
	var sigType [2]byte
	binary.LittleEndian.PutUint16(sigType[:], bundler.SignatureEd25519)
	buf.Write(sigType[:])
	sig := make([]byte, 64)
	rand.Read(sig)
	buf.Write(sig)
	owner := make([]byte, 32)
	rand.Read(owner)
	buf.Write(owner)
	buf.WriteByte(0) // no target
	buf.WriteByte(0) // no anchor
	var counts [16]byte
	buf.Write(counts[:]) // no tags
	buf.Write(payload)

	header, err := bundler.ParseDataItemHeader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	return header.ID(), buf.Bytes(), header
}

var (
	walletOnce sync.Once
	wallet     *arweave.Wallet
	walletErr  error
)

// testWallet shares one generated wallet across tests; keygen is expensive.
func testWallet(t *testing.T) *arweave.Wallet {
	t.Helper()
	walletOnce.Do(func() {
		wallet, walletErr = arweave.GenerateWallet()
	})
	if walletErr != nil {
		t.Fatal(walletErr)
	}
	return wallet
}

type testRig struct {
	p       *Pipeline
	mem     *store.Mem
	chain   *fakeChain
	plan    bundler.Queue
	prepare bundler.Queue
	post    bundler.Queue
	seed    bundler.Queue
}

func newRig(t *testing.T, chain *fakeChain) *testRig {
	t.Helper()
	blobs, err := fs.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := bundler.DefaultConfig()
	mem := store.NewMem(cfg.RetryLimitForFailedDataItems)
	qc := func(name string) bundler.QueueConfig {
		return bundler.QueueConfig{Name: name, BatchSize: 10, Visibility: time.Minute, MaxReceives: 5}
	}
	rig := &testRig{
		mem:     mem,
		chain:   chain,
		plan:    queue.NewMemQueue(qc(bundler.QueuePlanBundle)),
		prepare: queue.NewMemQueue(qc(bundler.QueuePrepareBundle)),
		post:    queue.NewMemQueue(qc(bundler.QueuePostBundle)),
		seed:    queue.NewMemQueue(qc(bundler.QueueSeedBundle)),
	}
	wallet := testWallet(t)
	rig.p = &Pipeline{
		Store:        mem,
		Blobs:        blobs,
		Chain:        chain,
		Wallet:       wallet,
		Config:       cfg,
		PlanQueue:    rig.plan,
		PrepareQueue: rig.prepare,
		PostQueue:    rig.post,
		SeedQueue:    rig.seed,
	}
	return rig
}

// stage uploads a raw item blob and stages its row, aged past the
// accumulation window.
func (r *testRig) stage(t *testing.T, payload []byte) bundler.ItemID {
	return r.stageAt(t, payload, time.Now().UTC().Add(-time.Minute))
}

func (r *testRig) stageAt(t *testing.T, payload []byte, uploadedAt time.Time) bundler.ItemID {
	t.Helper()
	ctx := context.Background()
	id, raw, header := rawItem(t, payload)
	if err := r.p.Blobs.Put(ctx, bundler.RawDataItemKey(id), bytes.NewReader(raw)); err != nil {
		t.Fatal(err)
	}
	err := r.mem.InsertNewDataItem(ctx, bundler.NewDataItem{DataItem: bundler.DataItem{
		ID:               id,
		OwnerPublicKey:   header.OwnerPublicKey(),
		OwnerAddress:     header.OwnerAddress(),
		SignatureType:    header.SignatureType,
		ByteCount:        int64(len(raw)),
		PayloadDataStart: header.PayloadDataStart,
		UploadedDate:     uploadedAt,
	}})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// receiveOne pops exactly one message off q.
func receiveOne(t *testing.T, q bundler.Queue) bundler.Message {
	t.Helper()
	msgs, err := q.Receive(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	return msgs[0]
}

func TestPipelineHappyPath(t *testing.T) {
	ctx := context.Background()
	chain := defaultFakeChain()
	rig := newRig(t, chain)
	a := rig.stage(t, []byte("payload a"))
	b := rig.stage(t, []byte("payload b with more bytes"))

	// Plan.
	if err := rig.p.HandlePlanBundle(ctx, bundler.Message{}); err != nil {
		t.Fatal(err)
	}
	prepMsg := receiveOne(t, rig.prepare)
	planID, err := decodeBundleRef(prepMsg.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []bundler.ItemID{a, b} {
		info, _ := rig.mem.GetDataItemInfo(ctx, id)
		if info.Status != bundler.ItemStatusPlanned {
			t.Fatalf("item %s is %s after planning, want planned", id, info.Status)
		}
	}

	// Prepare.
	if err := rig.p.HandlePrepareBundle(ctx, prepMsg); err != nil {
		t.Fatal(err)
	}
	nb, err := rig.mem.GetNewBundle(ctx, planID)
	if err != nil {
		t.Fatal(err)
	}
	if nb.HeaderByteCount != arweave.BundleHeaderSize(2) {
		t.Errorf("got header size %d, want %d", nb.HeaderByteCount, arweave.BundleHeaderSize(2))
	}
	if nb.Reward.String() != "5000" {
		t.Errorf("got reward %s, want the quote", nb.Reward)
	}
	// The payload blob starts with a well-formed container header.
	rc, _, err := rig.p.Blobs.Get(ctx, bundler.BundlePayloadKey(planID), nil)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := arweave.ReadBundleHeader(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("container header lists %d items, want 2", len(entries))
	}

	// Post.
	postMsg := receiveOne(t, rig.post)
	if err := rig.p.HandlePostBundle(ctx, postMsg); err != nil {
		t.Fatal(err)
	}
	if len(chain.posted) != 1 {
		t.Fatalf("gateway saw %d posts, want 1", len(chain.posted))
	}
	if err := chain.posted[0].Verify(); err != nil {
		t.Errorf("posted tx must verify, details: %v", err)
	}
	posted, err := rig.mem.GetPostedBundle(ctx, planID)
	if err != nil || posted.USDToARRate != 10.5 {
		t.Fatalf("got posted %+v (%v)", posted, err)
	}

	// Seed.
	seedMsg := receiveOne(t, rig.seed)
	if err := rig.p.HandleSeedBundle(ctx, seedMsg); err != nil {
		t.Fatal(err)
	}
	if chain.chunksSeeded == 0 {
		t.Fatal("no chunks were uploaded")
	}

	// Verify: confirmed past the threshold, both items indexed.
	chain.status = gateway.TxStatus{Status: gateway.TxFound, Confirmations: 60, BlockHeight: 1200}
	chain.onGQL[a] = true
	chain.onGQL[b] = true
	orig := Now
	defer func() { Now = orig }()
	Now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := rig.p.VerifySeededBundles(ctx); err != nil {
		t.Fatal(err)
	}
	for _, id := range []bundler.ItemID{a, b} {
		info, err := rig.mem.GetDataItemInfo(ctx, id)
		if err != nil || info.Status != bundler.ItemStatusPermanent {
			t.Fatalf("item %s is %s (%v), want permanent", id, info.Status, err)
		}
		if info.BundleID != nb.BundleID {
			t.Errorf("item %s credits bundle %s, want %s", id, info.BundleID, nb.BundleID)
		}
	}
	pb, ok := rig.mem.PermanentBundleRow(planID)
	if !ok || pb.BlockHeight != 1200 || !pb.IndexedOnGQL {
		t.Fatalf("unexpected permanent bundle %+v", pb)
	}
}

func TestPrepareFailsMissingItems(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, defaultFakeChain())
	a := rig.stage(t, []byte("a"))
	b := rig.stage(t, []byte("b"))
	gone := rig.stage(t, []byte("gone"))

	if err := rig.p.HandlePlanBundle(ctx, bundler.Message{}); err != nil {
		t.Fatal(err)
	}
	prepMsg := receiveOne(t, rig.prepare)
	if err := rig.p.Blobs.Remove(ctx, bundler.RawDataItemKey(gone)); err != nil {
		t.Fatal(err)
	}

	if err := rig.p.HandlePrepareBundle(ctx, prepMsg); err != nil {
		t.Fatal(err)
	}
	failed, ok := rig.mem.FailedDataItem(gone)
	if !ok || failed.FailedReason != bundler.ReasonMissingFromStore {
		t.Fatalf("lost item must fail with %s, got %+v (present=%v)",
			bundler.ReasonMissingFromStore, failed, ok)
	}
	planID, _ := decodeBundleRef(prepMsg.Body)
	nb, err := rig.mem.GetNewBundle(ctx, planID)
	if err != nil {
		t.Fatal(err)
	}
	if nb.HeaderByteCount != arweave.BundleHeaderSize(2) {
		t.Errorf("bundle must carry the 2 surviving items, header says %d bytes", nb.HeaderByteCount)
	}
	_ = a
	_ = b
}

func TestPrepareAbortsBelowTwoItems(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, defaultFakeChain())
	survivor := rig.stage(t, []byte("a"))
	gone := rig.stage(t, []byte("gone"))

	if err := rig.p.HandlePlanBundle(ctx, bundler.Message{}); err != nil {
		t.Fatal(err)
	}
	prepMsg := receiveOne(t, rig.prepare)
	if err := rig.p.Blobs.Remove(ctx, bundler.RawDataItemKey(gone)); err != nil {
		t.Fatal(err)
	}

	if err := rig.p.HandlePrepareBundle(ctx, prepMsg); err != nil {
		t.Fatal(err)
	}
	// The survivor went back to new with no repack penalty.
	info, err := rig.mem.GetDataItemInfo(ctx, survivor)
	if err != nil || info.Status != bundler.ItemStatusNew {
		t.Fatalf("survivor is %s (%v), want new", info.Status, err)
	}
	row, _ := rig.mem.NewDataItemRow(survivor)
	if len(row.FailedBundles) != 0 {
		t.Errorf("aborted prepare must not penalize, got failed_bundles %v", row.FailedBundles)
	}
	// No bundle was made; the post queue stays empty.
	if msgs, _ := rig.post.Receive(ctx, 1); len(msgs) != 0 {
		t.Fatal("aborted plan must not reach the post queue")
	}
}

func TestPostPermanentRejectionFailsBundle(t *testing.T) {
	ctx := context.Background()
	chain := defaultFakeChain()
	rig := newRig(t, chain)
	a := rig.stage(t, []byte("a"))
	b := rig.stage(t, []byte("b"))

	if err := rig.p.HandlePlanBundle(ctx, bundler.Message{}); err != nil {
		t.Fatal(err)
	}
	prepMsg := receiveOne(t, rig.prepare)
	if err := rig.p.HandlePrepareBundle(ctx, prepMsg); err != nil {
		t.Fatal(err)
	}
	planID, _ := decodeBundleRef(prepMsg.Body)
	nb, _ := rig.mem.GetNewBundle(ctx, planID)

	chain.postErr = bundler.Error{Code: bundler.BadInput, Err: fmt.Errorf("tx rejected")}
	postMsg := receiveOne(t, rig.post)
	if err := rig.p.HandlePostBundle(ctx, postMsg); err != nil {
		t.Fatalf("permanent rejection must ack, got %v", err)
	}
	fb, ok := rig.mem.FailedBundleRow(planID)
	if !ok || fb.FailedReason != bundler.ReasonFailedToPost {
		t.Fatalf("unexpected failed bundle %+v", fb)
	}
	for _, id := range []bundler.ItemID{a, b} {
		row, ok := rig.mem.NewDataItemRow(id)
		if !ok {
			t.Fatalf("item %s must be staged for repacking", id)
		}
		if len(row.FailedBundles) != 1 || row.FailedBundles[0] != nb.BundleID {
			t.Errorf("item %s failed_bundles %v, want [%s]", id, row.FailedBundles, nb.BundleID)
		}
	}
}

func TestPostInsufficientFundsStalls(t *testing.T) {
	ctx := context.Background()
	chain := defaultFakeChain()
	chain.balance = bundler.WinstonFromUint64(1)
	rig := newRig(t, chain)
	rig.stage(t, []byte("a"))
	rig.stage(t, []byte("b"))

	if err := rig.p.HandlePlanBundle(ctx, bundler.Message{}); err != nil {
		t.Fatal(err)
	}
	prepMsg := receiveOne(t, rig.prepare)
	if err := rig.p.HandlePrepareBundle(ctx, prepMsg); err != nil {
		t.Fatal(err)
	}
	postMsg := receiveOne(t, rig.post)
	err := rig.p.HandlePostBundle(ctx, postMsg)
	if !bundler.IsTransient(err) {
		t.Fatalf("underfunded post must be retryable, got %v", err)
	}
	if len(chain.posted) != 0 {
		t.Fatal("no tx may be posted while underfunded")
	}
}

func TestVerifyDropsVanishedBundle(t *testing.T) {
	ctx := context.Background()
	chain := defaultFakeChain()
	rig := newRig(t, chain)
	a := rig.stage(t, []byte("a"))
	b := rig.stage(t, []byte("b"))

	if err := rig.p.HandlePlanBundle(ctx, bundler.Message{}); err != nil {
		t.Fatal(err)
	}
	prepMsg := receiveOne(t, rig.prepare)
	if err := rig.p.HandlePrepareBundle(ctx, prepMsg); err != nil {
		t.Fatal(err)
	}
	if err := rig.p.HandlePostBundle(ctx, receiveOne(t, rig.post)); err != nil {
		t.Fatal(err)
	}
	if err := rig.p.HandleSeedBundle(ctx, receiveOne(t, rig.seed)); err != nil {
		t.Fatal(err)
	}
	planID, _ := decodeBundleRef(prepMsg.Body)

	// The tx vanished and the network moved 60 blocks past the anchor.
	chain.status = gateway.TxStatus{Status: gateway.TxNotFound}
	chain.anchorHeight = 1000
	chain.currentHeight = 1060
	orig := Now
	defer func() { Now = orig }()
	Now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := rig.p.VerifySeededBundles(ctx); err != nil {
		t.Fatal(err)
	}
	fb, ok := rig.mem.FailedBundleRow(planID)
	if !ok || fb.FailedReason != bundler.ReasonNotFoundOnChain {
		t.Fatalf("unexpected failed bundle %+v", fb)
	}
	for _, id := range []bundler.ItemID{a, b} {
		info, _ := rig.mem.GetDataItemInfo(ctx, id)
		if info.Status != bundler.ItemStatusNew {
			t.Errorf("item %s is %s after the drop, want new", id, info.Status)
		}
	}
}

func TestVerifyPartitionsByGQLPresence(t *testing.T) {
	ctx := context.Background()
	chain := defaultFakeChain()
	rig := newRig(t, chain)
	indexed := rig.stage(t, []byte("indexed"))
	missing := rig.stage(t, []byte("missing"))

	if err := rig.p.HandlePlanBundle(ctx, bundler.Message{}); err != nil {
		t.Fatal(err)
	}
	prepMsg := receiveOne(t, rig.prepare)
	if err := rig.p.HandlePrepareBundle(ctx, prepMsg); err != nil {
		t.Fatal(err)
	}
	if err := rig.p.HandlePostBundle(ctx, receiveOne(t, rig.post)); err != nil {
		t.Fatal(err)
	}
	if err := rig.p.HandleSeedBundle(ctx, receiveOne(t, rig.seed)); err != nil {
		t.Fatal(err)
	}
	planID, _ := decodeBundleRef(prepMsg.Body)

	chain.status = gateway.TxStatus{Status: gateway.TxFound, Confirmations: 80, BlockHeight: 1300}
	chain.onGQL[indexed] = true
	orig := Now
	defer func() { Now = orig }()
	Now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := rig.p.VerifySeededBundles(ctx); err != nil {
		t.Fatal(err)
	}

	info, _ := rig.mem.GetDataItemInfo(ctx, indexed)
	if info.Status != bundler.ItemStatusPermanent {
		t.Errorf("indexed item is %s, want permanent", info.Status)
	}
	info, _ = rig.mem.GetDataItemInfo(ctx, missing)
	if info.Status != bundler.ItemStatusNew {
		t.Errorf("unindexed item is %s, want new (repacked)", info.Status)
	}
	pb, ok := rig.mem.PermanentBundleRow(planID)
	if !ok {
		t.Fatal("bundle must be permanent")
	}
	if pb.IndexedOnGQL {
		t.Error("bundle with a repacked item must not claim full GQL indexing")
	}
}

func TestVerifyRepacksUnconfirmedGQLItems(t *testing.T) {
	ctx := context.Background()
	chain := defaultFakeChain()
	rig := newRig(t, chain)
	a := rig.stage(t, []byte("a"))
	b := rig.stage(t, []byte("b"))

	if err := rig.p.HandlePlanBundle(ctx, bundler.Message{}); err != nil {
		t.Fatal(err)
	}
	prepMsg := receiveOne(t, rig.prepare)
	if err := rig.p.HandlePrepareBundle(ctx, prepMsg); err != nil {
		t.Fatal(err)
	}
	if err := rig.p.HandlePostBundle(ctx, receiveOne(t, rig.post)); err != nil {
		t.Fatal(err)
	}
	if err := rig.p.HandleSeedBundle(ctx, receiveOne(t, rig.seed)); err != nil {
		t.Fatal(err)
	}

	// Both items show on the index, but neither is in a mined block yet.
	chain.status = gateway.TxStatus{Status: gateway.TxFound, Confirmations: 80, BlockHeight: 1300}
	chain.onGQLPending[a] = true
	chain.onGQLPending[b] = true
	orig := Now
	defer func() { Now = orig }()
	Now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := rig.p.VerifySeededBundles(ctx); err != nil {
		t.Fatal(err)
	}
	for _, id := range []bundler.ItemID{a, b} {
		info, _ := rig.mem.GetDataItemInfo(ctx, id)
		if info.Status != bundler.ItemStatusNew {
			t.Errorf("blockless item %s is %s, want new (repacked)", id, info.Status)
		}
	}
}

func TestPlanHoldsFreshItems(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, defaultFakeChain())
	aged := rig.stage(t, []byte("aged"))
	fresh := rig.stageAt(t, []byte("fresh"), time.Now().UTC())

	if err := rig.p.HandlePlanBundle(ctx, bundler.Message{}); err != nil {
		t.Fatal(err)
	}
	info, _ := rig.mem.GetDataItemInfo(ctx, aged)
	if info.Status != bundler.ItemStatusPlanned {
		t.Errorf("aged item is %s, want planned", info.Status)
	}
	// The fresh upload waits out the accumulation window.
	info, _ = rig.mem.GetDataItemInfo(ctx, fresh)
	if info.Status != bundler.ItemStatusNew {
		t.Errorf("fresh item is %s, want new", info.Status)
	}
}

func TestPlanConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, defaultFakeChain())
	ids := []bundler.ItemID{
		rig.stage(t, []byte("one")),
		rig.stage(t, []byte("two")),
		rig.stage(t, []byte("three")),
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- rig.p.HandlePlanBundle(ctx, bundler.Message{})
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	// Exactly one planner won; one plan holds all three items.
	msgs, err := rig.prepare.Receive(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d prepare messages, want 1", len(msgs))
	}
	planID, err := decodeBundleRef(msgs[0].Body)
	if err != nil {
		t.Fatal(err)
	}
	planned, err := rig.mem.GetPlannedDataItems(ctx, planID)
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 3 {
		t.Fatalf("winning plan holds %d items, want 3", len(planned))
	}
	for _, id := range ids {
		info, _ := rig.mem.GetDataItemInfo(ctx, id)
		if info.Status != bundler.ItemStatusPlanned {
			t.Errorf("item %s is %s, want planned", id, info.Status)
		}
	}
}

func TestFiatRateRidesSharedCache(t *testing.T) {
	ctx := context.Background()
	chain := defaultFakeChain()
	rig := newRig(t, chain)
	rig.p.RateCache = redis.NewMockClient()

	if got := rig.p.fiatRate(ctx); got != 10.5 {
		t.Fatalf("got rate %v, want the oracle quote", got)
	}
	// A second worker's quote comes from the cache, not the oracle.
	chain.rate = 99
	if got := rig.p.fiatRate(ctx); got != 10.5 {
		t.Fatalf("got rate %v, want the cached quote", got)
	}
	if chain.rateQuotes != 1 {
		t.Errorf("oracle quoted %d times, want 1", chain.rateQuotes)
	}
}

func TestPrepareReplayIsAcked(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, defaultFakeChain())
	rig.stage(t, []byte("a"))
	rig.stage(t, []byte("b"))

	if err := rig.p.HandlePlanBundle(ctx, bundler.Message{}); err != nil {
		t.Fatal(err)
	}
	prepMsg := receiveOne(t, rig.prepare)
	if err := rig.p.HandlePrepareBundle(ctx, prepMsg); err != nil {
		t.Fatal(err)
	}
	// A redelivery of the same message lands on AlreadyAdvanced.
	err := rig.p.HandlePrepareBundle(ctx, prepMsg)
	if err != nil && !bundler.IsAlreadyAdvanced(err) {
		t.Fatalf("replay must be a no-op success, got %v", err)
	}
}

func TestBatchInsertConsumer(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t, defaultFakeChain())
	id1, _, h1 := rawItem(t, []byte("one"))
	id2, _, _ := rawItem(t, []byte("two"))
	body, err := json.Marshal(batchInsertBody{DataItems: []bundler.NewDataItem{
		{DataItem: bundler.DataItem{ID: id1, OwnerAddress: h1.OwnerAddress(), ByteCount: 3, UploadedDate: time.Now().UTC()}},
		{DataItem: bundler.DataItem{ID: id2, ByteCount: 3, UploadedDate: time.Now().UTC()}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := rig.p.HandleBatchInsert(ctx, bundler.Message{Body: body}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []bundler.ItemID{id1, id2} {
		info, err := rig.mem.GetDataItemInfo(ctx, id)
		if err != nil || info.Status != bundler.ItemStatusNew {
			t.Fatalf("item %s is %s (%v), want new", id, info.Status, err)
		}
	}
}
