package pipeline

import (
	"context"
	"fmt"
	"io"
	log "log/slog"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/metrics"
)

// HandleSeedBundle is the seed-bundle queue handler. The payload streams
// through twice: once to rebuild the merkle tree (chunk boundaries and
// proofs), once to upload each chunk with its proof. Chunk uploads are
// idempotent on the gateway side, so replays just re-push bytes.
func (p *Pipeline) HandleSeedBundle(ctx context.Context, msg bundler.Message) error {
	planID, err := decodeBundleRef(msg.Body)
	if err != nil {
		return err
	}
	b, err := p.Store.GetPostedBundle(ctx, planID)
	if bundler.IsNotFound(err) {
		return bundler.Error{Code: bundler.AlreadyAdvanced, UserData: planID.String(),
			Err: fmt.Errorf("bundle already past seeding")}
	}
	if err != nil {
		return err
	}

	tree, err := p.chunkPayload(ctx, planID)
	if err != nil {
		if bundler.IsNotFound(err) {
			return bundler.Error{Code: bundler.MissingArtifact, UserData: planID.String(),
				Err: fmt.Errorf("bundle payload blob is gone")}
		}
		return err
	}
	root := tree.DataRoot()
	proofs := tree.Proofs()

	rc, _, err := p.Blobs.Get(ctx, bundler.BundlePayloadKey(planID), nil)
	if err != nil {
		return err
	}
	defer rc.Close()
	for i, chunk := range tree.Chunks {
		size := chunk.MaxByteRange - chunk.MinByteRange
		buf := make([]byte, size)
		if _, err := io.ReadFull(rc, buf); err != nil {
			return fmt.Errorf("reading chunk %d of plan %s, details: %v", i, planID, err)
		}
		if err := p.Chain.UploadChunk(ctx, root[:], tree.DataSize, proofs[i], buf); err != nil {
			return err
		}
	}

	err = p.Store.InsertSeededBundle(ctx, b.BundleID)
	if err != nil && !bundler.IsAlreadyAdvanced(err) {
		return err
	}
	metrics.BundlesSeeded.Inc()
	log.Info(fmt.Sprintf("seeded bundle %s: %d chunks, %d bytes", b.BundleID, len(tree.Chunks), tree.DataSize))
	return err
}
