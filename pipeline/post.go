package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"time"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/arweave"
	"github.com/permadata/bundler/metrics"
)

// HandlePostBundle is the post-bundle queue handler. It checks the wallet can
// cover the reward, submits the signed header and promotes to posted_bundle.
// A permanent gateway rejection fails the bundle and reroutes its items.
func (p *Pipeline) HandlePostBundle(ctx context.Context, msg bundler.Message) error {
	planID, err := decodeBundleRef(msg.Body)
	if err != nil {
		return err
	}
	b, err := p.Store.GetNewBundle(ctx, planID)
	if bundler.IsNotFound(err) {
		// A replay after the promotion landed; push the bundle onward.
		if _, perr := p.Store.GetPostedBundle(ctx, planID); perr == nil {
			if qerr := p.enqueueBundleRef(ctx, p.SeedQueue, planID); qerr != nil {
				return qerr
			}
			return bundler.Error{Code: bundler.AlreadyAdvanced, UserData: planID.String(),
				Err: fmt.Errorf("bundle already posted")}
		}
		return bundler.Error{Code: bundler.AlreadyAdvanced, UserData: planID.String(),
			Err: fmt.Errorf("bundle already past posting")}
	}
	if err != nil {
		return err
	}

	balance, err := p.Chain.Balance(ctx, p.Wallet.Address())
	if err != nil {
		return err
	}
	needed := b.Reward
	if balance.Cmp(needed) < 0 {
		metrics.InsufficientFunds.Inc()
		return bundler.Error{Code: bundler.InsufficientFunds, UserData: b.BundleID,
			Err: fmt.Errorf("balance %s cannot cover reward %s", balance, needed)}
	}

	tx, err := p.loadTxHeader(ctx, b.BundleID)
	if err != nil {
		return err
	}
	if err := p.Chain.PostTx(ctx, tx); err != nil {
		var be bundler.Error
		if errors.As(err, &be) && be.Code == bundler.BadInput {
			// The gateway will never take this tx; fail the bundle and free
			// its items for the next plan.
			log.Warn(fmt.Sprintf("bundle %s permanently rejected, details: %v", b.BundleID, err))
			if serr := p.Store.UpdateNewBundleToFailedToPost(ctx, planID, b.BundleID); serr != nil && !bundler.IsAlreadyAdvanced(serr) {
				return serr
			}
			metrics.BundlesFailedToPost.Inc()
			return nil
		}
		return err
	}

	err = p.Store.InsertPostedBundle(ctx, b.BundleID, p.fiatRate(ctx))
	if err != nil && !bundler.IsAlreadyAdvanced(err) {
		return err
	}
	metrics.BundlesPosted.Inc()
	if qerr := p.enqueueBundleRef(ctx, p.SeedQueue, planID); qerr != nil {
		return fmt.Errorf("enqueueing seed for plan %s, details: %v", planID, qerr)
	}
	log.Info(fmt.Sprintf("posted bundle %s (reward %s)", b.BundleID, b.Reward))
	return err
}

const (
	usdRateCacheKey = "bundler:usd-ar-rate"
	usdRateCacheTTL = 5 * time.Minute
)

// fiatRate quotes USD/AR, riding the shared cache when one is wired so a
// fleet of post workers hits the oracle once per TTL. The rate is
// bookkeeping, not correctness; a failed quote posts 0.
func (p *Pipeline) fiatRate(ctx context.Context) float64 {
	if p.RateCache != nil {
		var cached float64
		if found, err := p.RateCache.GetStruct(ctx, usdRateCacheKey, &cached); err == nil && found {
			return cached
		}
	}
	rate, err := p.Chain.USDToARRate(ctx, p.Config.PriceOracleURL)
	if err != nil {
		return 0
	}
	if p.RateCache != nil {
		if err := p.RateCache.SetStruct(ctx, usdRateCacheKey, rate, usdRateCacheTTL); err != nil {
			log.Warn(fmt.Sprintf("caching fiat rate, details: %v", err))
		}
	}
	return rate
}

func (p *Pipeline) loadTxHeader(ctx context.Context, bundleID bundler.TxID) (*arweave.Transaction, error) {
	rc, _, err := p.Blobs.Get(ctx, bundler.BundleHeaderKey(bundleID), nil)
	if bundler.IsNotFound(err) {
		return nil, bundler.Error{Code: bundler.MissingArtifact, UserData: bundleID,
			Err: fmt.Errorf("signed tx header blob is gone")}
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	var g arweave.GatewayTx
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decoding tx header of %s, details: %v", bundleID, err)
	}
	return arweave.UnmarshalGateway(g)
}
