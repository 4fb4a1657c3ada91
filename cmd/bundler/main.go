// Command bundler runs the bundling pipeline: the queue workers, the
// verification loop and the HTTP status/admin surface, wired from the
// environment.
package main

import (
	"context"
	"fmt"
	log "log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/permadata/bundler"
	"github.com/permadata/bundler/api"
	"github.com/permadata/bundler/arweave"
	"github.com/permadata/bundler/aws_s3"
	"github.com/permadata/bundler/cassandra"
	"github.com/permadata/bundler/fs"
	"github.com/permadata/bundler/gateway"
	"github.com/permadata/bundler/packer"
	"github.com/permadata/bundler/pipeline"
	"github.com/permadata/bundler/queue"
	"github.com/permadata/bundler/redis"
	"github.com/permadata/bundler/store"
)

func main() {
	bundler.ConfigureLogging()
	if err := run(); err != nil {
		log.Error(fmt.Sprintf("bundler exited, details: %v", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := bundler.LoadConfig()

	// State store.
	conn, err := store.OpenConnection(store.Config{DSN: os.Getenv("BUNDLER_PG_DSN")})
	if err != nil {
		return err
	}
	defer store.CloseConnection()
	if err := store.EnsureSchema(ctx, conn.DB); err != nil {
		return err
	}
	stateStore := store.NewStateStore(conn, cfg.RetryLimitForFailedDataItems)

	// Blob store: S3 when an endpoint/bucket is configured, local FS otherwise.
	blobs, err := openBlobStore(cfg)
	if err != nil {
		return err
	}

	// Queue substrate.
	redisConn, err := redis.OpenConnection(redisOptions())
	if err != nil {
		return err
	}
	defer redis.CloseConnection()
	queues := make(map[string]bundler.Queue, len(cfg.Queues))
	redrivers := make(map[string]api.Redriver, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		q, err := queue.NewRedisQueue(redisConn, qc)
		if err != nil {
			return err
		}
		queues[name] = q
		if r, ok := q.(api.Redriver); ok {
			redrivers[name] = r
		}
	}

	// Offsets index, optional.
	var offsets pipeline.Offsets
	if hosts := os.Getenv("BUNDLER_CASSANDRA_HOSTS"); hosts != "" {
		if _, err := cassandra.OpenConnection(cassandra.Config{
			ClusterHosts: strings.Split(hosts, ","),
		}); err != nil {
			return err
		}
		defer cassandra.CloseConnection()
		idx, err := cassandra.NewOffsetsIndex()
		if err != nil {
			return err
		}
		offsets = idx
	}

	wallet, err := arweave.LoadWallet(os.Getenv("BUNDLER_WALLET_FILE"))
	if err != nil {
		return err
	}
	chain := gateway.NewClient(cfg.ArweaveGatewayURL, cfg.NetworkRequestTimeout)

	var filter *packer.AdmissionFilter
	if cfg.AdmissionFilter != "" {
		filter, err = packer.NewAdmissionFilter(cfg.AdmissionFilter)
		if err != nil {
			return err
		}
	}

	p := &pipeline.Pipeline{
		Store:        stateStore,
		Blobs:        blobs,
		Chain:        chain,
		Wallet:       wallet,
		Config:       cfg,
		TipTarget:    os.Getenv("BUNDLER_TIP_TARGET"),
		TipFraction:  envFloat("BUNDLER_TIP_FRACTION", 0.006),
		Filter:       filter,
		OffsetsIndex: offsets,
		RateCache:    redis.NewClient(),
		PlanQueue:    queues[bundler.QueuePlanBundle],
		PrepareQueue: queues[bundler.QueuePrepareBundle],
		PostQueue:    queues[bundler.QueuePostBundle],
		SeedQueue:    queues[bundler.QueueSeedBundle],
	}

	handlers := map[string]queue.Handler{
		bundler.QueuePlanBundle:     p.HandlePlanBundle,
		bundler.QueuePrepareBundle:  p.HandlePrepareBundle,
		bundler.QueuePostBundle:     p.HandlePostBundle,
		bundler.QueueSeedBundle:     p.HandleSeedBundle,
		bundler.QueueBatchInsert:    p.HandleBatchInsert,
		bundler.QueueFinalizeUpload: p.HandleFinalizeUpload,
	}

	var wg sync.WaitGroup
	for name, handler := range handlers {
		qc := cfg.Queues[name]
		d := queue.NewDispatcher(queues[name], qc, handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(ctx)
		}()
	}

	// Plan ticks and the verification loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		planTicker(ctx, p, envDuration("BUNDLER_PLAN_INTERVAL_MS", time.Minute))
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.VerifyLoop(ctx, envDuration("BUNDLER_VERIFY_INTERVAL_MS", 5*time.Minute))
	}()

	// HTTP surface.
	server := &api.Server{Store: stateStore, Queues: redrivers}
	addr := os.Getenv("BUNDLER_API_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Router().Run(addr); err != nil {
			log.Error(fmt.Sprintf("api server stopped, details: %v", err))
			stop()
		}
	}()

	log.Info(fmt.Sprintf("bundler up: gateway %s, api %s", cfg.ArweaveGatewayURL, addr))
	<-ctx.Done()
	wg.Wait()
	return nil
}

func planTicker(ctx context.Context, p *pipeline.Pipeline, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.EnqueuePlanTick(ctx); err != nil {
				log.Warn(fmt.Sprintf("enqueueing plan tick, details: %v", err))
			}
		}
	}
}

func openBlobStore(cfg bundler.Config) (bundler.BlobStore, error) {
	if endpoint, bucket := os.Getenv("BUNDLER_S3_ENDPOINT"), os.Getenv("BUNDLER_S3_BUCKET"); bucket != "" {
		client := aws_s3.Connect(aws_s3.Config{
			HostEndpointUrl: endpoint,
			Region:          envDefault("AWS_REGION", "us-east-1"),
			Username:        os.Getenv("AWS_ACCESS_KEY_ID"),
			Password:        os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
		return aws_s3.NewBlobStore(client, bucket)
	}
	root := envDefault("BUNDLER_BLOB_ROOT", "/var/lib/bundler/blobs")
	return fs.NewBlobStore(root)
}

func redisOptions() redis.Options {
	opts := redis.DefaultOptions()
	if addr := os.Getenv("BUNDLER_REDIS_ADDR"); addr != "" {
		opts.Address = addr
	}
	opts.Password = os.Getenv("BUNDLER_REDIS_PASSWORD")
	return opts
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var ms int64
	if _, err := fmt.Sscanf(v, "%d", &ms); err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
