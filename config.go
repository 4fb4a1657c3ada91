package bundler

import (
	"os"
	"strconv"
	"time"
)

// Config holds the pipeline configuration. LoadConfig populates it from the
// environment; zero/absent values take the documented defaults.
type Config struct {
	// MaxBundleByteCount caps a bundle's payload size; the packer enforces it.
	MaxBundleByteCount int64 `json:"max_bundle_byte_count"`
	// MaxDataItemByteCount caps a single item; larger items are never packed.
	MaxDataItemByteCount  int64 `json:"max_data_item_byte_count"`
	MaxDataItemsPerBundle int   `json:"max_data_items_per_bundle"`
	// OverdueThreshold marks items waiting longer than this for priority inclusion.
	OverdueThreshold time.Duration `json:"overdue_threshold_ms"`
	// BatchAccumulationWindow holds just-uploaded items back from planning so
	// uploads can batch up. It sits well under OverdueThreshold, so overdue
	// items always clear it.
	BatchAccumulationWindow time.Duration `json:"batch_accumulation_window_ms"`
	// TxPermanentThreshold is the confirmation count for permanence.
	TxPermanentThreshold uint64 `json:"tx_permanent_threshold"`
	// TxRePostThresholdBlocks is how many blocks past the anchor a lost tx may
	// linger before its bundle is dropped.
	TxRePostThresholdBlocks uint64 `json:"tx_re_post_threshold_blocks"`
	// RetryLimitForFailedDataItems is how many bundles an item may lose before
	// landing in failed_data_item.
	RetryLimitForFailedDataItems int `json:"retry_limit_for_failed_data_items"`

	ArweaveGatewayURL     string        `json:"arweave_gateway_url"`
	NetworkRequestTimeout time.Duration `json:"network_request_timeout_ms"`

	// PriceOracleURL quotes USD/AR; empty disables the opportunistic rate
	// capture on post.
	PriceOracleURL string `json:"price_oracle_url,omitempty"`

	DataItemBucket string `json:"data_item_bucket"`
	OffsetsTable   string `json:"offsets_table"`

	// AddCommunityTip adds the community tip target and quantity to bundle txs.
	AddCommunityTip bool `json:"add_community_tip"`

	// AdmissionFilter is an optional CEL expression evaluated per item at plan
	// time; items it rejects stay in new_data_item.
	AdmissionFilter string `json:"admission_filter,omitempty"`

	// Queues tunes each named queue.
	Queues map[string]QueueConfig `json:"queues"`
}

// DefaultConfig returns the documented defaults (shell-provisioning values for
// the queues).
func DefaultConfig() Config {
	return Config{
		MaxBundleByteCount:           250 * 1024 * 1024,
		MaxDataItemByteCount:         10 * 1024 * 1024 * 1024,
		MaxDataItemsPerBundle:        10_000,
		OverdueThreshold:             5 * time.Minute,
		BatchAccumulationWindow:      30 * time.Second,
		TxPermanentThreshold:         50,
		TxRePostThresholdBlocks:      50,
		RetryLimitForFailedDataItems: 3,
		ArweaveGatewayURL:            "https://arweave.net",
		NetworkRequestTimeout:        40 * time.Second,
		DataItemBucket:               "raw-data-items",
		OffsetsTable:                 "data_item_offsets",
		Queues: map[string]QueueConfig{
			QueuePlanBundle:     {Name: QueuePlanBundle, BatchSize: 1, Visibility: 30 * time.Second, MaxReceives: 3, Workers: 1},
			QueuePrepareBundle:  {Name: QueuePrepareBundle, BatchSize: 1, Visibility: 315 * time.Second, MaxReceives: 4, Workers: 2},
			QueuePostBundle:     {Name: QueuePostBundle, BatchSize: 1, Visibility: 315 * time.Second, MaxReceives: 4, Workers: 2},
			QueueSeedBundle:     {Name: QueueSeedBundle, BatchSize: 1, Visibility: 315 * time.Second, MaxReceives: 4, Workers: 2},
			QueueOpticalPost:    {Name: QueueOpticalPost, BatchSize: 10, Visibility: 45 * time.Second, MaxReceives: 1, Workers: 2},
			QueueBatchInsert:    {Name: QueueBatchInsert, BatchSize: 10, Visibility: 60 * time.Second, MaxReceives: 3, Workers: 2},
			QueueFinalizeUpload: {Name: QueueFinalizeUpload, BatchSize: 1, Visibility: 30 * time.Second, MaxReceives: 3, Workers: 2},
		},
	}
}

// LoadConfig reads overrides from the environment on top of DefaultConfig.
func LoadConfig() Config {
	c := DefaultConfig()
	if v := envInt64("BUNDLER_MAX_BUNDLE_BYTE_COUNT"); v > 0 {
		c.MaxBundleByteCount = v
	}
	if v := envInt64("BUNDLER_MAX_DATA_ITEM_BYTE_COUNT"); v > 0 {
		c.MaxDataItemByteCount = v
	}
	if v := envInt64("BUNDLER_MAX_DATA_ITEMS_PER_BUNDLE"); v > 0 {
		c.MaxDataItemsPerBundle = int(v)
	}
	if v := envInt64("BUNDLER_OVERDUE_THRESHOLD_MS"); v > 0 {
		c.OverdueThreshold = time.Duration(v) * time.Millisecond
	}
	if v := envInt64("BUNDLER_BATCH_ACCUMULATION_WINDOW_MS"); v > 0 {
		c.BatchAccumulationWindow = time.Duration(v) * time.Millisecond
	}
	if v := envInt64("BUNDLER_TX_PERMANENT_THRESHOLD"); v > 0 {
		c.TxPermanentThreshold = uint64(v)
	}
	if v := envInt64("BUNDLER_TX_RE_POST_THRESHOLD_BLOCKS"); v > 0 {
		c.TxRePostThresholdBlocks = uint64(v)
	}
	if v := envInt64("BUNDLER_RETRY_LIMIT_FOR_FAILED_DATA_ITEMS"); v > 0 {
		c.RetryLimitForFailedDataItems = int(v)
	}
	if v := os.Getenv("BUNDLER_ARWEAVE_GATEWAY_URL"); v != "" {
		c.ArweaveGatewayURL = v
	}
	if v := os.Getenv("BUNDLER_PRICE_ORACLE_URL"); v != "" {
		c.PriceOracleURL = v
	}
	if v := envInt64("BUNDLER_NETWORK_REQUEST_TIMEOUT_MS"); v > 0 {
		c.NetworkRequestTimeout = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv("BUNDLER_DATA_ITEM_BUCKET"); v != "" {
		c.DataItemBucket = v
	}
	if v := os.Getenv("BUNDLER_OFFSETS_TABLE"); v != "" {
		c.OffsetsTable = v
	}
	if v := os.Getenv("BUNDLER_ADD_COMMUNITY_TIP"); v == "true" || v == "1" {
		c.AddCommunityTip = true
	}
	if v := os.Getenv("BUNDLER_ADMISSION_FILTER"); v != "" {
		c.AdmissionFilter = v
	}
	return c
}

func envInt64(key string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
