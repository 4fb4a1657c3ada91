package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ddl is the authoritative schema. Every statement is idempotent so a fleet of
// workers can race EnsureSchema at boot.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS new_data_item (
		data_item_id           text PRIMARY KEY,
		owner_public_key       text NOT NULL,
		owner_address          text NOT NULL,
		signature_type         int NOT NULL,
		byte_count             bigint NOT NULL,
		payload_data_start     bigint NOT NULL,
		payload_content_type   text NOT NULL DEFAULT '',
		assessed_winston_price numeric NOT NULL DEFAULT 0,
		uploaded_date          timestamptz NOT NULL,
		deadline_height        bigint NOT NULL DEFAULT 0,
		failed_bundles         text[] NOT NULL DEFAULT '{}',
		premium_feature_type   text NOT NULL DEFAULT '',
		signature              bytea
	)`,
	`CREATE INDEX IF NOT EXISTS new_data_item_uploaded_date_idx
		ON new_data_item (uploaded_date)`,

	`CREATE TABLE IF NOT EXISTS planned_data_item (
		data_item_id           text PRIMARY KEY,
		plan_id                uuid NOT NULL,
		planned_date           timestamptz NOT NULL,
		owner_public_key       text NOT NULL,
		owner_address          text NOT NULL,
		signature_type         int NOT NULL,
		byte_count             bigint NOT NULL,
		payload_data_start     bigint NOT NULL,
		payload_content_type   text NOT NULL DEFAULT '',
		assessed_winston_price numeric NOT NULL DEFAULT 0,
		uploaded_date          timestamptz NOT NULL,
		deadline_height        bigint NOT NULL DEFAULT 0,
		failed_bundles         text[] NOT NULL DEFAULT '{}',
		premium_feature_type   text NOT NULL DEFAULT '',
		signature              bytea
	)`,
	`CREATE INDEX IF NOT EXISTS planned_data_item_plan_id_idx
		ON planned_data_item (plan_id)`,

	// The permanent table grows without bound; range partitioning by upload
	// month keeps index bloat local and lets old months be detached for
	// archival. The default partition catches rows outside provisioned months.
	`CREATE TABLE IF NOT EXISTS permanent_data_item (
		data_item_id           text NOT NULL,
		plan_id                uuid NOT NULL,
		bundle_id              text NOT NULL,
		block_height           bigint NOT NULL,
		permanent_date         timestamptz NOT NULL,
		owner_public_key       text NOT NULL,
		owner_address          text NOT NULL,
		signature_type         int NOT NULL,
		byte_count             bigint NOT NULL,
		payload_data_start     bigint NOT NULL,
		payload_content_type   text NOT NULL DEFAULT '',
		assessed_winston_price numeric NOT NULL DEFAULT 0,
		uploaded_date          timestamptz NOT NULL,
		deadline_height        bigint NOT NULL DEFAULT 0,
		premium_feature_type   text NOT NULL DEFAULT '',
		PRIMARY KEY (data_item_id, uploaded_date)
	) PARTITION BY RANGE (uploaded_date)`,
	`CREATE TABLE IF NOT EXISTS permanent_data_item_default
		PARTITION OF permanent_data_item DEFAULT`,

	`CREATE TABLE IF NOT EXISTS failed_data_item (
		data_item_id           text PRIMARY KEY,
		failed_date            timestamptz NOT NULL,
		failed_reason          text NOT NULL,
		owner_public_key       text NOT NULL,
		owner_address          text NOT NULL,
		signature_type         int NOT NULL,
		byte_count             bigint NOT NULL,
		payload_data_start     bigint NOT NULL,
		payload_content_type   text NOT NULL DEFAULT '',
		assessed_winston_price numeric NOT NULL DEFAULT 0,
		uploaded_date          timestamptz NOT NULL,
		deadline_height        bigint NOT NULL DEFAULT 0,
		failed_bundles         text[] NOT NULL DEFAULT '{}',
		premium_feature_type   text NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS bundle_plan (
		plan_id      uuid PRIMARY KEY,
		planned_date timestamptz NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS new_bundle (
		bundle_id              text NOT NULL,
		plan_id                uuid PRIMARY KEY,
		reward                 numeric NOT NULL,
		header_byte_count      bigint NOT NULL,
		payload_byte_count     bigint NOT NULL,
		transaction_byte_count bigint NOT NULL,
		tx_anchor              text NOT NULL,
		planned_date           timestamptz NOT NULL,
		signed_date            timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS new_bundle_bundle_id_idx
		ON new_bundle (bundle_id)`,

	`CREATE TABLE IF NOT EXISTS posted_bundle (
		bundle_id              text NOT NULL,
		plan_id                uuid PRIMARY KEY,
		reward                 numeric NOT NULL,
		header_byte_count      bigint NOT NULL,
		payload_byte_count     bigint NOT NULL,
		transaction_byte_count bigint NOT NULL,
		tx_anchor              text NOT NULL,
		planned_date           timestamptz NOT NULL,
		signed_date            timestamptz NOT NULL,
		posted_date            timestamptz NOT NULL,
		usd_to_ar_rate         double precision NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS posted_bundle_bundle_id_idx
		ON posted_bundle (bundle_id)`,

	`CREATE TABLE IF NOT EXISTS seeded_bundle (
		bundle_id              text NOT NULL,
		plan_id                uuid PRIMARY KEY,
		reward                 numeric NOT NULL,
		header_byte_count      bigint NOT NULL,
		payload_byte_count     bigint NOT NULL,
		transaction_byte_count bigint NOT NULL,
		tx_anchor              text NOT NULL,
		planned_date           timestamptz NOT NULL,
		signed_date            timestamptz NOT NULL,
		posted_date            timestamptz NOT NULL,
		usd_to_ar_rate         double precision NOT NULL DEFAULT 0,
		seeded_date            timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS seeded_bundle_seeded_date_idx
		ON seeded_bundle (seeded_date)`,

	`CREATE TABLE IF NOT EXISTS permanent_bundle (
		bundle_id              text NOT NULL,
		plan_id                uuid PRIMARY KEY,
		reward                 numeric NOT NULL,
		header_byte_count      bigint NOT NULL,
		payload_byte_count     bigint NOT NULL,
		transaction_byte_count bigint NOT NULL,
		tx_anchor              text NOT NULL,
		planned_date           timestamptz NOT NULL,
		signed_date            timestamptz NOT NULL,
		posted_date            timestamptz NOT NULL,
		usd_to_ar_rate         double precision NOT NULL DEFAULT 0,
		seeded_date            timestamptz NOT NULL,
		permanent_date         timestamptz NOT NULL,
		block_height           bigint NOT NULL,
		indexed_on_gql         boolean NOT NULL DEFAULT false
	)`,

	`CREATE TABLE IF NOT EXISTS failed_bundle (
		bundle_id              text NOT NULL,
		plan_id                uuid NOT NULL,
		reward                 numeric NOT NULL,
		header_byte_count      bigint NOT NULL,
		payload_byte_count     bigint NOT NULL,
		transaction_byte_count bigint NOT NULL,
		tx_anchor              text NOT NULL,
		planned_date           timestamptz NOT NULL,
		signed_date            timestamptz NOT NULL,
		failed_date            timestamptz NOT NULL,
		failed_reason          text NOT NULL,
		PRIMARY KEY (plan_id, bundle_id)
	)`,
}

// EnsureSchema creates the state tables if missing, plus monthly partitions of
// permanent_data_item covering last month through next month.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema, details: %v", err)
		}
	}
	now := time.Now().UTC()
	for _, month := range []time.Time{now.AddDate(0, -1, 0), now, now.AddDate(0, 1, 0)} {
		if err := ensureMonthPartition(ctx, db, month); err != nil {
			return err
		}
	}
	return nil
}

func ensureMonthPartition(ctx context.Context, db *sql.DB, month time.Time) error {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS permanent_data_item_%s PARTITION OF permanent_data_item
			FOR VALUES FROM ('%s') TO ('%s')`,
		start.Format("y2006m01"), start.Format("2006-01-02"), end.Format("2006-01-02"))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating month partition, details: %v", err)
	}
	return nil
}
