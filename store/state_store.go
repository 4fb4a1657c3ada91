package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/permadata/bundler"
)

// serializationRetries bounds the in-place retry loop for SQLSTATE 40001/40P01.
// Past it the error surfaces as Transient and the queue redelivers.
const serializationRetries = 5

// StateStore implements bundler.StateStore on Postgres. Every promotion runs
// as one serializable transaction: delete-returning from the source table,
// insert into the destination. A delete that matches nothing means another
// worker already advanced the row, reported as AlreadyAdvanced.
type StateStore struct {
	db *sql.DB
	// retryLimit is how many bundles an item may lose before it fails terminally.
	retryLimit int
}

// NewStateStore wraps conn. retryLimit follows
// Config.RetryLimitForFailedDataItems.
func NewStateStore(conn *Connection, retryLimit int) *StateStore {
	return &StateStore{db: conn.DB, retryLimit: retryLimit}
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// inTx runs fn inside a serializable transaction, retrying serialization
// conflicts in place.
func (s *StateStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < serializationRetries; attempt++ {
		var tx *sql.Tx
		tx, err = s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return bundler.Error{Code: bundler.Transient, Err: err}
		}
		err = fn(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}
		if isSerializationFailure(err) {
			continue
		}
		var be bundler.Error
		if errors.As(err, &be) {
			return err
		}
		return bundler.Error{Code: bundler.Transient, Err: err}
	}
	return bundler.Error{Code: bundler.Transient, Err: fmt.Errorf("serialization conflicts exhausted, details: %v", err)}
}

// dataItemCols is the shared column list of the item state tables, in the
// order scanDataItem expects.
const dataItemCols = `data_item_id, owner_public_key, owner_address, signature_type,
	byte_count, payload_data_start, payload_content_type, assessed_winston_price::text,
	uploaded_date, deadline_height, failed_bundles, premium_feature_type, signature`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataItem(r rowScanner) (bundler.DataItem, error) {
	var d bundler.DataItem
	var price string
	var failed []string
	err := r.Scan(&d.ID, &d.OwnerPublicKey, &d.OwnerAddress, &d.SignatureType,
		&d.ByteCount, &d.PayloadDataStart, &d.PayloadContentType, &price,
		&d.UploadedDate, &d.DeadlineHeight, pq.Array(&failed), &d.PremiumFeatureType,
		&d.Signature)
	if err != nil {
		return d, err
	}
	d.AssessedWinstonPrice, err = bundler.ParseWinston(price)
	if err != nil {
		return d, err
	}
	for _, id := range failed {
		d.FailedBundles = append(d.FailedBundles, bundler.TxID(id))
	}
	return d, nil
}

func failedBundleIDs(d bundler.DataItem) pq.StringArray {
	out := make(pq.StringArray, len(d.FailedBundles))
	for i, id := range d.FailedBundles {
		out[i] = string(id)
	}
	return out
}

func (s *StateStore) InsertNewDataItem(ctx context.Context, item bundler.NewDataItem) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// A terminally failed item may be re-uploaded; its tombstone goes away.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM failed_data_item WHERE data_item_id = $1`, item.ID); err != nil {
			return err
		}
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM new_data_item WHERE data_item_id = $1)
				OR EXISTS (SELECT 1 FROM planned_data_item WHERE data_item_id = $1)
				OR EXISTS (SELECT 1 FROM permanent_data_item WHERE data_item_id = $1)`,
			item.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			return bundler.Error{Code: bundler.AlreadyAdvanced, UserData: item.ID,
				Err: fmt.Errorf("data item already in the pipeline")}
		}
		return insertNewRow(ctx, tx, item.DataItem)
	})
}

func insertNewRow(ctx context.Context, tx *sql.Tx, d bundler.DataItem) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO new_data_item (`+dataItemCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11,$12,$13)`,
		d.ID, d.OwnerPublicKey, d.OwnerAddress, d.SignatureType,
		d.ByteCount, d.PayloadDataStart, d.PayloadContentType,
		d.AssessedWinstonPrice.String(), d.UploadedDate, d.DeadlineHeight,
		failedBundleIDs(d), d.PremiumFeatureType, d.Signature)
	return err
}

func (s *StateStore) InsertNewDataItemBatch(ctx context.Context, items []bundler.NewDataItem) error {
	seen := make(map[bundler.ItemID]bool, len(items))
	deduped := make([]bundler.NewDataItem, 0, len(items))
	for _, item := range items {
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		deduped = append(deduped, item)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, item := range deduped {
			d := item.DataItem
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM failed_data_item WHERE data_item_id = $1`, d.ID); err != nil {
				return err
			}
			// Ids already staged or further along are silently skipped.
			_, err := tx.ExecContext(ctx,
				`INSERT INTO new_data_item (`+dataItemCols+`)
					SELECT $1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11,$12,$13
					WHERE NOT EXISTS (SELECT 1 FROM planned_data_item WHERE data_item_id = $1)
					  AND NOT EXISTS (SELECT 1 FROM permanent_data_item WHERE data_item_id = $1)
					ON CONFLICT (data_item_id) DO NOTHING`,
				d.ID, d.OwnerPublicKey, d.OwnerAddress, d.SignatureType,
				d.ByteCount, d.PayloadDataStart, d.PayloadContentType,
				d.AssessedWinstonPrice.String(), d.UploadedDate, d.DeadlineHeight,
				failedBundleIDs(d), d.PremiumFeatureType, d.Signature)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *StateStore) GetNewDataItems(ctx context.Context, max int, olderThan time.Time) ([]bundler.NewDataItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dataItemCols+` FROM new_data_item
			WHERE uploaded_date < $1 ORDER BY uploaded_date ASC LIMIT $2`,
		olderThan, max)
	if err != nil {
		return nil, bundler.Error{Code: bundler.Transient, Err: err}
	}
	defer rows.Close()
	var out []bundler.NewDataItem
	for rows.Next() {
		d, err := scanDataItem(rows)
		if err != nil {
			return nil, bundler.Error{Code: bundler.Transient, Err: err}
		}
		out = append(out, bundler.NewDataItem{DataItem: d})
	}
	if err := rows.Err(); err != nil {
		return nil, bundler.Error{Code: bundler.Transient, Err: err}
	}
	return out, nil
}

func (s *StateStore) InsertBundlePlan(ctx context.Context, planID bundler.PlanID, ids []bundler.ItemID) ([]bundler.ItemID, error) {
	var moved []bundler.ItemID
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		moved = nil
		rows, err := tx.QueryContext(ctx,
			`DELETE FROM new_data_item WHERE data_item_id = ANY($1)
				RETURNING `+dataItemCols,
			pq.Array(itemIDStrings(ids)))
		if err != nil {
			return err
		}
		items, err := collectDataItems(rows)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			// Another planner won every id; write nothing.
			return nil
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bundle_plan (plan_id, planned_date) VALUES ($1, $2)`,
			planID.String(), now); err != nil {
			return err
		}
		for _, d := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO planned_data_item (plan_id, planned_date, `+dataItemCols+`)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::numeric,$11,$12,$13,$14,$15)`,
				planID.String(), now,
				d.ID, d.OwnerPublicKey, d.OwnerAddress, d.SignatureType,
				d.ByteCount, d.PayloadDataStart, d.PayloadContentType,
				d.AssessedWinstonPrice.String(), d.UploadedDate, d.DeadlineHeight,
				failedBundleIDs(d), d.PremiumFeatureType, d.Signature); err != nil {
				return err
			}
			moved = append(moved, d.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

func (s *StateStore) GetPlannedDataItems(ctx context.Context, planID bundler.PlanID) ([]bundler.PlannedDataItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT planned_date, `+dataItemCols+` FROM planned_data_item
			WHERE plan_id = $1 ORDER BY data_item_id`,
		planID.String())
	if err != nil {
		return nil, bundler.Error{Code: bundler.Transient, Err: err}
	}
	defer rows.Close()
	var out []bundler.PlannedDataItem
	for rows.Next() {
		var p bundler.PlannedDataItem
		var price string
		var failed []string
		err := rows.Scan(&p.PlannedDate,
			&p.ID, &p.OwnerPublicKey, &p.OwnerAddress, &p.SignatureType,
			&p.ByteCount, &p.PayloadDataStart, &p.PayloadContentType, &price,
			&p.UploadedDate, &p.DeadlineHeight, pq.Array(&failed),
			&p.PremiumFeatureType, &p.Signature)
		if err != nil {
			return nil, bundler.Error{Code: bundler.Transient, Err: err}
		}
		if p.AssessedWinstonPrice, err = bundler.ParseWinston(price); err != nil {
			return nil, bundler.Error{Code: bundler.Unknown, Err: err}
		}
		for _, id := range failed {
			p.FailedBundles = append(p.FailedBundles, bundler.TxID(id))
		}
		p.PlanID = planID
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, bundler.Error{Code: bundler.Transient, Err: err}
	}
	return out, nil
}

func (s *StateStore) DeleteBundlePlan(ctx context.Context, planID bundler.PlanID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM bundle_plan WHERE plan_id = $1`, planID.String())
		return err
	})
}

const bundleCols = `bundle_id, plan_id, reward::text, header_byte_count,
	payload_byte_count, transaction_byte_count, tx_anchor, planned_date, signed_date`

func scanBundle(r rowScanner, dest ...any) (bundler.NewBundle, error) {
	var b bundler.NewBundle
	var reward, planID string
	args := []any{&b.BundleID, &planID, &reward, &b.HeaderByteCount,
		&b.PayloadByteCount, &b.TransactionByteCount, &b.TxAnchor,
		&b.PlannedDate, &b.SignedDate}
	args = append(args, dest...)
	if err := r.Scan(args...); err != nil {
		return b, err
	}
	var err error
	if b.Reward, err = bundler.ParseWinston(reward); err != nil {
		return b, err
	}
	if b.PlanID, err = bundler.ParseUUID(planID); err != nil {
		return b, err
	}
	return b, nil
}

func (s *StateStore) InsertNewBundle(ctx context.Context, b bundler.NewBundle) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM bundle_plan WHERE plan_id = $1`, b.PlanID.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.bundleAdvancedOrMissing(ctx, tx, b.PlanID, "bundle_plan")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO new_bundle (`+bundleCols+`)
				VALUES ($1,$2,$3::numeric,$4,$5,$6,$7,$8,$9)`,
			b.BundleID, b.PlanID.String(), b.Reward.String(), b.HeaderByteCount,
			b.PayloadByteCount, b.TransactionByteCount, b.TxAnchor,
			b.PlannedDate, b.SignedDate)
		return err
	})
}

// bundleAdvancedOrMissing distinguishes a replayed promotion from a plan that
// never existed.
func (s *StateStore) bundleAdvancedOrMissing(ctx context.Context, tx *sql.Tx, planID bundler.PlanID, from string) error {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM new_bundle WHERE plan_id = $1)
			OR EXISTS (SELECT 1 FROM posted_bundle WHERE plan_id = $1)
			OR EXISTS (SELECT 1 FROM seeded_bundle WHERE plan_id = $1)
			OR EXISTS (SELECT 1 FROM permanent_bundle WHERE plan_id = $1)
			OR EXISTS (SELECT 1 FROM failed_bundle WHERE plan_id = $1)`,
		planID.String()).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return bundler.Error{Code: bundler.AlreadyAdvanced, UserData: planID.String(),
			Err: fmt.Errorf("bundle already past %s", from)}
	}
	return bundler.Error{Code: bundler.NotFound, UserData: planID.String(),
		Err: fmt.Errorf("no bundle for plan in %s", from)}
}

func (s *StateStore) GetNewBundle(ctx context.Context, planID bundler.PlanID) (bundler.NewBundle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bundleCols+` FROM new_bundle WHERE plan_id = $1`, planID.String())
	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return b, bundler.Error{Code: bundler.NotFound, UserData: planID.String(),
			Err: fmt.Errorf("new bundle not found")}
	}
	if err != nil {
		return b, bundler.Error{Code: bundler.Transient, Err: err}
	}
	return b, nil
}

func (s *StateStore) InsertPostedBundle(ctx context.Context, bundleID bundler.TxID, usdToARRate float64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`DELETE FROM new_bundle WHERE bundle_id = $1 RETURNING `+bundleCols, bundleID)
		b, err := scanBundle(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.bundleIDAdvancedOrMissing(ctx, tx, bundleID, "new_bundle")
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO posted_bundle (`+bundleCols+`, posted_date, usd_to_ar_rate)
				VALUES ($1,$2,$3::numeric,$4,$5,$6,$7,$8,$9,$10,$11)`,
			b.BundleID, b.PlanID.String(), b.Reward.String(), b.HeaderByteCount,
			b.PayloadByteCount, b.TransactionByteCount, b.TxAnchor,
			b.PlannedDate, b.SignedDate, time.Now().UTC(), usdToARRate)
		return err
	})
}

func (s *StateStore) bundleIDAdvancedOrMissing(ctx context.Context, tx *sql.Tx, bundleID bundler.TxID, from string) error {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM posted_bundle WHERE bundle_id = $1)
			OR EXISTS (SELECT 1 FROM seeded_bundle WHERE bundle_id = $1)
			OR EXISTS (SELECT 1 FROM permanent_bundle WHERE bundle_id = $1)
			OR EXISTS (SELECT 1 FROM failed_bundle WHERE bundle_id = $1)`,
		bundleID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return bundler.Error{Code: bundler.AlreadyAdvanced, UserData: bundleID,
			Err: fmt.Errorf("bundle already past %s", from)}
	}
	return bundler.Error{Code: bundler.NotFound, UserData: bundleID,
		Err: fmt.Errorf("bundle not found in %s", from)}
}

func (s *StateStore) GetPostedBundle(ctx context.Context, planID bundler.PlanID) (bundler.PostedBundle, error) {
	var p bundler.PostedBundle
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bundleCols+`, posted_date, usd_to_ar_rate
			FROM posted_bundle WHERE plan_id = $1`, planID.String())
	b, err := scanBundle(row, &p.PostedDate, &p.USDToARRate)
	if errors.Is(err, sql.ErrNoRows) {
		return p, bundler.Error{Code: bundler.NotFound, UserData: planID.String(),
			Err: fmt.Errorf("posted bundle not found")}
	}
	if err != nil {
		return p, bundler.Error{Code: bundler.Transient, Err: err}
	}
	p.NewBundle = b
	return p, nil
}

func (s *StateStore) InsertSeededBundle(ctx context.Context, bundleID bundler.TxID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var p bundler.PostedBundle
		row := tx.QueryRowContext(ctx,
			`DELETE FROM posted_bundle WHERE bundle_id = $1
				RETURNING `+bundleCols+`, posted_date, usd_to_ar_rate`, bundleID)
		b, err := scanBundle(row, &p.PostedDate, &p.USDToARRate)
		if errors.Is(err, sql.ErrNoRows) {
			return s.bundleIDAdvancedOrMissing(ctx, tx, bundleID, "posted_bundle")
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO seeded_bundle (`+bundleCols+`, posted_date, usd_to_ar_rate, seeded_date)
				VALUES ($1,$2,$3::numeric,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			b.BundleID, b.PlanID.String(), b.Reward.String(), b.HeaderByteCount,
			b.PayloadByteCount, b.TransactionByteCount, b.TxAnchor,
			b.PlannedDate, b.SignedDate, p.PostedDate, p.USDToARRate, time.Now().UTC())
		return err
	})
}

func (s *StateStore) GetSeededBundles(ctx context.Context, olderThan time.Time) ([]bundler.SeededBundle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bundleCols+`, posted_date, usd_to_ar_rate, seeded_date
			FROM seeded_bundle WHERE seeded_date < $1 ORDER BY seeded_date ASC`,
		olderThan)
	if err != nil {
		return nil, bundler.Error{Code: bundler.Transient, Err: err}
	}
	defer rows.Close()
	var out []bundler.SeededBundle
	for rows.Next() {
		var sb bundler.SeededBundle
		b, err := scanBundle(rows, &sb.PostedDate, &sb.USDToARRate, &sb.SeededDate)
		if err != nil {
			return nil, bundler.Error{Code: bundler.Transient, Err: err}
		}
		sb.NewBundle = b
		out = append(out, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, bundler.Error{Code: bundler.Transient, Err: err}
	}
	return out, nil
}

func (s *StateStore) UpdateBundleAsPermanent(ctx context.Context, planID bundler.PlanID, blockHeight uint64, indexedOnGQL bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var sb bundler.SeededBundle
		row := tx.QueryRowContext(ctx,
			`DELETE FROM seeded_bundle WHERE plan_id = $1
				RETURNING `+bundleCols+`, posted_date, usd_to_ar_rate, seeded_date`,
			planID.String())
		b, err := scanBundle(row, &sb.PostedDate, &sb.USDToARRate, &sb.SeededDate)
		if errors.Is(err, sql.ErrNoRows) {
			return s.bundleAdvancedOrMissing(ctx, tx, planID, "seeded_bundle")
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO permanent_bundle (`+bundleCols+`, posted_date, usd_to_ar_rate,
				seeded_date, permanent_date, block_height, indexed_on_gql)
				VALUES ($1,$2,$3::numeric,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			b.BundleID, b.PlanID.String(), b.Reward.String(), b.HeaderByteCount,
			b.PayloadByteCount, b.TransactionByteCount, b.TxAnchor,
			b.PlannedDate, b.SignedDate, sb.PostedDate, sb.USDToARRate, sb.SeededDate,
			time.Now().UTC(), blockHeight, indexedOnGQL)
		return err
	})
}

func (s *StateStore) UpdateDataItemsAsPermanent(ctx context.Context, ids []bundler.ItemID, bundleID bundler.TxID, blockHeight uint64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`DELETE FROM planned_data_item WHERE data_item_id = ANY($1)
				RETURNING plan_id, `+dataItemCols,
			pq.Array(itemIDStrings(ids)))
		if err != nil {
			return err
		}
		type plannedRow struct {
			planID string
			item   bundler.DataItem
		}
		var items []plannedRow
		for rows.Next() {
			var planID string
			var d bundler.DataItem
			var price string
			var failed []string
			err := rows.Scan(&planID,
				&d.ID, &d.OwnerPublicKey, &d.OwnerAddress, &d.SignatureType,
				&d.ByteCount, &d.PayloadDataStart, &d.PayloadContentType, &price,
				&d.UploadedDate, &d.DeadlineHeight, pq.Array(&failed),
				&d.PremiumFeatureType, &d.Signature)
			if err != nil {
				rows.Close()
				return err
			}
			if d.AssessedWinstonPrice, err = bundler.ParseWinston(price); err != nil {
				rows.Close()
				return err
			}
			items = append(items, plannedRow{planID: planID, item: d})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, r := range items {
			d := r.item
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO permanent_data_item (data_item_id, plan_id, bundle_id,
					block_height, permanent_date, owner_public_key, owner_address,
					signature_type, byte_count, payload_data_start, payload_content_type,
					assessed_winston_price, uploaded_date, deadline_height, premium_feature_type)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::numeric,$13,$14,$15)`,
				d.ID, r.planID, bundleID, blockHeight, now,
				d.OwnerPublicKey, d.OwnerAddress, d.SignatureType, d.ByteCount,
				d.PayloadDataStart, d.PayloadContentType,
				d.AssessedWinstonPrice.String(), d.UploadedDate, d.DeadlineHeight,
				d.PremiumFeatureType); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *StateStore) UpdateDataItemsToBeRepacked(ctx context.Context, ids []bundler.ItemID, losingBundleID bundler.TxID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.repackItems(ctx, tx,
			`DELETE FROM planned_data_item WHERE data_item_id = ANY($1)
				RETURNING `+dataItemCols,
			pq.Array(itemIDStrings(ids)), losingBundleID)
	})
}

// repackItems reroutes planned items that lost their bundle: back to
// new_data_item, or to failed_data_item once the retry limit is spent.
func (s *StateStore) repackItems(ctx context.Context, tx *sql.Tx, deleteQuery string, arg any, losingBundleID bundler.TxID) error {
	rows, err := tx.QueryContext(ctx, deleteQuery, arg)
	if err != nil {
		return err
	}
	items, err := collectDataItems(rows)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, d := range items {
		// An empty losing id is a penalty-free revert (aborted prepare).
		if losingBundleID != "" {
			d.FailedBundles = append(d.FailedBundles, losingBundleID)
		}
		if len(d.FailedBundles) >= s.retryLimit {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO failed_data_item (failed_date, failed_reason, data_item_id,
					owner_public_key, owner_address, signature_type, byte_count,
					payload_data_start, payload_content_type, assessed_winston_price,
					uploaded_date, deadline_height, failed_bundles, premium_feature_type)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::numeric,$11,$12,$13,$14)`,
				now, bundler.ReasonTooManyFailures, d.ID,
				d.OwnerPublicKey, d.OwnerAddress, d.SignatureType, d.ByteCount,
				d.PayloadDataStart, d.PayloadContentType,
				d.AssessedWinstonPrice.String(), d.UploadedDate, d.DeadlineHeight,
				failedBundleIDs(d), d.PremiumFeatureType); err != nil {
				return err
			}
			continue
		}
		if err := insertNewRow(ctx, tx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateStore) UpdateSeededBundleToDropped(ctx context.Context, planID bundler.PlanID, bundleID bundler.TxID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`DELETE FROM seeded_bundle WHERE plan_id = $1
				RETURNING `+bundleCols+`, posted_date, usd_to_ar_rate, seeded_date`,
			planID.String())
		var postedDate, seededDate time.Time
		var rate float64
		b, err := scanBundle(row, &postedDate, &rate, &seededDate)
		if errors.Is(err, sql.ErrNoRows) {
			return s.bundleAdvancedOrMissing(ctx, tx, planID, "seeded_bundle")
		}
		if err != nil {
			return err
		}
		if err := insertFailedBundle(ctx, tx, b, bundler.ReasonNotFoundOnChain); err != nil {
			return err
		}
		return s.repackItems(ctx, tx,
			`DELETE FROM planned_data_item WHERE plan_id = $1 RETURNING `+dataItemCols,
			planID.String(), bundleID)
	})
}

func (s *StateStore) UpdateNewBundleToFailedToPost(ctx context.Context, planID bundler.PlanID, bundleID bundler.TxID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`DELETE FROM new_bundle WHERE plan_id = $1 RETURNING `+bundleCols,
			planID.String())
		b, err := scanBundle(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.bundleAdvancedOrMissing(ctx, tx, planID, "new_bundle")
		}
		if err != nil {
			return err
		}
		if err := insertFailedBundle(ctx, tx, b, bundler.ReasonFailedToPost); err != nil {
			return err
		}
		return s.repackItems(ctx, tx,
			`DELETE FROM planned_data_item WHERE plan_id = $1 RETURNING `+dataItemCols,
			planID.String(), bundleID)
	})
}

func insertFailedBundle(ctx context.Context, tx *sql.Tx, b bundler.NewBundle, reason bundler.FailedReason) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO failed_bundle (`+bundleCols+`, failed_date, failed_reason)
			VALUES ($1,$2,$3::numeric,$4,$5,$6,$7,$8,$9,$10,$11)`,
		b.BundleID, b.PlanID.String(), b.Reward.String(), b.HeaderByteCount,
		b.PayloadByteCount, b.TransactionByteCount, b.TxAnchor,
		b.PlannedDate, b.SignedDate, time.Now().UTC(), reason)
	return err
}

func (s *StateStore) UpdatePlannedDataItemAsFailed(ctx context.Context, id bundler.ItemID, reason bundler.FailedReason) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`DELETE FROM planned_data_item WHERE data_item_id = $1
				RETURNING `+dataItemCols, id)
		d, err := scanDataItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			return bundler.Error{Code: bundler.AlreadyAdvanced, UserData: id,
				Err: fmt.Errorf("planned data item already moved")}
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO failed_data_item (failed_date, failed_reason, data_item_id,
				owner_public_key, owner_address, signature_type, byte_count,
				payload_data_start, payload_content_type, assessed_winston_price,
				uploaded_date, deadline_height, failed_bundles, premium_feature_type)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::numeric,$11,$12,$13,$14)`,
			time.Now().UTC(), reason, d.ID,
			d.OwnerPublicKey, d.OwnerAddress, d.SignatureType, d.ByteCount,
			d.PayloadDataStart, d.PayloadContentType,
			d.AssessedWinstonPrice.String(), d.UploadedDate, d.DeadlineHeight,
			failedBundleIDs(d), d.PremiumFeatureType)
		return err
	})
}

func (s *StateStore) GetDataItemInfo(ctx context.Context, id bundler.ItemID) (bundler.DataItemInfo, error) {
	var info bundler.DataItemInfo
	var price string
	var bundleID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT 'new', assessed_winston_price::text, NULL
			FROM new_data_item WHERE data_item_id = $1
		UNION ALL
		SELECT 'planned', assessed_winston_price::text, NULL
			FROM planned_data_item WHERE data_item_id = $1
		UNION ALL
		SELECT 'permanent', assessed_winston_price::text, bundle_id
			FROM permanent_data_item WHERE data_item_id = $1
		UNION ALL
		SELECT 'failed', assessed_winston_price::text, NULL
			FROM failed_data_item WHERE data_item_id = $1
		LIMIT 1`,
		id).Scan(&info.Status, &price, &bundleID)
	if errors.Is(err, sql.ErrNoRows) {
		return info, bundler.Error{Code: bundler.NotFound, UserData: id,
			Err: fmt.Errorf("data item not found")}
	}
	if err != nil {
		return info, bundler.Error{Code: bundler.Transient, Err: err}
	}
	if info.AssessedWinstonPrice, err = bundler.ParseWinston(price); err != nil {
		return info, bundler.Error{Code: bundler.Unknown, Err: err}
	}
	if bundleID.Valid {
		info.BundleID = bundler.TxID(bundleID.String)
	}
	return info, nil
}

func itemIDStrings(ids []bundler.ItemID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func collectDataItems(rows *sql.Rows) ([]bundler.DataItem, error) {
	defer rows.Close()
	var out []bundler.DataItem
	for rows.Next() {
		d, err := scanDataItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
