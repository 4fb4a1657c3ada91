package cassandra

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/permadata/bundler"
)

// Offset locates one data item inside its bundle payload.
type Offset struct {
	DataItemID bundler.ItemID `json:"data_item_id"`
	BundleID   bundler.TxID   `json:"bundle_id"`
	// PayloadOffset is where the raw item begins inside the bundle payload.
	PayloadOffset int64 `json:"payload_offset"`
	ByteCount     int64 `json:"byte_count"`
	// PayloadDataStart is the item-relative offset of the item's own payload,
	// past its envelope. PayloadOffset+PayloadDataStart addresses the user data.
	PayloadDataStart int64 `json:"payload_data_start"`
}

// OffsetsIndex reads and writes the offsets table. Rows are written by the
// prepare worker as it seals a bundle and read by the serving layer.
type OffsetsIndex struct {
	connection *Connection
}

// NewOffsetsIndex requires an opened connection.
func NewOffsetsIndex() (*OffsetsIndex, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection has not been opened")
	}
	return &OffsetsIndex{connection: connection}, nil
}

// PutBatch upserts the offsets of a sealed bundle. Cassandra upserts are
// idempotent, so a replayed prepare rewrites the same rows.
func (o *OffsetsIndex) PutBatch(ctx context.Context, offsets []Offset) error {
	batch := o.connection.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	stmt := fmt.Sprintf("INSERT INTO %s.data_item_offsets (data_item_id, bundle_id, payload_offset, byte_count, payload_data_start) VALUES (?,?,?,?,?);",
		o.connection.Keyspace)
	for _, off := range offsets {
		batch.Query(stmt, string(off.DataItemID), string(off.BundleID),
			off.PayloadOffset, off.ByteCount, off.PayloadDataStart)
	}
	if err := o.connection.Session.ExecuteBatch(batch); err != nil {
		return bundler.Error{Code: bundler.Transient,
			Err: fmt.Errorf("writing offsets batch, details: %v", err)}
	}
	return nil
}

// Get returns the offset row of one data item.
func (o *OffsetsIndex) Get(ctx context.Context, id bundler.ItemID) (Offset, error) {
	var off Offset
	var itemID, bundleID string
	stmt := fmt.Sprintf("SELECT data_item_id, bundle_id, payload_offset, byte_count, payload_data_start FROM %s.data_item_offsets WHERE data_item_id = ?;",
		o.connection.Keyspace)
	err := o.connection.Session.Query(stmt, string(id)).WithContext(ctx).
		Scan(&itemID, &bundleID, &off.PayloadOffset, &off.ByteCount, &off.PayloadDataStart)
	if errors.Is(err, gocql.ErrNotFound) {
		return off, bundler.Error{Code: bundler.NotFound, UserData: id,
			Err: fmt.Errorf("no offsets for data item")}
	}
	if err != nil {
		return off, bundler.Error{Code: bundler.Transient,
			Err: fmt.Errorf("reading offsets, details: %v", err)}
	}
	off.DataItemID = bundler.ItemID(itemID)
	off.BundleID = bundler.TxID(bundleID)
	return off, nil
}

// Delete removes the offsets of items whose bundle lost the race on chain.
func (o *OffsetsIndex) Delete(ctx context.Context, ids []bundler.ItemID) error {
	stmt := fmt.Sprintf("DELETE FROM %s.data_item_offsets WHERE data_item_id = ?;",
		o.connection.Keyspace)
	for _, id := range ids {
		if err := o.connection.Session.Query(stmt, string(id)).WithContext(ctx).Exec(); err != nil {
			return bundler.Error{Code: bundler.Transient,
				Err: fmt.Errorf("deleting offsets, details: %v", err)}
		}
	}
	return nil
}
