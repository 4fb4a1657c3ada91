package bundler

import (
	"time"
)

// ItemID is the 43-character URL-safe base64 id of a data item,
// the SHA-256 of its raw signature bytes.
type ItemID string

// TxID is a 43-character on-chain transaction id. Bundles are identified by
// the id of the transaction that carries them.
type TxID string

// PlanID identifies a bundle plan. It is minted by the plan worker and rides
// with the items until the bundle reaches a terminal state.
type PlanID = UUID

// DataItemStatus is the state-table a data item currently lives in.
type DataItemStatus string

const (
	ItemStatusNew       DataItemStatus = "new"
	ItemStatusPlanned   DataItemStatus = "planned"
	ItemStatusPermanent DataItemStatus = "permanent"
	ItemStatusFailed    DataItemStatus = "failed"
)

// BundleStatus is the state-table a bundle currently lives in.
type BundleStatus string

const (
	BundleStatusNew       BundleStatus = "new"
	BundleStatusPosted    BundleStatus = "posted"
	BundleStatusSeeded    BundleStatus = "seeded"
	BundleStatusPermanent BundleStatus = "permanent"
	BundleStatusFailed    BundleStatus = "failed"
)

// FailedReason records why a data item or bundle landed in a failed table.
type FailedReason string

const (
	ReasonTooManyFailures  FailedReason = "too_many_failures"
	ReasonMissingFromStore FailedReason = "missing_from_object_store"
	ReasonFailedToPost     FailedReason = "failed_to_post"
	ReasonNotFoundOnChain  FailedReason = "not_found"
)

// DataItem holds the fields shared by every data item state table.
type DataItem struct {
	ID                   ItemID    `json:"data_item_id"`
	OwnerPublicKey       string    `json:"owner_public_key"`
	OwnerAddress         string    `json:"owner_address"`
	SignatureType        int       `json:"signature_type"`
	ByteCount            int64     `json:"byte_count"`
	PayloadDataStart     int64     `json:"payload_data_start"`
	PayloadContentType   string    `json:"payload_content_type"`
	AssessedWinstonPrice Winston   `json:"assessed_winston_price"`
	UploadedDate         time.Time `json:"uploaded_date"`
	DeadlineHeight       uint64    `json:"deadline_height"`
	// FailedBundles lists, oldest first, the bundle ids this item rode and lost.
	FailedBundles      []TxID `json:"failed_bundles,omitempty"`
	PremiumFeatureType string `json:"premium_feature_type,omitempty"`
	Signature          []byte `json:"signature,omitempty"`
}

// NewDataItem is a row of new_data_item.
type NewDataItem struct {
	DataItem
}

// PlannedDataItem is a row of planned_data_item.
type PlannedDataItem struct {
	DataItem
	PlanID      PlanID    `json:"plan_id"`
	PlannedDate time.Time `json:"planned_date"`
}

// PermanentDataItem is a row of permanent_data_item.
type PermanentDataItem struct {
	DataItem
	PlanID        PlanID    `json:"plan_id"`
	BundleID      TxID      `json:"bundle_id"`
	BlockHeight   uint64    `json:"block_height"`
	PermanentDate time.Time `json:"permanent_date"`
}

// FailedDataItem is a row of failed_data_item.
type FailedDataItem struct {
	DataItem
	FailedDate   time.Time    `json:"failed_date"`
	FailedReason FailedReason `json:"failed_reason"`
}

// BundlePlan is a row of bundle_plan. It lives only between the plan worker
// minting it and the prepare worker promoting it to new_bundle.
type BundlePlan struct {
	PlanID      PlanID    `json:"plan_id"`
	PlannedDate time.Time `json:"planned_date"`
}

// NewBundle holds the fields shared by every bundle state table.
type NewBundle struct {
	BundleID             TxID      `json:"bundle_id"`
	PlanID               PlanID    `json:"plan_id"`
	Reward               Winston   `json:"reward"`
	HeaderByteCount      int64     `json:"header_byte_count"`
	PayloadByteCount     int64     `json:"payload_byte_count"`
	TransactionByteCount int64     `json:"transaction_byte_count"`
	TxAnchor             string    `json:"tx_anchor"`
	PlannedDate          time.Time `json:"planned_date"`
	SignedDate           time.Time `json:"signed_date"`
}

// PostedBundle is a row of posted_bundle.
type PostedBundle struct {
	NewBundle
	PostedDate  time.Time `json:"posted_date"`
	USDToARRate float64   `json:"usd_to_ar_rate,omitempty"`
}

// SeededBundle is a row of seeded_bundle.
type SeededBundle struct {
	PostedBundle
	SeededDate time.Time `json:"seeded_date"`
}

// PermanentBundle is a row of permanent_bundle.
type PermanentBundle struct {
	SeededBundle
	PermanentDate time.Time `json:"permanent_date"`
	BlockHeight   uint64    `json:"block_height"`
	IndexedOnGQL  bool      `json:"indexed_on_gql"`
}

// FailedBundle is a row of failed_bundle.
type FailedBundle struct {
	NewBundle
	FailedDate   time.Time    `json:"failed_date"`
	FailedReason FailedReason `json:"failed_reason"`
}

// DataItemInfo is the status-endpoint view of one data item.
type DataItemInfo struct {
	Status               DataItemStatus `json:"status"`
	AssessedWinstonPrice Winston        `json:"winc"`
	BundleID             TxID           `json:"bundle_id,omitempty"`
}

// Object store key namespaces. All pipeline blobs live under these prefixes.

func RawDataItemKey(id ItemID) string { return "raw-data-item/" + string(id) }

func BundleHeaderKey(id TxID) string { return "bundle/" + string(id) }

func BundlePayloadKey(planID PlanID) string { return "bundle-payload/" + planID.String() }

func DataKey(id ItemID) string { return "data/" + string(id) }

func MultipartKey(uploadID string) string { return "multipart-uploads/" + uploadID }
