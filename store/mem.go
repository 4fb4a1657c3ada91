package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/permadata/bundler"
)

// Mem is an in-memory StateStore with the same promotion semantics as the
// Postgres implementation. It backs tests and single-process experiments.
type Mem struct {
	mu         sync.Mutex
	retryLimit int

	newItems       map[bundler.ItemID]bundler.NewDataItem
	plannedItems   map[bundler.ItemID]bundler.PlannedDataItem
	permanentItems map[bundler.ItemID]bundler.PermanentDataItem
	failedItems    map[bundler.ItemID]bundler.FailedDataItem

	plans            map[bundler.PlanID]bundler.BundlePlan
	newBundles       map[bundler.PlanID]bundler.NewBundle
	postedBundles    map[bundler.PlanID]bundler.PostedBundle
	seededBundles    map[bundler.PlanID]bundler.SeededBundle
	permanentBundles map[bundler.PlanID]bundler.PermanentBundle
	failedBundles    map[bundler.PlanID]bundler.FailedBundle
}

var _ bundler.StateStore = (*Mem)(nil)

func NewMem(retryLimit int) *Mem {
	return &Mem{
		retryLimit:       retryLimit,
		newItems:         map[bundler.ItemID]bundler.NewDataItem{},
		plannedItems:     map[bundler.ItemID]bundler.PlannedDataItem{},
		permanentItems:   map[bundler.ItemID]bundler.PermanentDataItem{},
		failedItems:      map[bundler.ItemID]bundler.FailedDataItem{},
		plans:            map[bundler.PlanID]bundler.BundlePlan{},
		newBundles:       map[bundler.PlanID]bundler.NewBundle{},
		postedBundles:    map[bundler.PlanID]bundler.PostedBundle{},
		seededBundles:    map[bundler.PlanID]bundler.SeededBundle{},
		permanentBundles: map[bundler.PlanID]bundler.PermanentBundle{},
		failedBundles:    map[bundler.PlanID]bundler.FailedBundle{},
	}
}

func (m *Mem) InsertNewDataItem(_ context.Context, item bundler.NewDataItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failedItems, item.ID)
	if _, ok := m.newItems[item.ID]; ok {
		return alreadyAdvanced(item.ID)
	}
	if _, ok := m.plannedItems[item.ID]; ok {
		return alreadyAdvanced(item.ID)
	}
	if _, ok := m.permanentItems[item.ID]; ok {
		return alreadyAdvanced(item.ID)
	}
	m.newItems[item.ID] = item
	return nil
}

func (m *Mem) InsertNewDataItemBatch(_ context.Context, items []bundler.NewDataItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		delete(m.failedItems, item.ID)
		if _, ok := m.newItems[item.ID]; ok {
			continue
		}
		if _, ok := m.plannedItems[item.ID]; ok {
			continue
		}
		if _, ok := m.permanentItems[item.ID]; ok {
			continue
		}
		m.newItems[item.ID] = item
	}
	return nil
}

func (m *Mem) GetNewDataItems(_ context.Context, max int, olderThan time.Time) ([]bundler.NewDataItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bundler.NewDataItem
	for _, item := range m.newItems {
		if item.UploadedDate.Before(olderThan) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedDate.Equal(out[j].UploadedDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].UploadedDate.Before(out[j].UploadedDate)
	})
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (m *Mem) InsertBundlePlan(_ context.Context, planID bundler.PlanID, ids []bundler.ItemID) ([]bundler.ItemID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var moved []bundler.ItemID
	now := time.Now().UTC()
	for _, id := range ids {
		item, ok := m.newItems[id]
		if !ok {
			continue
		}
		delete(m.newItems, id)
		m.plannedItems[id] = bundler.PlannedDataItem{
			DataItem: item.DataItem, PlanID: planID, PlannedDate: now,
		}
		moved = append(moved, id)
	}
	if len(moved) > 0 {
		m.plans[planID] = bundler.BundlePlan{PlanID: planID, PlannedDate: now}
	}
	return moved, nil
}

func (m *Mem) GetPlannedDataItems(_ context.Context, planID bundler.PlanID) ([]bundler.PlannedDataItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bundler.PlannedDataItem
	for _, item := range m.plannedItems {
		if item.PlanID.Compare(planID) == 0 {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mem) DeleteBundlePlan(_ context.Context, planID bundler.PlanID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plans, planID)
	return nil
}

func (m *Mem) InsertNewBundle(_ context.Context, b bundler.NewBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[b.PlanID]; !ok {
		if m.bundleExists(b.PlanID) {
			return alreadyAdvanced(b.PlanID.String())
		}
		return notFound(b.PlanID.String())
	}
	delete(m.plans, b.PlanID)
	m.newBundles[b.PlanID] = b
	return nil
}

func (m *Mem) bundleExists(planID bundler.PlanID) bool {
	if _, ok := m.newBundles[planID]; ok {
		return true
	}
	if _, ok := m.postedBundles[planID]; ok {
		return true
	}
	if _, ok := m.seededBundles[planID]; ok {
		return true
	}
	if _, ok := m.permanentBundles[planID]; ok {
		return true
	}
	if _, ok := m.failedBundles[planID]; ok {
		return true
	}
	return false
}

func (m *Mem) GetNewBundle(_ context.Context, planID bundler.PlanID) (bundler.NewBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.newBundles[planID]
	if !ok {
		return b, notFound(planID.String())
	}
	return b, nil
}

func (m *Mem) InsertPostedBundle(_ context.Context, bundleID bundler.TxID, usdToARRate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for planID, b := range m.newBundles {
		if b.BundleID == bundleID {
			delete(m.newBundles, planID)
			m.postedBundles[planID] = bundler.PostedBundle{
				NewBundle: b, PostedDate: time.Now().UTC(), USDToARRate: usdToARRate,
			}
			return nil
		}
	}
	if m.bundleIDPast(bundleID) {
		return alreadyAdvanced(bundleID)
	}
	return notFound(bundleID)
}

func (m *Mem) bundleIDPast(bundleID bundler.TxID) bool {
	for _, b := range m.postedBundles {
		if b.BundleID == bundleID {
			return true
		}
	}
	for _, b := range m.seededBundles {
		if b.BundleID == bundleID {
			return true
		}
	}
	for _, b := range m.permanentBundles {
		if b.BundleID == bundleID {
			return true
		}
	}
	for _, b := range m.failedBundles {
		if b.BundleID == bundleID {
			return true
		}
	}
	return false
}

func (m *Mem) GetPostedBundle(_ context.Context, planID bundler.PlanID) (bundler.PostedBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.postedBundles[planID]
	if !ok {
		return b, notFound(planID.String())
	}
	return b, nil
}

func (m *Mem) InsertSeededBundle(_ context.Context, bundleID bundler.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for planID, b := range m.postedBundles {
		if b.BundleID == bundleID {
			delete(m.postedBundles, planID)
			m.seededBundles[planID] = bundler.SeededBundle{
				PostedBundle: b, SeededDate: time.Now().UTC(),
			}
			return nil
		}
	}
	if m.bundleIDPast(bundleID) {
		return alreadyAdvanced(bundleID)
	}
	return notFound(bundleID)
}

func (m *Mem) GetSeededBundles(_ context.Context, olderThan time.Time) ([]bundler.SeededBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bundler.SeededBundle
	for _, b := range m.seededBundles {
		if b.SeededDate.Before(olderThan) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeededDate.Before(out[j].SeededDate) })
	return out, nil
}

func (m *Mem) UpdateBundleAsPermanent(_ context.Context, planID bundler.PlanID, blockHeight uint64, indexedOnGQL bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.seededBundles[planID]
	if !ok {
		if m.bundleExists(planID) {
			return alreadyAdvanced(planID.String())
		}
		return notFound(planID.String())
	}
	delete(m.seededBundles, planID)
	m.permanentBundles[planID] = bundler.PermanentBundle{
		SeededBundle: b, PermanentDate: time.Now().UTC(),
		BlockHeight: blockHeight, IndexedOnGQL: indexedOnGQL,
	}
	return nil
}

func (m *Mem) UpdateDataItemsAsPermanent(_ context.Context, ids []bundler.ItemID, bundleID bundler.TxID, blockHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		item, ok := m.plannedItems[id]
		if !ok {
			continue
		}
		delete(m.plannedItems, id)
		m.permanentItems[id] = bundler.PermanentDataItem{
			DataItem: item.DataItem, PlanID: item.PlanID, BundleID: bundleID,
			BlockHeight: blockHeight, PermanentDate: now,
		}
	}
	return nil
}

func (m *Mem) UpdateDataItemsToBeRepacked(_ context.Context, ids []bundler.ItemID, losingBundleID bundler.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		item, ok := m.plannedItems[id]
		if !ok {
			continue
		}
		delete(m.plannedItems, id)
		m.repackLocked(item.DataItem, losingBundleID)
	}
	return nil
}

func (m *Mem) repackLocked(d bundler.DataItem, losingBundleID bundler.TxID) {
	if losingBundleID != "" {
		d.FailedBundles = append(d.FailedBundles, losingBundleID)
	}
	if len(d.FailedBundles) >= m.retryLimit {
		m.failedItems[d.ID] = bundler.FailedDataItem{
			DataItem: d, FailedDate: time.Now().UTC(),
			FailedReason: bundler.ReasonTooManyFailures,
		}
		return
	}
	m.newItems[d.ID] = bundler.NewDataItem{DataItem: d}
}

func (m *Mem) UpdateSeededBundleToDropped(_ context.Context, planID bundler.PlanID, bundleID bundler.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.seededBundles[planID]
	if !ok {
		if m.bundleExists(planID) {
			return alreadyAdvanced(planID.String())
		}
		return notFound(planID.String())
	}
	delete(m.seededBundles, planID)
	m.failedBundles[planID] = bundler.FailedBundle{
		NewBundle: b.NewBundle, FailedDate: time.Now().UTC(),
		FailedReason: bundler.ReasonNotFoundOnChain,
	}
	m.rerouteLocked(planID, bundleID)
	return nil
}

func (m *Mem) UpdateNewBundleToFailedToPost(_ context.Context, planID bundler.PlanID, bundleID bundler.TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.newBundles[planID]
	if !ok {
		if m.bundleExists(planID) {
			return alreadyAdvanced(planID.String())
		}
		return notFound(planID.String())
	}
	delete(m.newBundles, planID)
	m.failedBundles[planID] = bundler.FailedBundle{
		NewBundle: b, FailedDate: time.Now().UTC(),
		FailedReason: bundler.ReasonFailedToPost,
	}
	m.rerouteLocked(planID, bundleID)
	return nil
}

func (m *Mem) rerouteLocked(planID bundler.PlanID, losingBundleID bundler.TxID) {
	for id, item := range m.plannedItems {
		if item.PlanID.Compare(planID) == 0 {
			delete(m.plannedItems, id)
			m.repackLocked(item.DataItem, losingBundleID)
		}
	}
}

func (m *Mem) UpdatePlannedDataItemAsFailed(_ context.Context, id bundler.ItemID, reason bundler.FailedReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.plannedItems[id]
	if !ok {
		return alreadyAdvanced(id)
	}
	delete(m.plannedItems, id)
	m.failedItems[id] = bundler.FailedDataItem{
		DataItem: item.DataItem, FailedDate: time.Now().UTC(), FailedReason: reason,
	}
	return nil
}

func (m *Mem) GetDataItemInfo(_ context.Context, id bundler.ItemID) (bundler.DataItemInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.newItems[id]; ok {
		return bundler.DataItemInfo{Status: bundler.ItemStatusNew,
			AssessedWinstonPrice: item.AssessedWinstonPrice}, nil
	}
	if item, ok := m.plannedItems[id]; ok {
		return bundler.DataItemInfo{Status: bundler.ItemStatusPlanned,
			AssessedWinstonPrice: item.AssessedWinstonPrice}, nil
	}
	if item, ok := m.permanentItems[id]; ok {
		return bundler.DataItemInfo{Status: bundler.ItemStatusPermanent,
			AssessedWinstonPrice: item.AssessedWinstonPrice, BundleID: item.BundleID}, nil
	}
	if item, ok := m.failedItems[id]; ok {
		return bundler.DataItemInfo{Status: bundler.ItemStatusFailed,
			AssessedWinstonPrice: item.AssessedWinstonPrice}, nil
	}
	return bundler.DataItemInfo{}, notFound(id)
}

// FailedDataItem exposes a failed row for tests and the status endpoint's
// detail view.
func (m *Mem) FailedDataItem(id bundler.ItemID) (bundler.FailedDataItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.failedItems[id]
	return item, ok
}

// NewDataItemRow exposes a staged row for tests.
func (m *Mem) NewDataItemRow(id bundler.ItemID) (bundler.NewDataItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.newItems[id]
	return item, ok
}

// FailedBundleRow exposes a failed bundle for tests.
func (m *Mem) FailedBundleRow(planID bundler.PlanID) (bundler.FailedBundle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.failedBundles[planID]
	return b, ok
}

// PermanentBundleRow exposes a permanent bundle for tests.
func (m *Mem) PermanentBundleRow(planID bundler.PlanID) (bundler.PermanentBundle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.permanentBundles[planID]
	return b, ok
}

func alreadyAdvanced(userData any) error {
	return bundler.Error{Code: bundler.AlreadyAdvanced, UserData: userData,
		Err: fmt.Errorf("row already advanced")}
}

func notFound(userData any) error {
	return bundler.Error{Code: bundler.NotFound, UserData: userData,
		Err: fmt.Errorf("row not found")}
}
