// Package packer decides which pending data items ride in which bundle.
// The algorithm is deterministic first-fit over items sorted by size so the
// plan worker's output is reproducible and testable.
package packer

import (
	"fmt"
	log "log/slog"
	"sort"
	"time"

	"github.com/permadata/bundler"
)

// Limits are the packing inputs beyond the items themselves.
type Limits struct {
	MaxTotalBytes      int64
	MaxSingleItemBytes int64
	MaxItemsPerBundle  int
	// OverdueCutoff: items uploaded before this instant mark their plan overdue.
	OverdueCutoff time.Time
}

// Plan is one decided grouping of items for a future bundle.
type Plan struct {
	ItemIDs    []bundler.ItemID
	ItemSizes  []int64
	TotalBytes int64
	// ContainsOverdue is set when any member waited past the overdue cutoff.
	ContainsOverdue bool
}

// HasCapacity reports whether the plan can possibly take another item.
// Strict inequalities: a plan at either cap is full.
func (p *Plan) HasCapacity(limits Limits) bool {
	return len(p.ItemIDs) < limits.MaxItemsPerBundle && p.TotalBytes < limits.MaxTotalBytes
}

func (p *Plan) fits(byteCount int64, limits Limits) bool {
	return len(p.ItemIDs) < limits.MaxItemsPerBundle && p.TotalBytes+byteCount <= limits.MaxTotalBytes
}

// Pack assigns items to plans: oversize items are dropped, the rest sorted by
// byte count ascending (stable) and placed first-fit into the lowest-indexed
// plan with room.
func Pack(items []bundler.NewDataItem, limits Limits) []Plan {
	eligible := make([]bundler.NewDataItem, 0, len(items))
	for _, item := range items {
		if item.ByteCount > limits.MaxSingleItemBytes {
			log.Warn(fmt.Sprintf("data item %s of %d bytes exceeds the single item cap, ignoring", item.ID, item.ByteCount))
			continue
		}
		eligible = append(eligible, item)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].ByteCount < eligible[j].ByteCount
	})

	var plans []*Plan
	for _, item := range eligible {
		var target *Plan
		for _, p := range plans {
			if p.fits(item.ByteCount, limits) {
				target = p
				break
			}
		}
		if target == nil {
			target = &Plan{}
			plans = append(plans, target)
		}
		target.ItemIDs = append(target.ItemIDs, item.ID)
		target.ItemSizes = append(target.ItemSizes, item.ByteCount)
		target.TotalBytes += item.ByteCount
		if item.UploadedDate.Before(limits.OverdueCutoff) {
			target.ContainsOverdue = true
		}
	}

	out := make([]Plan, len(plans))
	for i, p := range plans {
		out[i] = *p
	}
	return out
}
