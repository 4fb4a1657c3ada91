// Package metrics holds the process-wide prometheus collectors. They are
// registered at init and exposed by the api server's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DataItemsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_data_items_ingested_total",
		Help: "Data items staged into new_data_item.",
	})
	DataItemsPlanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_data_items_planned_total",
		Help: "Data items moved into bundle plans.",
	})
	DataItemsPermanent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_data_items_permanent_total",
		Help: "Data items verified permanent.",
	})
	DataItemsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_data_items_failed_total",
		Help: "Data items moved to failed_data_item.",
	})
	DataItemsRepacked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_data_items_repacked_total",
		Help: "Data items rerouted back to new_data_item after a lost bundle.",
	})

	BundlesPlanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_bundles_planned_total",
		Help: "Bundle plans created.",
	})
	BundlesPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_bundles_posted_total",
		Help: "Bundle transactions accepted by the gateway.",
	})
	BundlesSeeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_bundles_seeded_total",
		Help: "Bundles whose payload chunks were fully seeded.",
	})
	BundlesPermanent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_bundles_permanent_total",
		Help: "Bundles verified permanent.",
	})
	BundlesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_bundles_dropped_total",
		Help: "Seeded bundles dropped after the tx vanished past the anchor window.",
	})
	BundlesFailedToPost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_bundles_failed_to_post_total",
		Help: "Bundles permanently rejected at post time.",
	})

	IrrecoverableEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_irrecoverable_events_total",
		Help: "Events logged and acked because no state could be salvaged.",
	})
	InsufficientFunds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bundler_insufficient_funds_total",
		Help: "Post attempts stalled on wallet balance.",
	})
	QueueNacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundler_queue_nacks_total",
		Help: "Messages nacked back to their queue.",
	}, []string{"queue"})
)
