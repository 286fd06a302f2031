// Package metrics provides Prometheus metrics for the Orchard daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Action queue metrics
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchard_actions_total",
			Help: "Total number of processed actions",
		},
		[]string{"type", "result"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchard_action_duration_seconds",
			Help:    "Action handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchard_queue_depth",
			Help: "Number of pending actions in the queue",
		},
	)

	// Transfer metrics
	BytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchard_bytes_downloaded_total",
			Help: "Total bytes downloaded from the remote",
		},
	)

	BytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchard_bytes_uploaded_total",
			Help: "Total bytes uploaded to the remote",
		},
	)

	ChunkDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchard_chunk_downloads_total",
			Help: "Total number of chunk downloads",
		},
		[]string{"status"},
	)

	// Cache metrics
	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchard_cache_bytes",
			Help: "Bytes currently occupied by the content cache",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchard_cache_evictions_total",
			Help: "Total number of cache eviction passes",
		},
	)

	// Conflict metrics
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchard_conflicts_total",
			Help: "Total number of detected conflicts",
		},
		[]string{"resolution"},
	)

	// Connectivity
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchard_online",
			Help: "1 when the remote is reachable, 0 otherwise",
		},
	)

	// FUSE metrics
	FuseReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchard_fuse_reads_total",
			Help: "Total FUSE read calls",
		},
		[]string{"source"},
	)

	ThumbnailerSuppressions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchard_thumbnailer_suppressions_total",
			Help: "Reads denied because the caller matched the thumbnailer denylist",
		},
	)
)
