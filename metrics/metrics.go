package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "keeper"
	subsystem = "store"
)

// label values
const (
	FullSyncAccepted = "accepted"
	FullSyncRejected = "rejected"

	FileKindRdb = "rdb"
	FileKindCmd = "cmd"
)

var (
	// StartupTime stores how long the startup took (in seconds)
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_seconds",
			Help:      "Seconds taken by the startup",
		},
	)

	// FullSyncTotal counts full sync decisions partitioned by result
	FullSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "full_sync_total",
		Help:      "Number of full sync requests partitioned by whether the current snapshot could serve them",
	}, []string{"result"})

	RdbUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rdb_updates_total",
		Help:      "Number of out-of-band snapshots installed as the current snapshot",
	})

	CommandBytesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "command_bytes_appended_total",
		Help:      "Number of replicated command bytes appended to the command log",
	})

	// CommandLogLengthBytes is the total length of the current command log, refreshed by gc
	CommandLogLengthBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "command_log_length_bytes",
		Help:      "Total length of the current command log",
	})

	// GCDeletedFilesTotal counts files removed by gc and startup cleanup partitioned by kind
	GCDeletedFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "gc_deleted_files_total",
		Help:      "Number of snapshot and command segment files deleted",
	}, []string{"kind"})

	RdbReferences = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rdb_references",
		Help:      "Readers currently attached to the current snapshot",
	})

	// TotalDiskUsageBytes is the disk usage of the base directory
	TotalDiskUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "total_disk_usage_bytes",
		Help:      "Bytes used on disk by snapshot, command log and meta files",
	})
)
