package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "samoa"

// Metrics holds all Prometheus metrics of a server
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec

	// Replication metrics
	ReplicationTotal *prometheus.CounterVec
	QuorumFailures   *prometheus.CounterVec
	ReadRepairsTotal *prometheus.CounterVec
	Forwarded        prometheus.Counter

	// Storage metrics
	CompactionActions  *prometheus.CounterVec
	CompactionDuration prometheus.Histogram
	LayerUsedBytes     *prometheus.GaugeVec

	// Cluster metrics
	DigestSyncs        *prometheus.CounterVec
	PeerPolls          *prometheus.CounterVec
	ClusterStateMerges *prometheus.CounterVec
	PeersTotal         prometheus.Gauge
	PartitionsTotal    *prometheus.GaugeVec
	MembersTotal       prometheus.Gauge

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates metrics registered with reg. Servers pass
// prometheus.DefaultRegisterer; tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests served",
			},
			[]string{"command"},
		),

		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of request processing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),

		RequestErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_errors_total",
				Help:      "Total number of requests answered with an error",
			},
			[]string{"command", "code"},
		),

		ReplicationTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "peer_requests_total",
				Help:      "Total number of peer replication requests",
			},
			[]string{"status"},
		),

		QuorumFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "quorum_failures_total",
				Help:      "Total number of requests that could not reach quorum",
			},
			[]string{"command"},
		),

		ReadRepairsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "read_repairs_total",
				Help:      "Total number of read repairs",
			},
			[]string{"direction"},
		),

		Forwarded: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwarded_requests_total",
				Help:      "Total number of requests forwarded to a peer",
			},
		),

		CompactionActions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "compaction_actions_total",
				Help:      "Total number of records handled by compaction",
			},
			[]string{"action"},
		),

		CompactionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "compaction_duration_seconds",
				Help:      "Duration of bottom-up compaction passes",
				Buckets:   prometheus.DefBuckets,
			},
		),

		LayerUsedBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "layer_used_bytes",
				Help:      "Bytes used in each ring layer",
			},
			[]string{"partition_uuid", "layer"},
		),

		DigestSyncs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "digest_syncs_total",
				Help:      "Total number of digest syncs sent and received",
			},
			[]string{"direction", "status"},
		),

		PeerPolls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "peer_polls_total",
				Help:      "Total number of cluster state polls",
			},
			[]string{"status"},
		),

		ClusterStateMerges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "state_merges_total",
				Help:      "Total number of cluster state merges",
			},
			[]string{"changed"},
		),

		PeersTotal: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "peers",
				Help:      "Number of known peers",
			},
		),

		PartitionsTotal: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "partitions",
				Help:      "Number of tracked partitions",
			},
			[]string{"kind"},
		),

		MembersTotal: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "gossip_members",
				Help:      "Number of live gossip members",
			},
		),

		DiskUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_usage_bytes",
			Help:      "Disk usage in bytes",
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_available_bytes",
			Help:      "Available disk space in bytes",
		}),
		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Disk usage percentage",
		}),
		MemoryUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_usage_bytes",
			Help:      "Memory usage in bytes",
		}),
		GoroutinesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Number of goroutines",
		}),
	}
}

// RecordRequest records a served request
func (m *Metrics) RecordRequest(command string, duration float64) {
	m.RequestsTotal.WithLabelValues(command).Inc()
	m.RequestDuration.WithLabelValues(command).Observe(duration)
}

// RecordError records a request answered with an error code
func (m *Metrics) RecordError(command, code string) {
	m.RequestErrors.WithLabelValues(command, code).Inc()
}

// RecordReplication records the outcome of one peer replication request
func (m *Metrics) RecordReplication(status string) {
	m.ReplicationTotal.WithLabelValues(status).Inc()
}

// RecordQuorumFailure records a request that could not reach quorum
func (m *Metrics) RecordQuorumFailure(command string) {
	m.QuorumFailures.WithLabelValues(command).Inc()
}

// RecordReadRepair records a read repair. direction is "local" when the
// primary was updated and "remote" when a stale peer was repaired.
func (m *Metrics) RecordReadRepair(direction string) {
	m.ReadRepairsTotal.WithLabelValues(direction).Inc()
}

// RecordForward records a request forwarded to a peer
func (m *Metrics) RecordForward() {
	m.Forwarded.Inc()
}

// RecordCompaction records the outcome of a compaction pass
func (m *Metrics) RecordCompaction(duration float64, reclaimed, dropped, demoted, rotated int) {
	m.CompactionDuration.Observe(duration)
	m.CompactionActions.WithLabelValues("reclaimed").Add(float64(reclaimed))
	m.CompactionActions.WithLabelValues("dropped").Add(float64(dropped))
	m.CompactionActions.WithLabelValues("demoted").Add(float64(demoted))
	m.CompactionActions.WithLabelValues("rotated").Add(float64(rotated))
}

// UpdateLayerUsage updates the used bytes of a partition's ring layer
func (m *Metrics) UpdateLayerUsage(partitionUUID, layer string, used int) {
	m.LayerUsedBytes.WithLabelValues(partitionUUID, layer).Set(float64(used))
}

// RemovePartition drops the per-partition series of a released partition
func (m *Metrics) RemovePartition(partitionUUID string) {
	m.LayerUsedBytes.DeletePartialMatch(prometheus.Labels{"partition_uuid": partitionUUID})
}

// RecordDigestSync records a digest sync. direction is "sent" or "received".
func (m *Metrics) RecordDigestSync(direction, status string) {
	m.DigestSyncs.WithLabelValues(direction, status).Inc()
}

// RecordPeerPoll records a cluster state poll of a peer
func (m *Metrics) RecordPeerPoll(status string) {
	m.PeerPolls.WithLabelValues(status).Inc()
}

// RecordStateMerge records a cluster state merge
func (m *Metrics) RecordStateMerge(changed bool) {
	label := "false"
	if changed {
		label = "true"
	}
	m.ClusterStateMerges.WithLabelValues(label).Inc()
}

// UpdateTopology updates the peer and partition gauges
func (m *Metrics) UpdateTopology(peers, local, remote int) {
	m.PeersTotal.Set(float64(peers))
	m.PartitionsTotal.WithLabelValues("local").Set(float64(local))
	m.PartitionsTotal.WithLabelValues("remote").Set(float64(remote))
}

// UpdateGossipMembers updates the live gossip member count
func (m *Metrics) UpdateGossipMembers(members int) {
	m.MembersTotal.Set(float64(members))
}

// UpdateSystemStats updates system-level metrics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if total := diskUsage + diskAvailable; total > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(total) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
