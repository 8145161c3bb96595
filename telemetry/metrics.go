package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// StageIntervalBuckets for extract/filter/apply phase latencies
	StageIntervalBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// ApplyTxnBuckets for downstream apply+commit round trips
	ApplyTxnBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// ChunkProbeBuckets for PK min/max/count probes on large tables
	ChunkProbeBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

	// BlockSizeBuckets for the number of transactions per block commit
	BlockSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Dispatch Queue Metrics
var (
	// TransactionsTotal counts transactions observed at the queue head
	TransactionsTotal Counter = NoopStat{}

	// DiscardsTotal counts empty events discarded by the queue
	DiscardsTotal Counter = NoopStat{}

	// SerializationsTotal counts critical events requiring serialization
	SerializationsTotal Counter = NoopStat{}

	// ControlEventsTotal counts control broadcasts by kind (SYNC, STOP, ENROLL)
	ControlEventsTotal CounterVec = noopCounterVec{}

	// QueueDepth tracks queued events per partition
	QueueDepth GaugeVec = noopGaugeVec{}

	// HeadSeqno tracks the queue head watermark
	HeadSeqno Gauge = NoopStat{}
)

// Stage Task Metrics
var (
	// StageEventsTotal counts events by stage and outcome (applied, filtered, failed)
	StageEventsTotal CounterVec = noopCounterVec{}

	// StageIntervalSeconds measures phase latency by stage and phase (extract, filter, apply)
	StageIntervalSeconds HistogramVec = noopHistogramVec{}

	// BlockCommitsTotal counts block commits by stage
	BlockCommitsTotal CounterVec = noopCounterVec{}

	// BlockCommitSize measures transactions per block commit
	BlockCommitSize Histogram = NoopStat{}

	// StageRestartsTotal counts stage loop exits by reason (cancelled, stopped)
	StageRestartsTotal CounterVec = noopCounterVec{}
)

// THL Metrics
var (
	// ThlAppendsTotal counts events appended to the transaction history log
	ThlAppendsTotal Counter = NoopStat{}

	// ThlReadsTotal counts events read back from the log
	ThlReadsTotal Counter = NoopStat{}

	// ThlBytesTotal counts encoded record bytes written (msgpack record with s2-compressed payload)
	ThlBytesTotal Counter = NoopStat{}
)

// Applier Metrics
var (
	// ApplierPublishTotal counts publishes by applier name and result
	ApplierPublishTotal CounterVec = noopCounterVec{}

	// ApplierRetryTotal counts publish retries by applier name
	ApplierRetryTotal CounterVec = noopCounterVec{}

	// ApplyDurationSeconds measures apply+commit latency by applier name
	ApplyDurationSeconds HistogramVec = noopHistogramVec{}
)

// Chunk Planner Metrics
var (
	// ChunksPlannedTotal counts chunks emitted by kind (ranged, whole_table, poison)
	ChunksPlannedTotal CounterVec = noopCounterVec{}

	// ChunkProbeSeconds measures PK probe duration
	ChunkProbeSeconds Histogram = NoopStat{}

	// ChunkTablesSkippedTotal counts tables skipped as duplicates
	ChunkTablesSkippedTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Dispatch Queue Metrics
	TransactionsTotal = NewCounter(
		"transactions_total",
		"Transactions observed at the dispatch queue head",
	)
	DiscardsTotal = NewCounter(
		"discards_total",
		"Empty events discarded by the dispatch queue",
	)
	SerializationsTotal = NewCounter(
		"serializations_total",
		"Critical events requiring global serialization",
	)
	ControlEventsTotal = NewCounterVec(
		"control_events_total",
		"Control broadcasts by kind",
		[]string{"kind"},
	)
	QueueDepth = NewGaugeVec(
		"queue_depth",
		"Queued events per partition",
		[]string{"partition"},
	)
	HeadSeqno = NewGauge(
		"head_seqno",
		"Dispatch queue head watermark",
	)

	// Stage Task Metrics
	StageEventsTotal = NewCounterVec(
		"stage_events_total",
		"Events processed by stage and outcome",
		[]string{"stage", "outcome"},
	)
	StageIntervalSeconds = NewHistogramVec(
		"stage_interval_seconds",
		"Stage phase latency in seconds",
		[]string{"stage", "phase"},
		StageIntervalBuckets,
	)
	BlockCommitsTotal = NewCounterVec(
		"block_commits_total",
		"Block commits by stage",
		[]string{"stage"},
	)
	BlockCommitSize = NewHistogramWithBuckets(
		"block_commit_size",
		"Transactions per block commit",
		BlockSizeBuckets,
	)
	StageRestartsTotal = NewCounterVec(
		"stage_exits_total",
		"Stage loop exits by reason",
		[]string{"stage", "reason"},
	)

	// THL Metrics
	ThlAppendsTotal = NewCounter(
		"thl_appends_total",
		"Events appended to the transaction history log",
	)
	ThlReadsTotal = NewCounter(
		"thl_reads_total",
		"Events read back from the transaction history log",
	)
	ThlBytesTotal = NewCounter(
		"thl_bytes_total",
		"Encoded record bytes written to the log",
	)

	// Applier Metrics
	ApplierPublishTotal = NewCounterVec(
		"applier_publish_total",
		"Publishes by applier and result",
		[]string{"applier", "result"},
	)
	ApplierRetryTotal = NewCounterVec(
		"applier_retry_total",
		"Publish retries by applier",
		[]string{"applier"},
	)
	ApplyDurationSeconds = NewHistogramVec(
		"apply_duration_seconds",
		"Apply and commit latency by applier",
		[]string{"applier"},
		ApplyTxnBuckets,
	)

	// Chunk Planner Metrics
	ChunksPlannedTotal = NewCounterVec(
		"chunks_planned_total",
		"Chunks emitted by kind",
		[]string{"kind"},
	)
	ChunkProbeSeconds = NewHistogramWithBuckets(
		"chunk_probe_seconds",
		"Primary key probe duration in seconds",
		ChunkProbeBuckets,
	)
	ChunkTablesSkippedTotal = NewCounter(
		"chunk_tables_skipped_total",
		"Tables skipped as duplicates during chunk planning",
	)
}
