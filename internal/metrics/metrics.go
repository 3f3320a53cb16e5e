// Package metrics exports run statistics in the Prometheus text format, written to
// a node_exporter textfile collector after every run.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
	"github.com/johndauphine/sms-backup-sync/internal/syncstate"
)

const namespace = "smsbackup"

// Collector is a syncstate observer that turns state transitions into metrics.
type Collector struct {
	registry *prometheus.Registry

	items      *prometheus.CounterVec
	restored   prometheus.Counter
	duplicates prometheus.Counter
	runs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	lastRun    *prometheus.GaugeVec
	watermark  *prometheus.GaugeVec

	mu        sync.Mutex
	started   time.Time
	direction string
	current   int
	source    datatype.Kind
	restoredN int
	dupN      int
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Items backed up or examined for restore, by data type.",
		}, []string{"direction", "kind"}),
		restored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_restored_total",
			Help:      "Items written back to a record store.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_duplicate_total",
			Help:      "Restored items that were already present.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs by final phase and error category.",
		}, []string{"phase", "error"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"direction"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of each outcome ended.",
		}, []string{"phase"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Newest synced record per data type.",
		}, []string{"kind"}),
	}
	c.registry.MustRegister(c.items, c.restored, c.duplicates, c.runs, c.duration, c.lastRun, c.watermark)
	return c
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// OnState implements syncstate.Observer.
func (c *Collector) OnState(s syncstate.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch s.Phase {
	case syncstate.Initial:
		c.started = time.Now()
		c.direction = ""
		c.current, c.restoredN, c.dupN = 0, 0, 0
		c.source = datatype.None
		return
	case syncstate.BackingUp:
		c.direction = "backup"
	case syncstate.Restoring:
		c.direction = "restore"
	}

	if c.direction != "" && s.Current > c.current {
		kind := s.Source
		if kind == datatype.None {
			kind = c.source
		}
		c.items.WithLabelValues(c.direction, kind.String()).Add(float64(s.Current - c.current))
		c.current = s.Current
	}
	if s.Source != datatype.None {
		c.source = s.Source
	}
	if s.Restored > c.restoredN {
		c.restored.Add(float64(s.Restored - c.restoredN))
		c.restoredN = s.Restored
	}
	if s.Duplicates > c.dupN {
		c.duplicates.Add(float64(s.Duplicates - c.dupN))
		c.dupN = s.Duplicates
	}

	if !s.IsFinished() {
		return
	}
	errLabel := ""
	if s.Err != nil {
		errLabel = syncerr.KindOf(s.Err).String()
	}
	c.runs.WithLabelValues(s.Phase.String(), errLabel).Inc()
	c.lastRun.WithLabelValues(s.Phase.String()).Set(float64(time.Now().Unix()))
	if !c.started.IsZero() {
		dir := c.direction
		if dir == "" {
			dir = directionOf(s.Phase)
		}
		c.duration.WithLabelValues(dir).Observe(time.Since(c.started).Seconds())
	}
}

func directionOf(p syncstate.Phase) string {
	switch p {
	case syncstate.CanceledRestore, syncstate.FinishedRestore:
		return "restore"
	}
	return "backup"
}

// SetWatermarks records the per-kind sync positions (milliseconds).
func (c *Collector) SetWatermarks(marks map[datatype.Kind]int64) {
	for kind, ms := range marks {
		if ms <= 0 {
			continue
		}
		c.watermark.WithLabelValues(kind.String()).Set(float64(ms) / 1000)
	}
}

// WriteTextfile writes every metric to path atomically.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
