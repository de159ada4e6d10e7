package obs

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jobsift/jobsift/internal/types"
)

// Metrics is an in-memory registry of counters, gauges and histograms.
// Publishing is pull-based via Snapshot; there is no callback fan-out.
type Metrics struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram
	startedAt  time.Time
}

type histogram struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	// Buckets are cumulative counts for the fixed bounds below.
	Buckets []int64 `json:"buckets"`
}

// histogramBounds are upper bounds in milliseconds for timing histograms.
var histogramBounds = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
		startedAt:  time.Now(),
	}
}

// key renders a metric name with sorted label pairs, e.g.
// fallback_used{field=salary}.
func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := name + "{"
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k + "=" + labels[k]
	}
	return out + "}"
}

// Inc increments a counter by 1.
func (m *Metrics) Inc(name string, labels map[string]string) {
	m.Add(name, 1, labels)
}

// Add increments a counter by delta.
func (m *Metrics) Add(name string, delta float64, labels map[string]string) {
	m.mu.Lock()
	m.counters[key(name, labels)] += delta
	m.mu.Unlock()
}

// Gauge sets a gauge value.
func (m *Metrics) Gauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	m.gauges[key(name, labels)] = value
	m.mu.Unlock()
}

// Observe records a histogram sample.
func (m *Metrics) Observe(name string, value float64, labels map[string]string) {
	k := key(name, labels)
	m.mu.Lock()
	h, ok := m.histograms[k]
	if !ok {
		h = &histogram{Min: math.Inf(1), Max: math.Inf(-1), Buckets: make([]int64, len(histogramBounds))}
		m.histograms[k] = h
	}
	h.Count++
	h.Sum += value
	if value < h.Min {
		h.Min = value
	}
	if value > h.Max {
		h.Max = value
	}
	for i, bound := range histogramBounds {
		if value <= bound {
			h.Buckets[i]++
		}
	}
	m.mu.Unlock()
}

// ObserveSince records the elapsed milliseconds since start.
func (m *Metrics) ObserveSince(name string, start time.Time, labels map[string]string) {
	m.Observe(name, float64(time.Since(start).Microseconds())/1000.0, labels)
}

// Counter returns the current value of a counter.
func (m *Metrics) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key(name, labels)]
}

// Snapshot is the serializable state of the registry.
type Snapshot struct {
	CapturedAt time.Time              `json:"captured_at"`
	UptimeSecs float64                `json:"uptime_secs"`
	Counters   map[string]float64     `json:"counters"`
	Gauges     map[string]float64     `json:"gauges"`
	Histograms map[string]*histogram  `json:"histograms"`
	Health     HealthReport           `json:"health"`
}

// HealthReport is the derived 0-100 health score with its inputs.
type HealthReport struct {
	Score             float64  `json:"score"`
	SuccessRatio      float64  `json:"success_ratio"`
	ValidationQuality float64  `json:"validation_quality"`
	OpenCircuits      int      `json:"open_circuits"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Snapshot captures the current registry state.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters := make(map[string]float64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	histograms := make(map[string]*histogram, len(m.histograms))
	for k, v := range m.histograms {
		h := *v
		h.Buckets = append([]int64(nil), v.Buckets...)
		histograms[k] = &h
	}

	snap := Snapshot{
		CapturedAt: time.Now(),
		UptimeSecs: time.Since(m.startedAt).Seconds(),
		Counters:   counters,
		Gauges:     gauges,
		Histograms: histograms,
	}
	snap.Health = health(counters, gauges)
	return snap
}

// health derives the 0-100 score: 60% success ratio, 30% validation
// quality, minus 10 per open circuit.
func health(counters, gauges map[string]float64) HealthReport {
	ok := counters["fetch.success"]
	failed := counters["fetch.failure"]
	ratio := 1.0
	if ok+failed > 0 {
		ratio = ok / (ok + failed)
	}

	quality := gauges["validation.quality_score"]
	if quality == 0 && counters["validation.batches"] == 0 {
		quality = 1.0
	}

	open := int(gauges["circuit.open_count"])

	score := ratio*60 + quality*30 + 10 - float64(open)*10
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	rep := HealthReport{
		Score:             score,
		SuccessRatio:      ratio,
		ValidationQuality: quality,
		OpenCircuits:      open,
	}
	if ratio < 0.5 {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("fetch success ratio %.2f below 0.50", ratio))
	}
	if quality < 0.7 {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("validation quality %.2f below 0.70", quality))
	}
	if open > 0 {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("%d circuit(s) open", open))
	}
	return rep
}

// Flush writes a snapshot JSON to metricsDir/metrics_<slug>.json.
func (m *Metrics) Flush(metricsDir, runSlug string) (string, error) {
	if err := os.MkdirAll(metricsDir, 0o755); err != nil {
		return "", types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("create metrics dir: %w", err))
	}
	path := filepath.Join(metricsDir, "metrics_"+runSlug+".json")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create metrics file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m.Snapshot()); err != nil {
		f.Close()
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename metrics file: %w", err)
	}
	return path, nil
}
