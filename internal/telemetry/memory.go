// Package telemetry provides the bundled in-memory telemetry sink. It
// records spans, counters and histograms keyed by run and node identifiers
// so tests and the artifact can reference what a run emitted.
package telemetry

import (
	"sync"

	"github.com/vk/photongrid/internal/capability"
)

// SpanRecord is one closed span.
type SpanRecord struct {
	RunID  string
	NodeID string
	Open   bool
}

// MemorySink implements capability.TelemetrySink in memory.
type MemorySink struct {
	mu         sync.Mutex
	spans      []*SpanRecord
	counters   map[string]int64
	histograms map[string][]float64
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		counters:   make(map[string]int64),
		histograms: make(map[string][]float64),
	}
}

type memorySpan struct {
	sink *MemorySink
	rec  *SpanRecord
}

func (s *memorySpan) End() {
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	s.rec.Open = false
}

// StartSpan opens a span for a node execution.
func (m *MemorySink) StartSpan(runID, nodeID string) capability.Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &SpanRecord{RunID: runID, NodeID: nodeID, Open: true}
	m.spans = append(m.spans, rec)
	return &memorySpan{sink: m, rec: rec}
}

// Counter adds delta to a run-scoped counter.
func (m *MemorySink) Counter(runID, name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[runID+"/"+name] += delta
}

// Histogram records one observation.
func (m *MemorySink) Histogram(runID, name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runID + "/" + name
	m.histograms[key] = append(m.histograms[key], value)
}

// Spans returns a copy of all recorded spans.
func (m *MemorySink) Spans() []SpanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SpanRecord, len(m.spans))
	for i, s := range m.spans {
		out[i] = *s
	}
	return out
}

// CounterValue reads a counter by run and name.
func (m *MemorySink) CounterValue(runID, name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[runID+"/"+name]
}

// HistogramValues reads all observations for a run-scoped histogram.
func (m *MemorySink) HistogramValues(runID, name string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.histograms[runID+"/"+name]...)
}

// SpanCount returns the number of spans recorded for a run.
func (m *MemorySink) SpanCount(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.spans {
		if s.RunID == runID {
			n++
		}
	}
	return n
}
