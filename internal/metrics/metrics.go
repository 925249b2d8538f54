// Package metrics tracks aggregate invocation counts and timing for the
// running set of libraries, independent of whether Prometheus export is
// enabled: an always-on in-process Metrics struct alongside an optional
// Prometheus collector layer.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// FunctionMetrics is the running tally for a single library.function pair.
type FunctionMetrics struct {
	Invocations atomic.Int64
	Errors      atomic.Int64
	TotalMs     atomic.Int64
	MinMs       atomic.Int64
	MaxMs       atomic.Int64
}

// Metrics is the process-wide invocation metrics store.
type Metrics struct {
	startTime time.Time

	mu        sync.RWMutex
	functions map[string]*FunctionMetrics

	totalInvocations atomic.Int64
	totalErrors      atomic.Int64
}

var global = &Metrics{startTime: time.Now(), functions: make(map[string]*FunctionMetrics)}

// Global returns the process-wide Metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

func key(library, function string) string {
	return library + "." + function
}

func (m *Metrics) getOrCreate(library, function string) *FunctionMetrics {
	k := key(library, function)
	m.mu.RLock()
	fm, ok := m.functions[k]
	m.mu.RUnlock()
	if ok {
		return fm
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fm, ok := m.functions[k]; ok {
		return fm
	}
	fm = &FunctionMetrics{}
	m.functions[k] = fm
	return fm
}

// RecordInvocation records one CALL's outcome against library.function.
func (m *Metrics) RecordInvocation(library, function string, durationMs int64, success bool) {
	fm := m.getOrCreate(library, function)
	fm.Invocations.Add(1)
	fm.TotalMs.Add(durationMs)
	updateMin(&fm.MinMs, durationMs)
	updateMax(&fm.MaxMs, durationMs)
	m.totalInvocations.Add(1)
	if !success {
		fm.Errors.Add(1)
		m.totalErrors.Add(1)
	}
	RecordPrometheusInvocation(library, function, durationMs, success)
}

// GetFunctionMetrics returns the tally for a single library.function, if any.
func (m *Metrics) GetFunctionMetrics(library, function string) *FunctionMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.functions[key(library, function)]
}

// Snapshot returns a JSON-serializable view of process-wide counters.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perFunction := make(map[string]any, len(m.functions))
	for k, fm := range m.functions {
		invocations := fm.Invocations.Load()
		avg := float64(0)
		if invocations > 0 {
			avg = float64(fm.TotalMs.Load()) / float64(invocations)
		}
		perFunction[k] = map[string]any{
			"invocations": invocations,
			"errors":      fm.Errors.Load(),
			"avg_ms":      avg,
			"min_ms":      fm.MinMs.Load(),
			"max_ms":      fm.MaxMs.Load(),
		}
	}

	return map[string]any{
		"uptime_seconds":   time.Since(m.startTime).Seconds(),
		"total_invocations": m.totalInvocations.Load(),
		"total_errors":      m.totalErrors.Load(),
		"functions":         perFunction,
	}
}

// JSONHandler serves Snapshot as JSON, for the lightweight /debug/metrics
// route alongside the Prometheus /metrics scrape endpoint.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if cur != 0 && cur <= value {
			return
		}
		if target.CompareAndSwap(cur, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if cur >= value {
			return
		}
		if target.CompareAndSwap(cur, value) {
			return
		}
	}
}
