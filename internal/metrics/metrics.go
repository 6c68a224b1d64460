// Kiln is an incremental build engine core.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	rulesExecuted  *prometheus.CounterVec
	ruleDuration   *prometheus.HistogramVec
	cacheRequests  *prometheus.CounterVec
	sandboxSetup   *prometheus.HistogramVec
)

const (
	OutcomeBuilt     = "built"
	OutcomeCached    = "cached"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"

	CacheResultHit  = "hit"
	CacheResultMiss = "miss"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily
// used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus
// format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRuleExecution records the outcome and wall-clock duration of
// one rule's evaluation by the executor.
func ObserveRuleExecution(outcome string, duration time.Duration) {
	label := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if rulesExecuted != nil {
		rulesExecuted.WithLabelValues(label).Inc()
	}
	if ruleDuration != nil {
		ruleDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// ObserveCacheRequest records a local- or shared-cache restore attempt.
func ObserveCacheRequest(result string) {
	label := sanitizeLabel(result, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if cacheRequests != nil {
		cacheRequests.WithLabelValues(label).Inc()
	}
}

// ObserveSandboxSetup records how long materializing a sandbox took
// for the given mode.
func ObserveSandboxSetup(mode string, duration time.Duration) {
	label := sanitizeLabel(mode, "none")
	mu.RLock()
	defer mu.RUnlock()
	if sandboxSetup != nil {
		sandboxSetup.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	executed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "executor",
		Name:      "rules_executed_total",
		Help:      "Total rules evaluated by the executor, grouped by outcome.",
	}, []string{"outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kiln",
		Subsystem: "executor",
		Name:      "rule_duration_seconds",
		Help:      "Duration of one rule's full evaluation, grouped by outcome.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"outcome"})

	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Total local- and shared-cache restore attempts, grouped by hit/miss.",
	}, []string{"result"})

	sandbox := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kiln",
		Subsystem: "sandbox",
		Name:      "setup_duration_seconds",
		Help:      "Duration of sandbox materialization, grouped by mode.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"mode"})

	registry.MustRegister(executed, duration, cache, sandbox)

	reg = registry
	rulesExecuted = executed
	ruleDuration = duration
	cacheRequests = cache
	sandboxSetup = sandbox
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
