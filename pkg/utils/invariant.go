// Invariants are conditions in code that must hold; a violation means there is a bug in plaza itself.
// Think of what you'd `panic()` on, except that a broken cache projection should never take a request down
// with it. A violation records an error log line and bumps a monitoring counter that alerts are built on.
// It is still up to the caller to handle the erroneous case, e.g. treat it as a cache miss and move on.
//
// Do not use invariants for conditions that depend on external factors; a store timeout is not an
// invariant violation. A cache pool holding a value of the wrong Go type is.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "plaza",
	Name:      "invariants_total",
	Help:      "The total number of invariant violations.",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant reports a violated invariant. It panics only in builds with TestMode set.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of the invariant counter for `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	metric := &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error("Failed to read invariant metric.", "error", err)
		return 0
	}
	return int(metric.GetCounter().GetValue())
}
