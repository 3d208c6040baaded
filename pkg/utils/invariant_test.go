package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRaiseInvariant(t *testing.T) {
	invariantsMetric.Reset() // Start from a clean counter.
	RaiseInvariant("invariant", "test", "This is a test invariant violation.")
	RaiseInvariant("invariant", "test", "This is a test invariant violation.", "attempt", 2)
	assert.Equal(t, 2, GetMetricValue("invariant" /*module*/, "test" /*invariantType*/))
	assert.Zero(t, GetMetricValue("invariant" /*module*/, "other" /*invariantType*/))
}
