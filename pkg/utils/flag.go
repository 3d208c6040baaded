package utils

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

// SetTestFlag sets a flag to a specific value for the duration of the test.
func SetTestFlag(t testing.TB, name, value string) {
	t.Helper()
	flagHolder := flag.Lookup(name)
	require.NotNil(t, flagHolder, "Flag %s not found", name)
	// Revert the flag value back to its original when the test is done.
	prevValue := flagHolder.Value.String()
	t.Cleanup(func() { require.NoError(t, flag.Set(name, prevValue)) })
	require.NoError(t, flag.Set(name, value))
}

// SetTestFlags is SetTestFlag over a set of flags.
func SetTestFlags(t testing.TB, values map[ /*flagName*/ string] /*flagValue*/ string) {
	t.Helper()
	for name, value := range values {
		SetTestFlag(t, name, value)
	}
}
