package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voronkovm/authpipe/internal/observability"
)

func storeOpCount(t *testing.T, m *observability.Metrics, store, op, result string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "authpipe_store_operations_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["store"] == store && labels["op"] == op && labels["result"] == result {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestInstrumented_RecordsOps(t *testing.T) {
	t.Parallel()

	inner := NewMemory()
	defer inner.Close()

	m := observability.NewMetrics("authpipe")
	s := NewInstrumented(inner, "memory", m)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "c", "1", Document{"v": 1}, 0))
	_, err := s.Get(ctx, "c", "1")
	require.NoError(t, err)

	// Misses count as successful round trips.
	_, err = s.Get(ctx, "c", "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 1.0, storeOpCount(t, m, "memory", "set", "success"))
	assert.Equal(t, 2.0, storeOpCount(t, m, "memory", "get", "success"))
	assert.Equal(t, 0.0, storeOpCount(t, m, "memory", "get", "error"))
}

func TestInstrumented_NilMetricsPassthrough(t *testing.T) {
	t.Parallel()

	inner := NewMemory()
	defer inner.Close()

	s := NewInstrumented(inner, "memory", nil)
	assert.Equal(t, inner, s)
}
