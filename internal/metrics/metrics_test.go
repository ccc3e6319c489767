package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAndCounts(t *testing.T) {
	r := New()

	r.VertexFailures.WithLabelValues("cpu_rca").Inc()
	r.VertexFailures.WithLabelValues("cpu_rca").Inc()
	r.ActionsSuppressed.WithLabelValues("ModifyCacheMaxSize", "flip_flop").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.VertexFailures.WithLabelValues("cpu_rca")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ActionsSuppressed.WithLabelValues("ModifyCacheMaxSize", "flip_flop")))

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["medic_scheduler_vertex_failures_total"])
	assert.True(t, names["medic_decision_actions_suppressed_total"])
}

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.OutboundDropped.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.OutboundDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.OutboundDropped))
}
