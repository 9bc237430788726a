package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Actions.WithLabelValues("md-1", "SEND_NOW").Inc()
	m.Gaps.WithLabelValues("md-1").Add(2)
	m.State.WithLabelValues("md-1").Set(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("md-1", "SEND_NOW")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Gaps.WithLabelValues("md-1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.State.WithLabelValues("md-1")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "feedhandler_channel_actions_total")
	assert.Contains(t, names, "feedhandler_channel_state")
}

func TestNewTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
