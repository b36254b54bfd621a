package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ItemsSynced.WithLabelValues("progress").Add(3)
	m.SetOnline(true)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["learnsync_items_synced_total"])
	assert.True(t, names["learnsync_online"])
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ItemsSynced.WithLabelValues("progress")))
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}

func TestSetOnline(t *testing.T) {
	m := New(nil)

	m.SetOnline(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Online))
	m.SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Online))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("offline")))
}
