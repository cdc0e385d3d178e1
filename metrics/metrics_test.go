package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCommand(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordCommand("relay", "sign", StatusSuccess, 200*time.Millisecond)
	m.RecordCommand("relay", "sign", StatusSuccess, 100*time.Millisecond)
	m.RecordCommand("relay", "sign", StatusTimeout, 30*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("relay", "sign", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("relay", "sign", StatusTimeout)))
}

func TestTrackConnecting(t *testing.T) {
	m := New(prometheus.NewRegistry())

	done := m.TrackConnecting("cloud_pairing")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsConnecting.WithLabelValues("cloud_pairing")))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsConnecting.WithLabelValues("cloud_pairing")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordCommand("relay", "sign", StatusError, time.Second)
		m.RecordDiscovery(PathBatched)
		m.RecordSlotsFound(1)
		m.RecordSignature(StatusBusy)
		m.TrackConnecting("relay")()
	})
}
