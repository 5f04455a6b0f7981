package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry(), "test")
}

func TestMetrics_Fetch(t *testing.T) {
	m := setupTestMetrics(t)

	m.ObserveFetch("txlist", "success", 120*time.Millisecond)
	m.ObserveFetch("txlist", "success", 80*time.Millisecond)
	m.ObserveFetch("txlist", "fatal", time.Second)
	m.IncRetry()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchRequestsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchRequestsTotal.WithLabelValues("fatal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchRetriesTotal))
}

func TestMetrics_WalkAndBatches(t *testing.T) {
	m := setupTestMetrics(t)

	m.IncPage("forward")
	m.IncPage("forward")
	m.AddDuplicates(3)
	m.AddDuplicates(0)
	m.ObserveWalk(true, 10)
	m.ObserveWalk(false, 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PagesTotal.WithLabelValues("forward")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DuplicatesSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WalksTotal.WithLabelValues("partial")))
	assert.Equal(t, 14.0, testutil.ToFloat64(m.RecordsFetchedTotal))

	m.BatchSubmitted()
	m.BatchSubmitted()
	m.BatchFinished("succeeded")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("succeeded")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFetch("txlist", "success", time.Millisecond)
		m.IncRetry()
		m.IncPage("backward")
		m.AddDuplicates(1)
		m.ObserveWalk(true, 1)
		m.BatchSubmitted()
		m.BatchFinished("failed")
		m.ObserveImport("cached")
		m.ObserveAddresses(5)
		m.AddPersisted("append", 1)
		m.IncCheckpoint()
		m.ObserveTask("import", "running")
	})
}

func TestDefault_Singleton(t *testing.T) {
	a := Default()
	b := Default()
	require.NotNil(t, a)
	assert.Same(t, a, b)
}
