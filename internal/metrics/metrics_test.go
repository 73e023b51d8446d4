package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCacheLookup("memory", "hit")
	m.ObserveCacheLookup("memory", "hit")
	m.ObserveCacheEviction("distributed", "stale")
	m.ObserveEvaluation("valid", 0.002)
	m.ObserveReservation("reserve", "ok")
	m.AddExpiredHolds(3)
	m.AddExpiredHolds(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("memory", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheEvictions.WithLabelValues("distributed", "stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluations.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reservationOps.WithLabelValues("reserve", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.holdsSweptTotal))
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCacheLookup("memory", "miss")
	m.ObserveCacheEviction("memory", "lru")
	m.ObserveEvaluation("invalid", 0.1)
	m.ObserveCompilation("ok")
	m.ObserveReservation("confirm", "error")
	m.ObserveSearch(0.5)
	m.AddExpiredHolds(2)
}
