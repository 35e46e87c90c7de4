package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrometheusSinkIncCounterAccumulates(t *testing.T) {
	s := NewPrometheusSink()
	s.IncCounter("cache_hits", map[string]string{"tenant": "a"})
	s.IncCounter("cache_hits", map[string]string{"tenant": "a"})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rec.Body.String(), `dash_cache_hits{tenant="a"} 2`)
}

func TestPrometheusSinkSetGaugeOverwrites(t *testing.T) {
	s := NewPrometheusSink()
	s.SetGauge("placement_last_epoch", 9, map[string]string{"shard": "shard-0"})
	s.SetGauge("placement_last_epoch", 10, map[string]string{"shard": "shard-0"})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rec.Body.String(), `dash_placement_last_epoch{shard="shard-0"} 10`)
}

func TestPrometheusSinkObserveHistogramRegisters(t *testing.T) {
	s := NewPrometheusSink()
	s.ObserveHistogram("refresh_load_micros", 0.002, map[string]string{"tenant": "a"})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rec.Body.String(), "dash_refresh_load_micros_bucket")
}

func TestNopSinkAcceptsNilLabels(t *testing.T) {
	var s Sink = NopSink{}
	require.NotPanics(t, func() {
		s.IncCounter("anything", nil)
		s.AddCounter("anything", 1, nil)
		s.SetGauge("anything", 1, nil)
		s.ObserveHistogram("anything", 1, nil)
	})
}
