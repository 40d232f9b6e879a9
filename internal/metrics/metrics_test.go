package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveJob(t *testing.T) {
	m := New()
	m.ObserveJob("embedding", "completed", 2*time.Second)
	m.ObserveJob("embedding", "completed", time.Second)
	m.ObserveJob("tts", "failed", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsProcessed.WithLabelValues("embedding", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsProcessed.WithLabelValues("tts", "failed")))
}

func TestCacheGauge(t *testing.T) {
	m := New()
	m.CacheEntries.Set(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.CacheEntries))
}
