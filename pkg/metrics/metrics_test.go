package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealpool/surrealpool/pkg/metrics"
)

func TestCollectorsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.PoolHealthy.Set(3)
	m.PoolUnhealthy.Set(1)
	m.RequestsTotal.WithLabelValues("query", metrics.OutcomeOK).Inc()
	m.RequestsTotal.WithLabelValues("query", metrics.OutcomeError).Add(2)
	m.BreakerTransitions.WithLabelValues("closed", "open").Inc()
	m.LiveEventsTotal.Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.PoolHealthy))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolUnhealthy))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("query", metrics.OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("query", metrics.OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("closed", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveEventsTotal))
}

func TestSeparateRegistries(t *testing.T) {
	a := metrics.New(prometheus.NewRegistry())
	b := metrics.New(prometheus.NewRegistry())

	a.LiveEventsTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.LiveEventsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.LiveEventsTotal))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	require.Panics(t, func() { metrics.New(reg) })
}
