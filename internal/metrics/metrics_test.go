package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegistryIsSingleton(t *testing.T) {
	a := Registry("test")
	b := Registry("other")
	assert.Same(t, a, b)
}

func TestHelpersRecordValues(t *testing.T) {
	m := Registry("test")

	before := testutil.ToFloat64(m.CreditCharges.WithLabelValues("periodic", "insufficient"))
	m.IncCharge("periodic", "insufficient")
	assert.Equal(t, before+1, testutil.ToFloat64(m.CreditCharges.WithLabelValues("periodic", "insufficient")))

	m.SetActiveMeters(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ActiveMeters))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncError("x")
		m.IncCredentialSave("saved")
		m.AddRestored(2)
		m.IncCharge("initial", "charged")
		m.SetActiveMeters(1)
		m.SetPaused(1)
		m.IncConfigLookup("stored")
		m.ObserveStorage("sqlite", "get", time.Now())
	})
}
