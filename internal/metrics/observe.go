package metrics

import "time"

// The helpers below accept a nil receiver so components can run without metrics in tests.

// IncError counts an error for component.
func (m *Metrics) IncError(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}

// IncCredentialSave counts a credential save outcome.
func (m *Metrics) IncCredentialSave(status string) {
	if m == nil {
		return
	}
	m.CredentialSaves.WithLabelValues(status).Inc()
}

// AddRestored counts restored sessions.
func (m *Metrics) AddRestored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsRestored.Add(float64(n))
}

// IncCharge counts a credit charge outcome.
func (m *Metrics) IncCharge(kind, status string) {
	if m == nil {
		return
	}
	m.CreditCharges.WithLabelValues(kind, status).Inc()
}

// SetActiveMeters records the number of running meters.
func (m *Metrics) SetActiveMeters(n int) {
	if m == nil {
		return
	}
	m.ActiveMeters.Set(float64(n))
}

// SetPaused records the number of paused sessions.
func (m *Metrics) SetPaused(n int) {
	if m == nil {
		return
	}
	m.PausedSessions.Set(float64(n))
}

// IncConfigLookup counts a user config read by source.
func (m *Metrics) IncConfigLookup(source string) {
	if m == nil {
		return
	}
	m.ConfigLookups.WithLabelValues(source).Inc()
}

// ObserveStorage records how long a storage operation took.
func (m *Metrics) ObserveStorage(backend, operation string, started time.Time) {
	if m == nil {
		return
	}
	m.StorageLatency.WithLabelValues(backend, operation).Observe(time.Since(started).Seconds())
}
