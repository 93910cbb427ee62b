package authkit

import (
	"sort"
	"sync"
)

// Counter names recorded by the auth routes.
const (
	metricSignUpSuccess       = "auth.signup.success"
	metricSignUpFailure       = "auth.signup.failure"
	metricSignInSuccess       = "auth.signin.success"
	metricSignInFailure       = "auth.signin.failure"
	metricGoogleSuccess       = "auth.google.success"
	metricGoogleFailure       = "auth.google.failure"
	metricRefreshSuccess      = "auth.refresh.success"
	metricRefreshFailure      = "auth.refresh.failure"
	metricLogout              = "auth.logout"
	metricRecoverRequested    = "auth.recover.requested"
	metricRecoverConfirmed    = "auth.recover.confirmed"
	metricRecoverConfirmError = "auth.recover.confirm_failure"
	metricProfileUpdated      = "auth.profile.updated"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// Events lists the recorded counter names in sorted order.
func (recorder *CounterMetrics) Events() []string {
	snapshot := recorder.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
