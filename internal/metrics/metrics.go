// Package metrics exposes Prometheus counters for logins and token refreshes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "codex_switcher"

// Result labels
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Refresh trigger labels
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Recorder groups the counters. A nil *Recorder is valid and records nothing.
type Recorder struct {
	logins    *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	scans     prometheus.Counter
}

// NewRecorder creates the counters and registers them with reg
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Completed login attempts by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_scans_total",
			Help:      "Refresh scheduler scans over the account store.",
		}),
	}

	for _, collector := range []prometheus.Collector{r.logins, r.refreshes, r.scans} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) Login(result string) {
	if r == nil {
		return
	}
	r.logins.WithLabelValues(result).Inc()
}

func (r *Recorder) Refresh(trigger, result string) {
	if r == nil {
		return
	}
	r.refreshes.WithLabelValues(trigger, result).Inc()
}

func (r *Recorder) Scan() {
	if r == nil {
		return
	}
	r.scans.Inc()
}
