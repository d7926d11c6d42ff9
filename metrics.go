package chatsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	sends          *prometheus.CounterVec
	historyLoads   *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	teardownErrors prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. Collectors that
// are already registered on reg are reused, so several surfaces can share one
// registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_total",
			Help:      "Push events processed, by event type and outcome.",
		}, []string{"event", "outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Optimistic sends, by outcome.",
		}, []string{"outcome"}),
		historyLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "history_loads_total",
			Help:      "History fetches, by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "subscription_transitions_total",
			Help:      "Subscription state transitions.",
		}, []string{"from", "to"}),
		teardownErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "teardown_errors_total",
			Help:      "Errors swallowed while tearing down subscriptions.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.events, err = register(reg, m.events); err != nil {
		return nil, err
	}
	if m.sends, err = register(reg, m.sends); err != nil {
		return nil, err
	}
	if m.historyLoads, err = register(reg, m.historyLoads); err != nil {
		return nil, err
	}
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.teardownErrors, err = register(reg, m.teardownErrors); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) event(name string, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) historyLoad(outcome string) {
	if m == nil {
		return
	}
	m.historyLoads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) transition(from, to SubscriptionState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) teardownError() {
	if m == nil {
		return
	}
	m.teardownErrors.Inc()
}

// outcomeOf labels an error with its taxonomy class.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return "unauthorized"
	case errors.Is(err, ErrInvalidDraft):
		return "invalid"
	case errors.Is(err, ErrTransient):
		return "transient"
	}
	return "error"
}
