package billing

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	operations *prometheus.CounterVec
	inFlight   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_operations_total",
			Help: "Billing operations by outcome.",
		}, []string{"operation", "response"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billing_async_in_progress",
			Help: "Billing operations currently holding a session's single-flight guard.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	operations, registered, err := register(reg, m.operations)
	if err != nil {
		return nil, err
	}
	inFlight, _, err := register(reg, m.inFlight)
	if err != nil {
		if registered {
			reg.Unregister(operations)
		}
		return nil, err
	}

	m.operations = operations
	m.inFlight = inFlight
	return m, nil
}

// register reuses a collector already registered by another session. The
// bool reports whether c itself was registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, bool, error) {
	err := reg.Register(c)
	if err == nil {
		return c, true, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, false, nil
		}
	}
	return c, false, fmt.Errorf("failed to register billing metrics: %w", err)
}

func (m *metrics) observe(op Operation, r Response) {
	m.operations.WithLabelValues(op.String(), r.Description()).Inc()
}
