package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Option func(*Options)

// WithLogger sets the session logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *Options) {
		if log != nil {
			o.Log = log
		}
	}
}

// WithRunner sets how asynchronous operations are executed and delivered.
func WithRunner(r Runner) Option {
	return func(o *Options) {
		if r != nil {
			o.Runner = r
		}
	}
}

// WithMetrics registers session metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

// WithEventBus publishes session lifecycle events on bus.
func WithEventBus(bus *EventBus) Option {
	return func(o *Options) {
		o.Events = bus
	}
}

type Options struct {
	Log        *zap.Logger
	Runner     Runner
	Registerer prometheus.Registerer
	Events     *EventBus
}

func DefaultOptions() Options {
	return Options{
		Log:    zap.NewNop(),
		Runner: GoRunner(),
	}
}

func ApplyOptions(options ...Option) Options {
	applied := DefaultOptions()
	for _, option := range options {
		option(&applied)
	}
	return applied
}
