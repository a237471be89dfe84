package buffer

import "github.com/prometheus/client_golang/prometheus"

// Option configures a Ring using the functional options pattern.
type Option[T any] func(*options[T])

type options[T any] struct {
	dropCallback DropCallback[T]
	registerer   prometheus.Registerer
	component    string
}

// WithDropCallback sets a callback for evicted items.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(o *options[T]) {
		o.dropCallback = callback
	}
}

// WithMetrics exports ring statistics as Prometheus metrics labelled with
// component. A nil registerer or empty component disables metrics.
func WithMetrics[T any](reg prometheus.Registerer, component string) Option[T] {
	return func(o *options[T]) {
		if reg != nil && component != "" {
			o.registerer = reg
			o.component = component
		}
	}
}

func applyOptions[T any](opts ...Option[T]) *options[T] {
	o := &options[T]{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
