package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type clientMetrics struct {
	frames        prometheus.Counter
	bytes         prometheus.Counter
	framingErrors prometheus.Counter
	dropped       prometheus.Counter
	connects      *prometheus.CounterVec
	commands      *prometheus.CounterVec
}

// newClientMetrics creates the client counters. With a nil registerer they
// are created but not registered.
func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	f := promauto.With(reg)
	return &clientMetrics{
		frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: "emgscope",
			Subsystem: "client",
			Name:      "frames_received_total",
			Help:      "Frames decoded from the data source",
		}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "emgscope",
			Subsystem: "client",
			Name:      "bytes_received_total",
			Help:      "Bytes read from the data source",
		}),
		framingErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "emgscope",
			Subsystem: "client",
			Name:      "framing_errors_total",
			Help:      "Reads discarded because they were not a whole frame",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "emgscope",
			Subsystem: "client",
			Name:      "dropped_blocks_total",
			Help:      "Blocks dropped because the processor queue was full",
		}),
		connects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emgscope",
			Subsystem: "client",
			Name:      "connect_attempts_total",
			Help:      "Dial attempts by result",
		}, []string{"result"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emgscope",
			Subsystem: "client",
			Name:      "commands_total",
			Help:      "Commands sent by kind and result",
		}, []string{"kind", "result"}),
	}
}
