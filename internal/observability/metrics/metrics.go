// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pewbridge"

var (
	registerOnce sync.Once

	dispatchInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "invocations_total",
			Help:      "Rate-limited transport calls by result.",
		},
		[]string{"result"},
	)
	dispatchBackoffs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "backoffs_total",
			Help:      "Rate-limit signals that doubled a key interval.",
		},
	)
	dispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Entries waiting in per-conversation queues.",
		},
	)
	storeFallbackWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "fallback_writes_total",
			Help:      "Records written to the memory buffer instead of the durable backend.",
		},
	)
	storeHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "healthy",
			Help:      "1 when the durable backend is reachable.",
		},
	)
	storeMigrated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "migrated_total",
			Help:      "Buffered records migrated to the durable backend.",
		},
	)
	pipelineEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Inbound message notifications by outcome.",
		},
		[]string{"outcome"},
	)
	sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions by lifecycle state.",
		},
		[]string{"state"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Scheduled session restarts by disconnect class.",
		},
		[]string{"class"},
	)
	operatorCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controlplane",
			Name:      "commands_total",
			Help:      "Operator chat commands by name and result.",
		},
		[]string{"command", "result"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Events not delivered because a subscriber buffer was full.",
		},
		[]string{"type"},
	)
)

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			dispatchInvocations, dispatchBackoffs, dispatchQueueDepth,
			storeFallbackWrites, storeHealthy, storeMigrated,
			pipelineEvents, sessions, restarts, eventsDropped,
			operatorCommands,
		)
	})
}

func DispatchInvocation(result string) {
	Register()
	dispatchInvocations.WithLabelValues(result).Inc()
}

func DispatchBackoff() {
	Register()
	dispatchBackoffs.Inc()
}

func DispatchQueueDelta(n int) {
	Register()
	dispatchQueueDepth.Add(float64(n))
}

func StoreFallbackWrite() {
	Register()
	storeFallbackWrites.Inc()
}

func StoreHealthy(ok bool) {
	Register()
	if ok {
		storeHealthy.Set(1)
		return
	}
	storeHealthy.Set(0)
}

func StoreMigrated(n int) {
	Register()
	storeMigrated.Add(float64(n))
}

func PipelineEvent(outcome string) {
	Register()
	pipelineEvents.WithLabelValues(outcome).Inc()
}

// SessionTransition moves one session from one state gauge to another.
// Empty from or to means the session appeared or vanished.
func SessionTransition(from, to string) {
	Register()
	if from != "" {
		sessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		sessions.WithLabelValues(to).Inc()
	}
}

func Restart(class string) {
	Register()
	restarts.WithLabelValues(class).Inc()
}

func EventDropped(typ string) {
	Register()
	eventsDropped.WithLabelValues(typ).Inc()
}

func OperatorCommand(name, result string) {
	Register()
	operatorCommands.WithLabelValues(name, result).Inc()
}
