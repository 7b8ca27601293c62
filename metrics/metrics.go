// Package metrics exports queue and interrupt activity to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vcap"

var (
	// Per-engine buffer counters.
	enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Buffers admitted to the in-flight list",
	}, []string{"engine"})

	completed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "completed_total",
		Help:      "Buffers moved to the completed list by the interrupt handler",
	}, []string{"engine"})

	dequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dequeued_total",
		Help:      "Buffers returned to the caller",
	}, []string{"engine"})

	canceled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "canceled_total",
		Help:      "Buffers force-completed with an error by stream off",
	}, []string{"engine"})

	failed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "failed_total",
		Help:      "Buffers whose transfer the engine reported as failed",
	}, []string{"engine"})

	rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "rejected_total",
		Help:      "Enqueue calls that failed admission",
	}, []string{"engine"})

	bytesMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "bytes_total",
		Help:      "Bytes moved by completed descriptor chains",
	}, []string{"engine"})

	// Per-engine list depths.
	inFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "in_flight",
		Help:      "Buffers submitted to hardware and not yet completed",
	}, []string{"engine"})

	done = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "completed",
		Help:      "Completed buffers waiting to be dequeued",
	}, []string{"engine"})

	// Hardware inconsistencies.
	inconsistent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "inconsistent_irqs_total",
		Help:      "Claimed interrupts that found the in-flight list empty",
	}, []string{"engine"})

	idleTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "idle_timeouts_total",
		Help:      "Stream off calls whose wait-for-idle poll timed out",
	}, []string{"engine"})

	// Interrupt lines.
	irqs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "irq",
		Name:      "received_total",
		Help:      "Interrupts received per line",
	}, []string{"irq"})

	spurious = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "irq",
		Name:      "spurious_total",
		Help:      "Interrupts no engine on the line claimed",
	}, []string{"irq"})
)

// Engine holds the collectors of one engine.
type Engine struct {
	Enqueued     prometheus.Counter
	Completed    prometheus.Counter
	Dequeued     prometheus.Counter
	Canceled     prometheus.Counter
	Failed       prometheus.Counter
	Rejected     prometheus.Counter
	Bytes        prometheus.Counter
	InFlight     prometheus.Gauge
	Done         prometheus.Gauge
	Inconsistent prometheus.Counter
	IdleTimeouts prometheus.Counter
}

// ForEngine returns the collectors labeled with the engine name.
func ForEngine(name string) *Engine {
	return &Engine{
		Enqueued:     enqueued.WithLabelValues(name),
		Completed:    completed.WithLabelValues(name),
		Dequeued:     dequeued.WithLabelValues(name),
		Canceled:     canceled.WithLabelValues(name),
		Failed:       failed.WithLabelValues(name),
		Rejected:     rejected.WithLabelValues(name),
		Bytes:        bytesMoved.WithLabelValues(name),
		InFlight:     inFlight.WithLabelValues(name),
		Done:         done.WithLabelValues(name),
		Inconsistent: inconsistent.WithLabelValues(name),
		IdleTimeouts: idleTimeouts.WithLabelValues(name),
	}
}

// IRQ records an interrupt on line irq and whether any engine claimed it.
func IRQ(irq int, handled bool) {
	l := strconv.Itoa(irq)
	irqs.WithLabelValues(l).Inc()

	if !handled {
		spurious.WithLabelValues(l).Inc()
	}
}
