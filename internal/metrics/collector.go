// Package coremetrics exposes the packet core's dispatch counters as
// Prometheus metrics.
package coremetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "fcmesh"
	subsystem = "core"
)

// Label names for core metrics.
const (
	labelReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Core Metrics
// -------------------------------------------------------------------------

// Collector holds all packet-core Prometheus metrics. It implements the
// core's MetricsReporter interface.
//
// Metrics are designed for operating a relay node:
//   - Frame counters split delivered / forwarded / dropped-by-reason, so a
//     node that silently eats traffic shows up immediately.
//   - The sessions gauge tracks outer-session registry growth, the
//     denial-of-service vector an unbounded registry would be.
//   - Broken-path counters record how often the fabric invalidates routes.
type Collector struct {
	// FramesDelivered counts frames handed to the tunnel device.
	FramesDelivered prometheus.Counter

	// FramesForwarded counts frames encrypted outward to the switch.
	FramesForwarded prometheus.Counter

	// FramesDropped counts dropped frames, labeled by reason
	// (invalid, undeliverable, decrypt, control).
	FramesDropped *prometheus.CounterVec

	// OuterSessions tracks the current outer-session registry size.
	OuterSessions prometheus.Gauge

	// RouterMessagesIn counts router messages delivered up the pipe.
	RouterMessagesIn prometheus.Counter

	// RouterMessagesOut counts router messages emitted by the routing layer.
	RouterMessagesOut prometheus.Counter

	// BrokenPaths counts broken-path reports from the switch fabric.
	BrokenPaths prometheus.Counter
}

// NewCollector creates a Collector with all core metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "fcmesh_core_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FramesDelivered,
		c.FramesForwarded,
		c.FramesDropped,
		c.OuterSessions,
		c.RouterMessagesIn,
		c.RouterMessagesOut,
		c.BrokenPaths,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_delivered_total",
			Help:      "Total frames delivered to the tunnel device.",
		}),

		FramesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_forwarded_total",
			Help:      "Total frames encrypted outward and handed to the switch.",
		}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped, by reason.",
		}, []string{labelReason}),

		OuterSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outer_sessions",
			Help:      "Current number of peer-to-peer outer sessions.",
		}),

		RouterMessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "router_messages_in_total",
			Help:      "Total router-traffic messages delivered to the routing layer.",
		}),

		RouterMessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "router_messages_out_total",
			Help:      "Total router-traffic messages emitted by the routing layer.",
		}),

		BrokenPaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broken_paths_total",
			Help:      "Total broken-path reports received from the switch fabric.",
		}),
	}
}

// -------------------------------------------------------------------------
// MetricsReporter Implementation
// -------------------------------------------------------------------------

// IncDelivered counts a frame handed to the tunnel device.
func (c *Collector) IncDelivered() { c.FramesDelivered.Inc() }

// IncForwarded counts a frame encrypted outward and handed to the switch.
func (c *Collector) IncForwarded() { c.FramesForwarded.Inc() }

// IncDropped counts a dropped frame by reason.
func (c *Collector) IncDropped(reason string) {
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// IncRouterIn counts a router message delivered up the pipe.
func (c *Collector) IncRouterIn() { c.RouterMessagesIn.Inc() }

// IncRouterOut counts a router message emitted by the routing layer.
func (c *Collector) IncRouterOut() { c.RouterMessagesOut.Inc() }

// IncBrokenPath counts a broken-path report from the fabric.
func (c *Collector) IncBrokenPath() { c.BrokenPaths.Inc() }

// SetSessions records the current outer-session registry size.
func (c *Collector) SetSessions(n int) { c.OuterSessions.Set(float64(n)) }
