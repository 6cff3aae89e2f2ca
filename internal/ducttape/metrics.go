package ducttape

// MetricsReporter receives core dispatch events. The Prometheus
// implementation lives in internal/metrics; the core itself only ever
// talks to this interface and defaults to a no-op reporter so the hot
// path never nil-checks.
type MetricsReporter interface {
	// IncDelivered counts a frame handed to the tunnel device.
	IncDelivered()

	// IncForwarded counts a frame encrypted outward and handed to the switch.
	IncForwarded()

	// IncDropped counts a dropped frame by reason ("invalid",
	// "undeliverable", "decrypt", "control").
	IncDropped(reason string)

	// IncRouterIn counts a router message delivered upward.
	IncRouterIn()

	// IncRouterOut counts a router message emitted by the routing layer.
	IncRouterOut()

	// IncBrokenPath counts a broken-path report from the fabric.
	IncBrokenPath()

	// SetSessions records the current outer-session registry size.
	SetSessions(n int)
}

// Drop reasons reported through IncDropped.
const (
	dropInvalid       = "invalid"
	dropUndeliverable = "undeliverable"
	dropDecrypt       = "decrypt"
	dropControl       = "control"
)

// noopMetrics is the default reporter.
type noopMetrics struct{}

func (noopMetrics) IncDelivered()     {}
func (noopMetrics) IncForwarded()     {}
func (noopMetrics) IncDropped(string) {}
func (noopMetrics) IncRouterIn()      {}
func (noopMetrics) IncRouterOut()     {}
func (noopMetrics) IncBrokenPath()    {}
func (noopMetrics) SetSessions(int)   {}
