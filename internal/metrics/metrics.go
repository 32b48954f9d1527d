// Package metrics defines the core's Prometheus instrumentation:
// promauto-registered Gauge/Counter collectors built once at startup and
// updated from the core loop. The collectors are scraped however main.go
// chooses to expose them (an http.Handler wired to promhttp, left to
// cmd/scrutinyd).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the core loop updates. One instance per
// process; DeviceHandler/dispatcher/commhandler callers are handed a
// pointer at construction rather than reaching for package-level globals.
type Metrics struct {
	CRCFailures      prometheus.Counter
	FrameTimeouts    prometheus.Counter
	FrameOverflows   prometheus.Counter
	DispatcherQueue  prometheus.Gauge
	ThrottleTokens   prometheus.Gauge
	SessionUptimeSec prometheus.Gauge
	HeartbeatMisses  prometheus.Counter
	DevicePhase      prometheus.Gauge
	MemoryReadOK     prometheus.Counter
	MemoryReadErr    prometheus.Counter
	MemoryWriteOK    prometheus.Counter
	MemoryWriteErr   prometheus.Counter
}

// New creates and registers every collector with prometheus's default
// registry.
func New() *Metrics {
	return &Metrics{
		CRCFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrutiny_crc_failures_total",
			Help: "Frames discarded for a CRC32 mismatch.",
		}),
		FrameTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrutiny_frame_timeouts_total",
			Help: "Requests that timed out waiting for a device response.",
		}),
		FrameOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrutiny_frame_overflows_total",
			Help: "Inbound frames exceeding the configured RX buffer size.",
		}),
		DispatcherQueue: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scrutiny_dispatcher_queue_depth",
			Help: "Requests queued but not yet in flight.",
		}),
		ThrottleTokens: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scrutiny_throttle_tokens_bits",
			Help: "Bits currently available in the bitrate token bucket.",
		}),
		SessionUptimeSec: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scrutiny_session_uptime_seconds",
			Help: "Seconds since the current device session was established (0 if none).",
		}),
		HeartbeatMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrutiny_heartbeat_misses_total",
			Help: "Heartbeats that timed out or failed validation.",
		}),
		DevicePhase: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scrutiny_device_phase",
			Help: "Current device phase (0=LinkDown,1=DiscoveringDevice,2=Connecting,3=Connected).",
		}),
		MemoryReadOK: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrutiny_memory_read_ok_total",
			Help: "Completed MemoryControl.Read batches.",
		}),
		MemoryReadErr: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrutiny_memory_read_errors_total",
			Help: "MemoryControl.Read batches that failed or timed out.",
		}),
		MemoryWriteOK: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrutiny_memory_write_ok_total",
			Help: "Completed MemoryControl.Write batches.",
		}),
		MemoryWriteErr: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrutiny_memory_write_errors_total",
			Help: "MemoryControl.Write batches that failed or timed out.",
		}),
	}
}
