// Package metrics exposes the agent's Prometheus collectors.
//
//   - fxe_commands_received_total{via}             commands surfaced by push or poll
//   - fxe_commands_duplicate_total{via}            deliveries collapsed by the dedup index
//   - fxe_commands_completed_total{kind,status}    terminal statuses
//   - fxe_command_dispatch_seconds{kind}           terminal round-trip latency
//   - fxe_queue_depth                              queued commands
//   - fxe_channel_state{channel,state}             1 for the channel's current state
//   - fxe_heartbeats_total{channel,result}         heartbeat sends per channel
//   - fxe_reports_total{channel,result}            result report sends per channel
//   - fxe_safety_rejections_total{hard}            safety gate rejections
//   - fxe_emergency_stop_state{state}              1 for the coordinator's current state
//
// Collectors are registered in init() and served by the operator API at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	commandsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fxe_commands_received_total", Help: "Commands surfaced by a delivery channel"},
		[]string{"via"},
	)

	commandsDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fxe_commands_duplicate_total", Help: "Duplicate deliveries discarded by the dedup index"},
		[]string{"via"},
	)

	commandsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fxe_commands_completed_total", Help: "Commands that reached a terminal status"},
		[]string{"kind", "status"},
	)

	dispatchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fxe_command_dispatch_seconds",
			Help:    "Terminal dispatch round-trip latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"kind"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fxe_queue_depth", Help: "Commands waiting for dispatch"},
	)

	// one labeled series per state, flipped between 0 and 1
	channelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "fxe_channel_state", Help: "Current connection state per channel"},
		[]string{"channel", "state"},
	)

	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fxe_heartbeats_total", Help: "Heartbeat sends per channel and result"},
		[]string{"channel", "result"},
	)

	reports = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fxe_reports_total", Help: "Result report sends per channel and result"},
		[]string{"channel", "result"},
	)

	safetyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fxe_safety_rejections_total", Help: "Commands rejected by the safety gate"},
		[]string{"hard"},
	)

	estopState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "fxe_emergency_stop_state", Help: "Emergency stop coordinator state"},
		[]string{"state"},
	)
)

var (
	channelStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "BACKOFF", "GIVEN_UP"}
	estopStates   = []string{"ARMED", "TRIPPED", "TRIPPED_ACKNOWLEDGED"}
)

func init() {
	prometheus.MustRegister(commandsReceived, commandsDuplicate, commandsCompleted, dispatchSeconds, queueDepth)
	prometheus.MustRegister(channelState, heartbeats, reports)
	prometheus.MustRegister(safetyRejections, estopState)
}

func IncReceived(via string) { commandsReceived.WithLabelValues(via).Inc() }

func IncDuplicate(via string) { commandsDuplicate.WithLabelValues(via).Inc() }

func IncCompleted(kind, status string) { commandsCompleted.WithLabelValues(kind, status).Inc() }

func ObserveDispatch(kind string, seconds float64) { dispatchSeconds.WithLabelValues(kind).Observe(seconds) }

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

func IncHeartbeat(channel string, ok bool) { heartbeats.WithLabelValues(channel, result(ok)).Inc() }

func IncReport(channel string, ok bool) { reports.WithLabelValues(channel, result(ok)).Inc() }

func IncSafetyRejection(hard bool) {
	if hard {
		safetyRejections.WithLabelValues("true").Inc()
		return
	}
	safetyRejections.WithLabelValues("false").Inc()
}

func SetChannelState(channel, state string) {
	for _, s := range channelStates {
		if s == state {
			channelState.WithLabelValues(channel, s).Set(1)
		} else {
			channelState.WithLabelValues(channel, s).Set(0)
		}
	}
}

func SetEmergencyStopState(state string) {
	for _, s := range estopStates {
		if s == state {
			estopState.WithLabelValues(s).Set(1)
		} else {
			estopState.WithLabelValues(s).Set(0)
		}
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
