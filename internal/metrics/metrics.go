package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the supervisor's counters and gauges on a private
// Registry. The core never serves HTTP; the embedding application mounts
// Registry on whatever handler it runs.
type Metrics struct {
	Registry *prometheus.Registry

	BroadcastsStarted  prometheus.Counter
	BroadcastsEnded    prometheus.Counter
	EncoderRestarts    prometheus.Counter
	SessionsStarted    prometheus.Counter
	SessionsFinalized  prometheus.Counter
	PrinterPollErrors  prometheus.Counter
	PlatformAPIErrors  prometheus.Counter

	EncoderRunning  prometheus.Gauge
	BroadcastActive prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		BroadcastsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "printcast_broadcasts_started_total",
			Help: "Broadcasts created and bound to the encoder.",
		}),
		BroadcastsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "printcast_broadcasts_ended_total",
			Help: "Broadcasts transitioned to their terminal state.",
		}),
		EncoderRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "printcast_encoder_restarts_total",
			Help: "Automatic encoder restarts after a crash.",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "printcast_timelapse_sessions_started_total",
			Help: "Timelapse sessions opened for print jobs.",
		}),
		SessionsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "printcast_timelapse_sessions_finalized_total",
			Help: "Timelapse sessions finalized to video.",
		}),
		PrinterPollErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "printcast_printer_poll_errors_total",
			Help: "Failed printer status polls.",
		}),
		PlatformAPIErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "printcast_platform_api_errors_total",
			Help: "Failed platform API calls after retries.",
		}),
		EncoderRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "printcast_encoder_running",
			Help: "1 when an encoder child process is alive.",
		}),
		BroadcastActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "printcast_broadcast_active",
			Help: "1 when a broadcast is currently bound.",
		}),
	}
}

// Nop returns a Metrics whose collectors are registered on a throwaway
// registry. Handy for tests and for components constructed without metrics.
func Nop() *Metrics {
	return New()
}
