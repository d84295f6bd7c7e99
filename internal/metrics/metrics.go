// Package metrics exposes the node's packet-layer and mixer activity as
// Prometheus collectors, served over a plain HTTP admin endpoint separate
// from the gossip and audio data paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered by this node.
type Metrics struct {
	AdvertisementsSent   prometheus.Counter
	SendRequestsSent     prometheus.Counter
	PayloadsSent         prometheus.Counter
	PayloadsReceived     prometheus.Counter
	DuplicatesIgnored    prometheus.Counter
	DecodeErrors         prometheus.Counter
	RetransmitCacheSize  prometheus.Gauge
	MixerActiveSources   prometheus.Gauge
	MixerGatedReads      prometheus.Counter
	MixerProducedReads   prometheus.Counter
}

// New registers every collector with the default Prometheus registry.
// Panics if called more than once in the same process (duplicate
// registration), matching promauto's own behavior.
func New() *Metrics {
	return &Metrics{
		AdvertisementsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "walkietalkie_advertisements_sent_total",
			Help: "Advertisement packets broadcast by this node.",
		}),
		SendRequestsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "walkietalkie_send_requests_sent_total",
			Help: "SendRequest packets sent by this node.",
		}),
		PayloadsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "walkietalkie_payloads_sent_total",
			Help: "Payload packets originated by this node.",
		}),
		PayloadsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "walkietalkie_payloads_received_total",
			Help: "Previously-unseen payloads forwarded to the application.",
		}),
		DuplicatesIgnored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "walkietalkie_duplicate_payloads_ignored_total",
			Help: "Payloads discarded because their packet id was already cached.",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "walkietalkie_decode_errors_total",
			Help: "Datagrams discarded because they failed to decode.",
		}),
		RetransmitCacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "walkietalkie_retransmit_cache_size",
			Help: "Current number of entries in the packet worker's retransmission cache.",
		}),
		MixerActiveSources: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "walkietalkie_mixer_active_sources",
			Help: "Number of sources currently admitted to the mixer.",
		}),
		MixerGatedReads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "walkietalkie_mixer_gated_reads_total",
			Help: "GetNext calls that returned no output because a straggling source was still within its jitter budget.",
		}),
		MixerProducedReads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "walkietalkie_mixer_produced_reads_total",
			Help: "GetNext calls that produced a mixed sample window.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
