// Package metrics exposes Prometheus collectors for the rendezvous servers
// and for session-level traversal statistics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the instrumented counters. Construct one per process
// with NewCollector; pass a dedicated registry in tests to avoid duplicate
// registration.
type Collector struct {
	peersRegistered  prometheus.Gauge
	sessionsPaired   prometheus.Counter
	relayForwards    prometheus.Counter
	relayBytes       prometheus.Counter
	offersCached     prometheus.Gauge
	punchDuration    prometheus.Histogram
	connectedByPath  *prometheus.CounterVec
	signalingErrors  *prometheus.CounterVec
	datagramsDropped prometheus.Counter
}

// NewCollector registers the collectors on reg (nil uses the default
// registerer).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Collector{
		peersRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wirehole_peers_registered",
			Help: "Peers currently registered with the rendezvous server",
		}),
		sessionsPaired: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirehole_sessions_paired_total",
			Help: "Peer pairings completed by the rendezvous server",
		}),
		relayForwards: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirehole_relay_forwards_total",
			Help: "RELAY_DATA/RELAY_ACK packets forwarded between peers",
		}),
		relayBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirehole_relay_bytes_total",
			Help: "Bytes forwarded through the server relay path",
		}),
		offersCached: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wirehole_offers_cached",
			Help: "Offline offers held for disconnected targets",
		}),
		punchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wirehole_punch_duration_seconds",
			Help:    "Time from punch start to the first PUNCH_ACK",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		}),
		connectedByPath: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wirehole_connections_total",
			Help: "Sessions reaching a working path, by path kind",
		}, []string{"path"}),
		signalingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wirehole_signaling_errors_total",
			Help: "Signaling failures by mode",
		}, []string{"mode"}),
		datagramsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "wirehole_datagrams_dropped_total",
			Help: "Malformed or out-of-window datagrams dropped",
		}),
	}
}

func (c *Collector) PeerRegistered()   { c.peersRegistered.Inc() }
func (c *Collector) PeerUnregistered() { c.peersRegistered.Dec() }
func (c *Collector) SessionPaired()    { c.sessionsPaired.Inc() }

func (c *Collector) RelayForwarded(bytes int) {
	c.relayForwards.Inc()
	c.relayBytes.Add(float64(bytes))
}

func (c *Collector) OfferCached()  { c.offersCached.Inc() }
func (c *Collector) OfferFlushed() { c.offersCached.Dec() }

func (c *Collector) PunchSucceeded(d time.Duration) {
	c.punchDuration.Observe(d.Seconds())
}

func (c *Collector) Connected(path string) {
	c.connectedByPath.WithLabelValues(path).Inc()
}

func (c *Collector) SignalingError(mode string) {
	c.signalingErrors.WithLabelValues(mode).Inc()
}

func (c *Collector) DatagramDropped() { c.datagramsDropped.Inc() }
