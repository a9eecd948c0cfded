// Package metrics exports the focus metrics: event counters incremented
// inline by the conference code and a collector that reads the live
// census at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jicofo"

// Invite failure reasons.
const (
	ReasonNoBridge   = "no_bridge"
	ReasonSignalling = "signalling"
)

// Channel allocation failure reasons.
const (
	ReasonTransport = "transport"
	ReasonRejected  = "rejected"
)

var (
	// InvitesTotal counts started participant invites, re-invites
	// included.
	InvitesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invites_total",
		Help:      "Number of participant invites started",
	})

	// InviteFailuresTotal counts invites that tore the participant down.
	InviteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invite_failures_total",
		Help:      "Number of participant invites that failed",
	}, []string{"reason"})

	// AllocationFailuresTotal counts colibri channel requests a bridge
	// did not serve.
	AllocationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_allocation_failures_total",
		Help:      "Number of failed colibri channel allocations",
	}, []string{"reason"})

	// AllocationSeconds observes the latency of successful colibri
	// channel allocations.
	AllocationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "channel_allocation_seconds",
		Help:      "Latency of successful colibri channel allocations",
		Buckets:   prometheus.DefBuckets,
	})

	// SourceRejectionsTotal counts source advertisements the validator
	// refused.
	SourceRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_rejections_total",
		Help:      "Number of rejected source advertisements",
	})

	// HealthCheckFailuresTotal counts health probes that took a bridge
	// out of rotation.
	HealthCheckFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_check_failures_total",
		Help:      "Number of bridge health checks that failed after retry",
	})

	// ConferenceRequestsTotal counts conference-request IQs by outcome.
	ConferenceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conference_requests_total",
		Help:      "Number of conference requests received",
	}, []string{"outcome"})
)

// ConferenceCensus counts live conferences and their occupants.
type ConferenceCensus interface {
	ConferenceCount() int
	ParticipantCount() int
}

// BridgeCensus counts the known and the operational bridge fleet.
type BridgeCensus interface {
	KnownCount() int
	OperationalCount() int
}

// Collector is a prometheus.Collector that reads the census providers at
// scrape time.
type Collector struct {
	conferences ConferenceCensus
	bridges     BridgeCensus
	startTime   time.Time

	conferencesDesc  *prometheus.Desc
	participantsDesc *prometheus.Desc
	bridgesDesc      *prometheus.Desc
	operationalDesc  *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates the census collector. Either provider may be nil
// when unavailable.
func NewCollector(conferences ConferenceCensus, bridges BridgeCensus, startTime time.Time) *Collector {
	return &Collector{
		conferences: conferences,
		bridges:     bridges,
		startTime:   startTime,

		conferencesDesc: prometheus.NewDesc(
			"jicofo_conferences",
			"Number of running conferences",
			nil, nil,
		),
		participantsDesc: prometheus.NewDesc(
			"jicofo_participants",
			"Number of participants across all conferences",
			nil, nil,
		),
		bridgesDesc: prometheus.NewDesc(
			"jicofo_bridges",
			"Number of known videobridges",
			nil, nil,
		),
		operationalDesc: prometheus.NewDesc(
			"jicofo_bridges_operational",
			"Number of operational videobridges",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"jicofo_uptime_seconds",
			"Seconds since the focus process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conferencesDesc
	ch <- c.participantsDesc
	ch <- c.bridgesDesc
	ch <- c.operationalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.conferences != nil {
		ch <- prometheus.MustNewConstMetric(
			c.conferencesDesc, prometheus.GaugeValue,
			float64(c.conferences.ConferenceCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.participantsDesc, prometheus.GaugeValue,
			float64(c.conferences.ParticipantCount()),
		)
	}

	if c.bridges != nil {
		ch <- prometheus.MustNewConstMetric(
			c.bridgesDesc, prometheus.GaugeValue,
			float64(c.bridges.KnownCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.operationalDesc, prometheus.GaugeValue,
			float64(c.bridges.OperationalCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
