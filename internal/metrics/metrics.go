package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionStatsProvider exposes live session counts from the orchestrator.
type SessionStatsProvider interface {
	ActiveCount() int
	DuplicateCreations() uint64
	TransportUp() bool
}

// TransportStatsProvider exposes control-channel counters.
type TransportStatsProvider interface {
	ActionTimeouts() uint64
	UnhandledEvents() uint64
	ProtocolErrors() uint64
}

// ChannelCounter exposes the size of the live channel registry.
type ChannelCounter interface {
	Count() int
}

// CDRDispositionCounter returns call record counts grouped by disposition.
type CDRDispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers bridge metrics at scrape
// time. Any provider may be nil if unavailable.
type Collector struct {
	sessions  SessionStatsProvider
	transport TransportStatsProvider
	channels  ChannelCounter
	cdrs      CDRDispositionCounter
	startTime time.Time

	activeSessionsDesc  *prometheus.Desc
	duplicatesDesc      *prometheus.Desc
	transportUpDesc     *prometheus.Desc
	actionTimeoutsDesc  *prometheus.Desc
	unhandledEventsDesc *prometheus.Desc
	protocolErrorsDesc  *prometheus.Desc
	liveChannelsDesc    *prometheus.Desc
	callsTotalDesc      *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a metrics collector.
func NewCollector(
	sessions SessionStatsProvider,
	transport TransportStatsProvider,
	channels ChannelCounter,
	cdrs CDRDispositionCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:  sessions,
		transport: transport,
		channels:  channels,
		cdrs:      cdrs,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"rtcbridge_active_sessions",
			"Number of live bridge sessions",
			nil, nil,
		),
		duplicatesDesc: prometheus.NewDesc(
			"rtcbridge_duplicate_creations_total",
			"Ignored repeat creation events for already-tracked calls",
			nil, nil,
		),
		transportUpDesc: prometheus.NewDesc(
			"rtcbridge_transport_up",
			"Control channel state (1=ready, 0=down)",
			nil, nil,
		),
		actionTimeoutsDesc: prometheus.NewDesc(
			"rtcbridge_action_timeouts_total",
			"Control-channel actions that timed out awaiting a response",
			nil, nil,
		),
		unhandledEventsDesc: prometheus.NewDesc(
			"rtcbridge_unhandled_events_total",
			"Control-channel events with no registered handling",
			nil, nil,
		),
		protocolErrorsDesc: prometheus.NewDesc(
			"rtcbridge_protocol_errors_total",
			"Malformed control-channel frames dropped",
			nil, nil,
		),
		liveChannelsDesc: prometheus.NewDesc(
			"rtcbridge_live_channels",
			"Telephony channels currently tracked by the registry",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"rtcbridge_calls_total",
			"Total bridged calls by disposition (from call records)",
			[]string{"disposition"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"rtcbridge_uptime_seconds",
			"Seconds since the bridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.duplicatesDesc
	ch <- c.transportUpDesc
	ch <- c.actionTimeoutsDesc
	ch <- c.unhandledEventsDesc
	ch <- c.protocolErrorsDesc
	ch <- c.liveChannelsDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.duplicatesDesc, prometheus.CounterValue,
			float64(c.sessions.DuplicateCreations()),
		)
		up := 0.0
		if c.sessions.TransportUp() {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.transportUpDesc, prometheus.GaugeValue, up)
	}

	if c.transport != nil {
		ch <- prometheus.MustNewConstMetric(
			c.actionTimeoutsDesc, prometheus.CounterValue,
			float64(c.transport.ActionTimeouts()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.unhandledEventsDesc, prometheus.CounterValue,
			float64(c.transport.UnhandledEvents()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.protocolErrorsDesc, prometheus.CounterValue,
			float64(c.transport.ProtocolErrors()),
		)
	}

	if c.channels != nil {
		ch <- prometheus.MustNewConstMetric(
			c.liveChannelsDesc, prometheus.GaugeValue,
			float64(c.channels.Count()),
		)
	}

	if c.cdrs != nil {
		counts, err := c.cdrs.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by disposition", "error", err)
		} else {
			for _, d := range []string{"answered", "rejected", "no_answer", "failed"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[d]), d,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
