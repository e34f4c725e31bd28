// Package telemetry exposes the mixing core's peak meters, underrun
// counters, and source count as Prometheus metrics and a small read-only
// HTTP surface. The collector gathers at scrape time rather than pushing.
// This is strictly observability: there are no control endpoints.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MixerStatsProvider is the subset of *mixer.Mixer the collector reads at
// scrape time. Kept as an interface so this package never imports mixer
// directly.
type MixerStatsProvider interface {
	SourceCount() int
	Peak() float64
	PeakChannels() []float64
	MasterVolume() float64
	TotalFramesMixed() uint64
	TotalUnderruns() uint64
}

// EventBusStatsProvider is the subset of *events.Bus the collector reads.
type EventBusStatsProvider interface {
	SubscriberCount() int
	Dropped() uint64
}

// Collector is a prometheus.Collector gathering mixcore metrics on demand.
type Collector struct {
	mixer     MixerStatsProvider
	bus       EventBusStatsProvider
	startTime time.Time

	sourcesDesc          *prometheus.Desc
	peakDesc             *prometheus.Desc
	peakChannelDesc      *prometheus.Desc
	masterVolumeDesc     *prometheus.Desc
	framesMixedDesc      *prometheus.Desc
	underrunsDesc        *prometheus.Desc
	eventSubscribersDesc *prometheus.Desc
	eventsDroppedDesc    *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a metrics collector. bus may be nil if no event bus
// is wired.
func NewCollector(mixer MixerStatsProvider, bus EventBusStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		mixer:     mixer,
		bus:       bus,
		startTime: startTime,

		sourcesDesc: prometheus.NewDesc(
			"mixcore_sources_active",
			"Number of sources currently registered with the mixer",
			nil, nil,
		),
		peakDesc: prometheus.NewDesc(
			"mixcore_master_peak",
			"Decayed peak absolute sample value across the master bus",
			nil, nil,
		),
		peakChannelDesc: prometheus.NewDesc(
			"mixcore_channel_peak",
			"Decayed peak absolute sample value for one output channel",
			[]string{"channel"}, nil,
		),
		masterVolumeDesc: prometheus.NewDesc(
			"mixcore_master_volume",
			"Current master output volume scale factor",
			nil, nil,
		),
		framesMixedDesc: prometheus.NewDesc(
			"mixcore_frames_mixed_total",
			"Total number of frames produced on the master bus",
			nil, nil,
		),
		underrunsDesc: prometheus.NewDesc(
			"mixcore_underruns_total",
			"Total number of mix periods in which the sink received fewer frames than requested",
			nil, nil,
		),
		eventSubscribersDesc: prometheus.NewDesc(
			"mixcore_event_subscribers",
			"Number of active subscribers on the public event bus",
			nil, nil,
		),
		eventsDroppedDesc: prometheus.NewDesc(
			"mixcore_events_dropped_total",
			"Total events dropped due to a full or rate-limited subscriber channel",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"mixcore_uptime_seconds",
			"Seconds since the engine process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sourcesDesc
	ch <- c.peakDesc
	ch <- c.peakChannelDesc
	ch <- c.masterVolumeDesc
	ch <- c.framesMixedDesc
	ch <- c.underrunsDesc
	ch <- c.eventSubscribersDesc
	ch <- c.eventsDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector, reading current values from the
// mixer and event bus at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.mixer != nil {
		ch <- prometheus.MustNewConstMetric(c.sourcesDesc, prometheus.GaugeValue, float64(c.mixer.SourceCount()))
		ch <- prometheus.MustNewConstMetric(c.peakDesc, prometheus.GaugeValue, c.mixer.Peak())
		ch <- prometheus.MustNewConstMetric(c.masterVolumeDesc, prometheus.GaugeValue, c.mixer.MasterVolume())
		ch <- prometheus.MustNewConstMetric(c.framesMixedDesc, prometheus.CounterValue, float64(c.mixer.TotalFramesMixed()))
		ch <- prometheus.MustNewConstMetric(c.underrunsDesc, prometheus.CounterValue, float64(c.mixer.TotalUnderruns()))

		for i, p := range c.mixer.PeakChannels() {
			ch <- prometheus.MustNewConstMetric(c.peakChannelDesc, prometheus.GaugeValue, p, channelLabel(i))
		}
	}

	if c.bus != nil {
		ch <- prometheus.MustNewConstMetric(c.eventSubscribersDesc, prometheus.GaugeValue, float64(c.bus.SubscriberCount()))
		ch <- prometheus.MustNewConstMetric(c.eventsDroppedDesc, prometheus.CounterValue, float64(c.bus.Dropped()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// channelLabel gives channel 0/1 the conventional "L"/"R" label and falls
// back to a numeric index for higher channel counts.
func channelLabel(i int) string {
	switch i {
	case 0:
		return "L"
	case 1:
		return "R"
	default:
		return strconv.Itoa(i)
	}
}
