package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the console.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	sourcesAddedTotal      prometheus.Counter
	sourcesRemovedTotal    prometheus.Counter
	frameFailuresTotal     prometheus.Counter
	analysisSubmittedTotal prometheus.Counter
	analysisFailuresTotal  prometheus.Counter

	channelMessagesTotal   prometheus.Counter
	channelReconnectsTotal prometheus.Counter
	channelExhaustedTotal  prometheus.Counter

	trackedSources    prometheus.Gauge
	connectedChannels prometheus.Gauge
	streamClients     prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "customer_flow",
		Name:      name,
		Help:      help,
	})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "customer_flow",
		Name:      name,
		Help:      help,
	})
}

// New creates and registers Prometheus metrics for the console.
func New() *Metrics {
	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		requestsTotal: counter("requests_total", "Total number of HTTP requests received"),
		errorsTotal:   counter("errors_total", "Total number of HTTP responses with error status (4xx or 5xx)"),

		sourcesAddedTotal:      counter("sources_added_total", "Sources added by ingestion or catalog sync"),
		sourcesRemovedTotal:    counter("sources_removed_total", "Sources removed by the operator"),
		frameFailuresTotal:     counter("frame_fetch_failures_total", "Reference frame requests that failed"),
		analysisSubmittedTotal: counter("analysis_submitted_total", "Analysis submissions sent to the backend"),
		analysisFailuresTotal:  counter("analysis_failures_total", "Submissions rejected by validation or the backend"),

		channelMessagesTotal:   counter("channel_messages_total", "Live payloads applied to sources"),
		channelReconnectsTotal: counter("channel_reconnects_total", "Automatic live channel reconnects scheduled"),
		channelExhaustedTotal:  counter("channel_exhausted_total", "Live channels that ran out of reconnect attempts"),

		trackedSources:    gauge("tracked_sources", "Number of sources in the registry"),
		connectedChannels: gauge("connected_channels", "Number of live channels currently connected"),
		streamClients:     gauge("change_stream_clients", "Number of change stream subscribers"),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sourcesAddedTotal,
		m.sourcesRemovedTotal,
		m.frameFailuresTotal,
		m.analysisSubmittedTotal,
		m.analysisFailuresTotal,
		m.channelMessagesTotal,
		m.channelReconnectsTotal,
		m.channelExhaustedTotal,
		m.trackedSources,
		m.connectedChannels,
		m.streamClients,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() { m.errorsTotal.Inc() }

func (m *Metrics) IncSourcesAdded(n int) {
	if n > 0 {
		m.sourcesAddedTotal.Add(float64(n))
	}
}

func (m *Metrics) IncSourcesRemoved()    { m.sourcesRemovedTotal.Inc() }
func (m *Metrics) IncFrameFailures()     { m.frameFailuresTotal.Inc() }
func (m *Metrics) IncAnalysisSubmitted() { m.analysisSubmittedTotal.Inc() }
func (m *Metrics) IncAnalysisFailures()  { m.analysisFailuresTotal.Inc() }
func (m *Metrics) IncChannelMessages()   { m.channelMessagesTotal.Inc() }
func (m *Metrics) IncChannelReconnects() { m.channelReconnectsTotal.Inc() }
func (m *Metrics) IncChannelExhausted()  { m.channelExhaustedTotal.Inc() }

// Gauges is a point-in-time reading used to refresh gauges before a scrape.
type Gauges struct {
	TrackedSources    int
	ConnectedChannels int
	StreamClients     int
}

// SetGauges updates every gauge.
func (m *Metrics) SetGauges(g Gauges) {
	m.trackedSources.Set(float64(g.TrackedSources))
	m.connectedChannels.Set(float64(g.ConnectedChannels))
	m.streamClients.Set(float64(g.StreamClients))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// read is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(read func() Gauges) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if read != nil {
			m.SetGauges(read())
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
