package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles all daemon metrics behind one registry. It
// implements transit.IngestorMetrics and publish.PublisherMetrics.
type Collector struct {
	reg *prometheus.Registry

	Polls      prometheus.Counter
	PollErrors prometheus.Counter
	Vehicles   prometheus.Gauge

	LastPollUnix prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter

	Requests *prometheus.SummaryVec
}

// NewCollector builds the collector. subscriberCount, when non-nil,
// backs a live gauge of attached stream subscribers.
func NewCollector(subscriberCount func() int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_realtime_polls_total",
			Help: "Total realtime feed polls attempted.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_realtime_poll_errors_total",
			Help: "Total realtime feed polls that failed.",
		}),
		Vehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transit_vehicles",
			Help: "Vehicles in the most recent snapshot.",
		}),
		LastPollUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transit_last_poll_timestamp_seconds",
			Help: "Unix time of the last successful poll.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_nats_published_total",
			Help: "Total NATS snapshot messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		Requests: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "transit_request_duration_seconds",
			Help: "HTTP request durations per endpoint.",
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		c.Polls, c.PollErrors, c.Vehicles, c.LastPollUnix,
		c.NATSPublished, c.NATSPublishErrs,
		c.Requests,
	)

	if subscriberCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "transit_stream_subscribers",
			Help: "Attached vehicle stream subscribers.",
		}, func() float64 {
			return float64(subscriberCount())
		}))
	}

	return c
}

func (c *Collector) PollSucceeded(vehicles int) {
	c.Polls.Inc()
	c.Vehicles.Set(float64(vehicles))
	c.LastPollUnix.SetToCurrentTime()
}

func (c *Collector) PollFailed() {
	c.Polls.Inc()
	c.PollErrors.Inc()
}

func (c *Collector) PublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) PublishErrInc() { c.NATSPublishErrs.Inc() }

// ObserveRequest records one served request for an endpoint.
func (c *Collector) ObserveRequest(endpoint string, d time.Duration) {
	c.Requests.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
