// Package metrics exposes the network server's Prometheus collectors.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the network server metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Uplinks          *prometheus.CounterVec
	GatewayReports   *prometheus.CounterVec
	Downlinks        *prometheus.CounterVec
	RepliesDropped   prometheus.Counter
	ADRRequests      *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	Devices  prometheus.Gauge
	Gateways prometheus.Gauge
}

// New registers the collectors against reg, defaulting to the global
// Prometheus registry when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	uplinks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_uplinks_total",
		Help: "Uplink reports handled, labeled by merge result (appended, merged, late, discarded, rejected).",
	}, []string{"result"}), "lorawan_uplinks_total")
	if err != nil {
		return nil, err
	}
	reports, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_gateway_reports_total",
		Help: "Uplink reports per gateway.",
	}, []string{"gateway"}), "lorawan_gateway_reports_total")
	if err != nil {
		return nil, err
	}
	downlinks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_downlinks_total",
		Help: "Replies handed to a gateway, labeled by receive window.",
	}, []string{"window"}), "lorawan_downlinks_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lorawan_replies_dropped_total",
		Help: "Replies dropped because neither receive window was feasible.",
	}), "lorawan_replies_dropped_total")
	if err != nil {
		return nil, err
	}
	adr, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lorawan_adr_total",
		Help: "ADR outcomes: requested, accepted, rejected.",
	}, []string{"outcome"}), "lorawan_adr_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lorawan_dispatch_duration_seconds",
		Help:    "Time spent choosing a gateway and sending a reply.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{"window"}), "lorawan_dispatch_duration_seconds")
	if err != nil {
		return nil, err
	}
	devices, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lorawan_registered_devices",
		Help: "Current number of registered devices.",
	}), "lorawan_registered_devices")
	if err != nil {
		return nil, err
	}
	gateways, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lorawan_registered_gateways",
		Help: "Current number of attached gateways.",
	}), "lorawan_registered_gateways")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		Uplinks:          uplinks,
		GatewayReports:   reports,
		Downlinks:        downlinks,
		RepliesDropped:   dropped,
		ADRRequests:      adr,
		DispatchDuration: durations,
		Devices:          devices,
		Gateways:         gateways,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveUplink counts one gateway report and its merge result
func (c *Collector) ObserveUplink(gatewayID, result string) {
	if c == nil {
		return
	}
	c.Uplinks.WithLabelValues(result).Inc()
	if gatewayID != "" {
		c.GatewayReports.WithLabelValues(gatewayID).Inc()
	}
}

// ObserveDownlink counts a reply sent in window
func (c *Collector) ObserveDownlink(window int, took time.Duration) {
	if c == nil {
		return
	}
	w := strconv.Itoa(window)
	c.Downlinks.WithLabelValues(w).Inc()
	c.DispatchDuration.WithLabelValues(w).Observe(took.Seconds())
}

// ObserveDropped counts a reply that could not be sent in either window
func (c *Collector) ObserveDropped() {
	if c == nil {
		return
	}
	c.RepliesDropped.Inc()
}

// ObserveADR counts an ADR outcome
func (c *Collector) ObserveADR(outcome string) {
	if c == nil {
		return
	}
	c.ADRRequests.WithLabelValues(outcome).Inc()
}

// SetCounts updates the registry gauges
func (c *Collector) SetCounts(devices, gateways int) {
	if c == nil {
		return
	}
	c.Devices.Set(float64(devices))
	c.Gateways.Set(float64(gateways))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
