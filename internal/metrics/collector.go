package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector 定位服务的 Prometheus 指标，方法对 nil 接收者安全
type Collector struct {
	gatherer prometheus.Gatherer

	SignalsReceived     prometheus.Counter
	SignalsStored       prometheus.Counter
	SignalsDropped      prometheus.Counter
	PositionsCalculated prometheus.Counter
	PositionsPublished  prometheus.Counter
	PublishFailures     prometheus.Counter
	PublishQueueDropped prometheus.Counter
	ZoneAlerts          prometheus.Counter
	Errors              prometheus.Counter
	CycleDuration       prometheus.Histogram
	TrackedBeacons      prometheus.Gauge
	TransportConnected  prometheus.Gauge
}

// NewCollector 在 reg 上注册指标；reg 为 nil 时使用默认注册器
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&c.SignalsReceived, "rtls_signals_received_total", "Readings received from gateways."},
		{&c.SignalsStored, "rtls_signals_stored_total", "Readings persisted as raw signals."},
		{&c.SignalsDropped, "rtls_signals_dropped_total", "Readings discarded for unknown or inactive gateways and beacons."},
		{&c.PositionsCalculated, "rtls_positions_calculated_total", "Position estimates persisted."},
		{&c.PositionsPublished, "rtls_positions_published_total", "Messages delivered by the outbound publisher."},
		{&c.PublishFailures, "rtls_publish_failures_total", "Outbound messages that failed to deliver."},
		{&c.PublishQueueDropped, "rtls_publish_queue_dropped_total", "Outbound messages dropped because the queue was full."},
		{&c.ZoneAlerts, "rtls_zone_alerts_total", "Zone enter and exit alerts raised."},
		{&c.Errors, "rtls_errors_total", "Errors recorded by the processor."},
	}
	for _, def := range counters {
		counter, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: def.name,
			Help: def.help,
		}), def.name)
		if err != nil {
			return nil, err
		}
		*def.dst = counter
	}

	hist, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtls_cycle_duration_seconds",
		Help:    "Duration of position computation cycles.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}), "rtls_cycle_duration_seconds")
	if err != nil {
		return nil, err
	}
	c.CycleDuration = hist

	if c.TrackedBeacons, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtls_tracked_beacons",
		Help: "Beacons with in-memory tracking state.",
	}), "rtls_tracked_beacons"); err != nil {
		return nil, err
	}
	if c.TransportConnected, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtls_transport_connected",
		Help: "1 when the ingestion transport is connected.",
	}), "rtls_transport_connected"); err != nil {
		return nil, err
	}

	return c, nil
}

// Gatherer 指标采集器
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func inc(counter prometheus.Counter) {
	if counter != nil {
		counter.Inc()
	}
}

func (c *Collector) IncSignalsReceived() {
	if c != nil {
		inc(c.SignalsReceived)
	}
}

func (c *Collector) IncSignalsStored() {
	if c != nil {
		inc(c.SignalsStored)
	}
}

func (c *Collector) IncSignalsDropped() {
	if c != nil {
		inc(c.SignalsDropped)
	}
}

func (c *Collector) IncPositionsCalculated() {
	if c != nil {
		inc(c.PositionsCalculated)
	}
}

func (c *Collector) IncPositionsPublished() {
	if c != nil {
		inc(c.PositionsPublished)
	}
}

func (c *Collector) IncPublishFailures() {
	if c != nil {
		inc(c.PublishFailures)
	}
}

func (c *Collector) IncPublishQueueDropped() {
	if c != nil {
		inc(c.PublishQueueDropped)
	}
}

func (c *Collector) IncZoneAlerts() {
	if c != nil {
		inc(c.ZoneAlerts)
	}
}

func (c *Collector) IncErrors() {
	if c != nil {
		inc(c.Errors)
	}
}

// ObserveCycle 记录一次计算周期耗时
func (c *Collector) ObserveCycle(d time.Duration) {
	if c == nil || c.CycleDuration == nil {
		return
	}
	c.CycleDuration.Observe(d.Seconds())
}

// SetTrackedBeacons 更新跟踪中的信标数
func (c *Collector) SetTrackedBeacons(n int) {
	if c == nil || c.TrackedBeacons == nil {
		return
	}
	c.TrackedBeacons.Set(float64(n))
}

// SetConnected 更新传输连接状态
func (c *Collector) SetConnected(connected bool) {
	if c == nil || c.TransportConnected == nil {
		return
	}
	if connected {
		c.TransportConnected.Set(1)
	} else {
		c.TransportConnected.Set(0)
	}
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

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
