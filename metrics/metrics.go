package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sirimux"

// Subsystems
const (
	subsystemRegistry   = "registry"
	subsystemSupervisor = "supervisor"
	subsystemAdapter    = "adapter"
	subsystemInbound    = "inbound"
	subsystemDelivery   = "delivery"
)

// Collector records the subscription engine metrics
type Collector interface {
	// RegistrySize record the number of pending and active subscriptions
	RegistrySize(pending, active int)
	// SupervisorPass record one completed health check pass
	SupervisorPass(starts, cancels, duplicates int)
	// ActionFired record the outcome of a start / cancel action
	ActionFired(action string, err error)
	// OutboundRequest record the outcome of one provider call
	OutboundRequest(operation string, result string)
	// InboundMessage record one message received from a provider
	InboundMessage(kind string)
	// PayloadDelivered record one payload handed to the pipeline
	PayloadDelivered(dataType string, err error)
}

// PrometheusCollector Collector backed by prometheus
type PrometheusCollector struct {
	pending          prometheus.Gauge
	active           prometheus.Gauge
	passes           prometheus.Counter
	starts           prometheus.Counter
	cancels          prometheus.Counter
	duplicates       prometheus.Counter
	actions          *prometheus.CounterVec
	outboundRequests *prometheus.CounterVec
	inboundMessages  *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
}

// NewPrometheusCollector define a new collector, registering with reg
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name:      "pending_subscriptions",
			Namespace: namespace,
			Subsystem: subsystemRegistry,
			Help:      "number of subscriptions waiting for confirmation",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name:      "active_subscriptions",
			Namespace: namespace,
			Subsystem: subsystemRegistry,
			Help:      "number of confirmed subscriptions",
		}),
		passes: factory.NewCounter(prometheus.CounterOpts{
			Name:      "passes_total",
			Namespace: namespace,
			Subsystem: subsystemSupervisor,
			Help:      "number of health check passes executed by this instance",
		}),
		starts: factory.NewCounter(prometheus.CounterOpts{
			Name:      "starts_total",
			Namespace: namespace,
			Subsystem: subsystemSupervisor,
			Help:      "number of start actions triggered by health checks",
		}),
		cancels: factory.NewCounter(prometheus.CounterOpts{
			Name:      "cancels_total",
			Namespace: namespace,
			Subsystem: subsystemSupervisor,
			Help:      "number of cancel actions triggered by health checks",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name:      "duplicates_removed_total",
			Namespace: namespace,
			Subsystem: subsystemSupervisor,
			Help:      "number of duplicate subscriptions removed",
		}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "actions_total",
			Namespace: namespace,
			Subsystem: subsystemAdapter,
			Help:      "outcome of start / cancel actions",
		}, []string{"action", "result"}),
		outboundRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "outbound_requests_total",
			Namespace: namespace,
			Subsystem: subsystemAdapter,
			Help:      "outcome of calls towards data providers",
		}, []string{"operation", "result"}),
		inboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "messages_total",
			Namespace: namespace,
			Subsystem: subsystemInbound,
			Help:      "messages received from data providers",
		}, []string{"kind"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "payloads_total",
			Namespace: namespace,
			Subsystem: subsystemDelivery,
			Help:      "payloads handed to the processing pipeline",
		}, []string{"data_type", "result"}),
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RegistrySize record the number of pending and active subscriptions
func (c *PrometheusCollector) RegistrySize(pending, active int) {
	c.pending.Set(float64(pending))
	c.active.Set(float64(active))
}

// SupervisorPass record one completed health check pass
func (c *PrometheusCollector) SupervisorPass(starts, cancels, duplicates int) {
	c.passes.Inc()
	c.starts.Add(float64(starts))
	c.cancels.Add(float64(cancels))
	c.duplicates.Add(float64(duplicates))
}

// ActionFired record the outcome of a start / cancel action
func (c *PrometheusCollector) ActionFired(action string, err error) {
	c.actions.WithLabelValues(action, resultLabel(err)).Inc()
}

// OutboundRequest record the outcome of one provider call
func (c *PrometheusCollector) OutboundRequest(operation string, result string) {
	c.outboundRequests.WithLabelValues(operation, result).Inc()
}

// InboundMessage record one message received from a provider
func (c *PrometheusCollector) InboundMessage(kind string) {
	c.inboundMessages.WithLabelValues(kind).Inc()
}

// PayloadDelivered record one payload handed to the pipeline
func (c *PrometheusCollector) PayloadDelivered(dataType string, err error) {
	c.deliveries.WithLabelValues(dataType, resultLabel(err)).Inc()
}

// NoopCollector Collector which records nothing
type NoopCollector struct{}

// NewNoopCollector define a collector which records nothing
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) RegistrySize(pending, active int)                {}
func (nc *NoopCollector) SupervisorPass(starts, cancels, duplicates int)  {}
func (nc *NoopCollector) ActionFired(action string, err error)            {}
func (nc *NoopCollector) OutboundRequest(operation string, result string) {}
func (nc *NoopCollector) InboundMessage(kind string)                      {}
func (nc *NoopCollector) PayloadDelivered(dataType string, err error)     {}
