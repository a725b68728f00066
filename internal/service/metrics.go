package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks mail pipeline activity.
type Metrics struct {
	inboundEvents    *prometheus.CounterVec
	ticketsCreated   prometheus.Counter
	deliveryAttempts *prometheus.CounterVec
	deliverySends    *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics on the given registerer. Pass a
// fresh registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		inboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_inbound_events_total",
			Help: "Inbound email events by processing result",
		}, []string{"result"}),
		ticketsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "helpdesk_tickets_created_total",
			Help: "Tickets created from inbound email",
		}),
		deliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_delivery_attempts_total",
			Help: "Outbound delivery attempts by channel, ladder level and outcome",
		}, []string{"channel", "level", "outcome"}),
		deliverySends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_delivery_sends_total",
			Help: "Completed outbound sends by final ladder level",
		}, []string{"level"}),
	}
}

// ObserveInbound counts one inbound event outcome.
func (m *Metrics) ObserveInbound(result string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(result).Inc()
}

// ObserveTicketCreated counts one new ticket.
func (m *Metrics) ObserveTicketCreated() {
	if m == nil {
		return
	}
	m.ticketsCreated.Inc()
}

// ObserveAttempt counts one delivery attempt.
func (m *Metrics) ObserveAttempt(channel, level string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.deliveryAttempts.WithLabelValues(channel, level, outcome).Inc()
}

// ObserveSend counts one completed send at its final ladder level.
func (m *Metrics) ObserveSend(level string) {
	if m == nil {
		return
	}
	m.deliverySends.WithLabelValues(level).Inc()
}
