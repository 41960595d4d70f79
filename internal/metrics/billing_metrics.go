package metrics

import (
	"github.com/eduplatform/billing-service/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BillingMetrics интерфейс для метрик биллинга
type BillingMetrics interface {
	IncTransition(outcome string)
	IncWebhook(disposition string)
	IncReconciliation(corrected bool)
	IncReconciliationAnomaly()
	ObserveGatewayCall(op string, seconds float64, success bool)
}

type billingMetrics struct {
	log             *logger.Logger
	transitions     *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	anomalies       prometheus.Counter
	gatewayCalls    *prometheus.HistogramVec
}

// NewBillingMetrics создает новые метрики биллинга
func NewBillingMetrics(registry *prometheus.Registry, log *logger.Logger) BillingMetrics {
	transitions := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_transitions_total",
			Help: "The total number of subscription transition attempts by outcome",
		},
		[]string{"outcome"},
	)

	webhooks := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "The total number of inbound webhook events by disposition",
		},
		[]string{"disposition"},
	)

	reconciliations := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliations_total",
			Help: "The total number of reconciliation runs",
		},
		[]string{"corrected"},
	)

	anomalies := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "reconciliation_anomalies_total",
			Help: "Reconciliations where local state was ahead of the provider",
		},
	)

	gatewayCalls := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Payment gateway call latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "success"},
	)

	return &billingMetrics{
		log:             log,
		transitions:     transitions,
		webhooks:        webhooks,
		reconciliations: reconciliations,
		anomalies:       anomalies,
		gatewayCalls:    gatewayCalls,
	}
}

// IncTransition увеличивает счетчик переходов состояния
func (m *billingMetrics) IncTransition(outcome string) {
	m.transitions.WithLabelValues(outcome).Inc()
}

// IncWebhook увеличивает счетчик вебхук-событий
func (m *billingMetrics) IncWebhook(disposition string) {
	m.webhooks.WithLabelValues(disposition).Inc()
}

// IncReconciliation увеличивает счетчик сверок
func (m *billingMetrics) IncReconciliation(corrected bool) {
	label := "false"
	if corrected {
		label = "true"
	}
	m.reconciliations.WithLabelValues(label).Inc()
}

// IncReconciliationAnomaly увеличивает счетчик аномалий сверки
func (m *billingMetrics) IncReconciliationAnomaly() {
	m.anomalies.Inc()
}

// ObserveGatewayCall записывает длительность обращения к шлюзу
func (m *billingMetrics) ObserveGatewayCall(op string, seconds float64, success bool) {
	label := "false"
	if success {
		label = "true"
	}
	m.gatewayCalls.WithLabelValues(op, label).Observe(seconds)
}

// NopMetrics заглушка метрик (тесты, отключенный registry).
type NopMetrics struct{}

func (NopMetrics) IncTransition(string)                    {}
func (NopMetrics) IncWebhook(string)                       {}
func (NopMetrics) IncReconciliation(bool)                  {}
func (NopMetrics) IncReconciliationAnomaly()               {}
func (NopMetrics) ObserveGatewayCall(string, float64, bool) {}
