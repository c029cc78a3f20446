package call

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics собирает метрики сессии вызовов.
//
// Регистрация идет через promauto: передача nil в качестве registerer
// создает метрики без регистрации (удобно в тестах и когда экспорт
// не нужен).
type Metrics struct {
	callsTotal       *prometheus.CounterVec
	callsEnded       *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	offersReplaced   prometheus.Counter
	activeCalls      prometheus.Gauge
	setupDuration    prometheus.Histogram
	callDuration     prometheus.Histogram
}

// NewMetrics создает набор метрик. reg == nil - метрики не регистрируются.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camcall",
			Subsystem: "session",
			Name:      "calls_total",
			Help:      "Начатые вызовы по роли стороны",
		}, []string{"role"}),
		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camcall",
			Subsystem: "session",
			Name:      "calls_ended_total",
			Help:      "Завершенные вызовы по исходу",
		}, []string{"outcome"}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camcall",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Переходы машины состояний вызова",
		}, []string{"from", "to"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camcall",
			Subsystem: "session",
			Name:      "errors_total",
			Help:      "Ошибки вызова по категориям",
		}, []string{"category"}),
		offersReplaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "camcall",
			Subsystem: "session",
			Name:      "pending_offers_replaced_total",
			Help:      "Отложенные offer, замещенные более свежими",
		}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "camcall",
			Subsystem: "session",
			Name:      "active_calls",
			Help:      "Вызовы вне Idle (0 или 1 на процесс)",
		}),
		setupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "camcall",
			Subsystem: "session",
			Name:      "setup_duration_seconds",
			Help:      "Время от начала вызова до установления медиа",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21},
		}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "camcall",
			Subsystem: "session",
			Name:      "call_duration_seconds",
			Help:      "Длительность установленного вызова",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (m *Metrics) callStarted(role Role) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(role.String()).Inc()
	m.activeCalls.Set(1)
}

func (m *Metrics) callEnded(outcome string, connected time.Duration) {
	if m == nil {
		return
	}
	m.callsEnded.WithLabelValues(outcome).Inc()
	if connected > 0 {
		m.callDuration.Observe(connected.Seconds())
	}
}

func (m *Metrics) becameIdle() {
	if m == nil {
		return
	}
	m.activeCalls.Set(0)
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) connected(setup time.Duration) {
	if m == nil {
		return
	}
	m.setupDuration.Observe(setup.Seconds())
}

func (m *Metrics) errorOccurred(category ErrorCategory) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(category.String()).Inc()
}

func (m *Metrics) offerReplaced() {
	if m == nil {
		return
	}
	m.offersReplaced.Inc()
}
