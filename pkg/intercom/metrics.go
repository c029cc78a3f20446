package intercom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics собирает метрики интеркома. reg == nil в NewMetrics создает
// метрики без регистрации.
type Metrics struct {
	sessionsTotal   prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	framesSent      prometheus.Counter
	framesPlayed    prometheus.Counter
	sessionDuration prometheus.Histogram
}

// NewMetrics создает набор метрик интеркома
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "camcall",
			Subsystem: "intercom",
			Name:      "sessions_total",
			Help:      "Начатые сеансы интеркома",
		}),
		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camcall",
			Subsystem: "intercom",
			Name:      "sessions_ended_total",
			Help:      "Завершенные сеансы по исходу",
		}, []string{"outcome"}),
		failuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "camcall",
			Subsystem: "intercom",
			Name:      "failures_total",
			Help:      "Отказы запуска сеанса по этапам",
		}, []string{"stage"}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "camcall",
			Subsystem: "intercom",
			Name:      "frames_sent_total",
			Help:      "Аудио кадры, отправленные камере",
		}),
		framesPlayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "camcall",
			Subsystem: "intercom",
			Name:      "frames_played_total",
			Help:      "Аудио кадры камеры, отданные на воспроизведение",
		}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "camcall",
			Subsystem: "intercom",
			Name:      "session_duration_seconds",
			Help:      "Длительность сеанса интеркома",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
}

func (m *Metrics) ended(outcome string, talk time.Duration) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(outcome).Inc()
	if talk > 0 {
		m.sessionDuration.Observe(talk.Seconds())
	}
}

func (m *Metrics) failed(stage string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) frameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) framePlayed() {
	if m == nil {
		return
	}
	m.framesPlayed.Inc()
}
