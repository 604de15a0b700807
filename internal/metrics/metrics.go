package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"signify-ivr/internal/domain"
)

// Metrics holds the IVR engine's Prometheus collectors.
type Metrics struct {
	CallsStarted        prometheus.Counter
	CallsEnded          *prometheus.CounterVec
	AnswersRecorded     *prometheus.CounterVec
	SessionsReapedTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CallsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ivr_calls_started_total",
			Help: "Total number of IVR calls started",
		}),
		CallsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ivr_calls_ended_total",
				Help: "Total number of IVR calls that reached a terminal status",
			},
			[]string{"status"},
		),
		AnswersRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ivr_answers_recorded_total",
				Help: "Total number of IVR answers persisted",
			},
			[]string{"question_type"},
		),
		SessionsReapedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ivr_sessions_reaped_total",
				Help: "Total number of call sessions abandoned or evicted by the reaper",
			},
			[]string{"outcome"},
		),
		gatherer: reg,
	}
}

func (m *Metrics) CallStarted() {
	m.CallsStarted.Inc()
}

func (m *Metrics) CallEnded(status domain.CallStatus) {
	m.CallsEnded.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) AnswerRecorded(questionType domain.QuestionType) {
	m.AnswersRecorded.WithLabelValues(string(questionType)).Inc()
}

func (m *Metrics) SessionsReaped(abandoned, evicted int) {
	if abandoned > 0 {
		m.SessionsReapedTotal.WithLabelValues("abandoned").Add(float64(abandoned))
		m.CallsEnded.WithLabelValues(string(domain.CallAbandoned)).Add(float64(abandoned))
	}
	if evicted > 0 {
		m.SessionsReapedTotal.WithLabelValues("evicted").Add(float64(evicted))
	}
}

// WriteText writes every registered metric family in the Prometheus text
// exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
