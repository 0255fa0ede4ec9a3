// Package metrics 定义导入、状态迁移、提醒与过期扫描的 Prometheus 指标。
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇总所有计数器。nil *Metrics 是合法的空实现。
type Metrics struct {
	imports     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	reminders   *prometheus.CounterVec
	sweep       *prometheus.CounterVec
	bestEffort  *prometheus.CounterVec
}

// New 创建指标并注册到 registerer。
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrail_imports_total",
			Help: "Application events ingested, by outcome (created, deduped, failed).",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrail_schedule_transitions_total",
			Help: "Schedule state entries, by target status.",
		}, []string{"to"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrail_reminders_total",
			Help: "Reminder deliveries, by outcome (sent, failed).",
		}, []string{"outcome"}),
		sweep: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrail_sweep_claims_total",
			Help: "Expiration sweep claims, by outcome (claimed, lost, failed).",
		}, []string{"outcome"}),
		bestEffort: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applytrail_best_effort_failures_total",
			Help: "Swallowed failures of best-effort side effects, by operation.",
		}, []string{"op"}),
	}
	for _, c := range []prometheus.Collector{m.imports, m.transitions, m.reminders, m.sweep, m.bestEffort} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// ImportOutcome 记录一次导入结果。
func (m *Metrics) ImportOutcome(outcome string) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(outcome).Inc()
}

// Transition 记录一次进入某状态。
func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// Reminder 记录一次提醒投递结果。
func (m *Metrics) Reminder(outcome string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(outcome).Inc()
}

// SweepClaim 记录一次过期认领结果。
func (m *Metrics) SweepClaim(outcome string) {
	if m == nil {
		return
	}
	m.sweep.WithLabelValues(outcome).Inc()
}

// BestEffortFailed 实现 apperr.FailureCounter。
func (m *Metrics) BestEffortFailed(op string) {
	if m == nil {
		return
	}
	m.bestEffort.WithLabelValues(op).Inc()
}
