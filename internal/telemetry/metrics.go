package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — Prometheus метрики pipeline.
//
// Все методы безопасны для nil-получателя: компоненты, собранные без
// телеметрии (например, в тестах), просто не пишут метрик.
type Metrics struct {
	transitions   *prometheus.CounterVec
	stageSeconds  *prometheus.HistogramVec
	gpuSlots      *prometheus.GaugeVec
	gpuMemoryMB   *prometheus.GaugeVec
	accountActive *prometheus.GaugeVec
	accountDaily  *prometheus.GaugeVec
}

// NewMetrics регистрирует метрики в default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dancemill_task_transitions_total",
			Help: "Task state transitions by target state.",
		}, []string{"to"}),
		stageSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dancemill_stage_duration_seconds",
			Help:    "Wall-clock duration of completed stages.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"stage"}),
		gpuSlots: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dancemill_gpu_slots",
			Help: "GPU slot usage.",
		}, []string{"state"}),
		gpuMemoryMB: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dancemill_gpu_memory_mb",
			Help: "GPU memory budget usage in megabytes.",
		}, []string{"state"}),
		accountActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dancemill_account_active_jobs",
			Help: "Concurrent remote jobs per account.",
		}, []string{"account"}),
		accountDaily: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dancemill_account_daily_used",
			Help: "Daily quota usage per account.",
		}, []string{"account"}),
	}
}

// ObserveTransition учитывает переход задачи в состояние to.
func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// ObserveStageDuration учитывает длительность завершённой стадии.
func (m *Metrics) ObserveStageDuration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageSeconds.WithLabelValues(stage).Observe(seconds)
}

// SetGPUUsage обновляет показатели контроллера ресурсов.
func (m *Metrics) SetGPUUsage(activeSlots, effectiveSlots int, reservedMB, budgetMB int64) {
	if m == nil {
		return
	}
	m.gpuSlots.WithLabelValues("active").Set(float64(activeSlots))
	m.gpuSlots.WithLabelValues("effective").Set(float64(effectiveSlots))
	m.gpuMemoryMB.WithLabelValues("reserved").Set(float64(reservedMB))
	m.gpuMemoryMB.WithLabelValues("budget").Set(float64(budgetMB))
}

// SetAccountUsage обновляет показатели аккаунта.
func (m *Metrics) SetAccountUsage(accountID string, active, dailyUsed int) {
	if m == nil {
		return
	}
	m.accountActive.WithLabelValues(accountID).Set(float64(active))
	m.accountDaily.WithLabelValues(accountID).Set(float64(dailyUsed))
}
