package report

import (
	"math"
	"sort"
	"time"

	"github.com/avelkov/dancemill/internal/domain"
)

// Summary — сводка по набору задач.
type Summary struct {
	GeneratedAt time.Time `json:"generated_at"`
	BatchID     string    `json:"batch_id,omitempty"`

	Total  int            `json:"total"`
	States map[string]int `json:"states"`

	// SuccessRate — доля COMPLETED среди завершившихся задач
	// (COMPLETED + FAILED). Задачи в работе и карантине не учитываются.
	SuccessRate float64 `json:"success_rate"`

	Stages   map[string]StageStats `json:"stages"`
	Accounts []AccountUsage        `json:"accounts"`
	Failures []Failure             `json:"failures"`
}

// StageStats — статистика длительности стадии по завершённым интервалам.
type StageStats struct {
	Count   int     `json:"count"`
	MeanSec float64 `json:"mean_sec"`
	P50Sec  float64 `json:"p50_sec"`
	P95Sec  float64 `json:"p95_sec"`
}

// AccountUsage — использование аккаунта.
type AccountUsage struct {
	ID          string `json:"id"`
	DailyUsed   int    `json:"daily_used"`
	DailyLimit  int    `json:"daily_limit"`
	ActiveCount int    `json:"active_count"`
	Status      string `json:"status"`
}

// Failure — задача, требующая внимания оператора.
// TaskID — готовый аргумент для команды retry.
type Failure struct {
	TaskID    string `json:"task_id"`
	InputRef  string `json:"input_ref"`
	State     string `json:"state"`
	Stage     string `json:"stage"`
	Attempt   int    `json:"attempt"`
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error"`
}

// Build строит сводку по задачам и аккаунтам.
func Build(tasks []domain.Task, accs []domain.Account, now time.Time) *Summary {
	s := &Summary{
		GeneratedAt: now,
		Total:       len(tasks),
		States:      make(map[string]int),
		Stages:      make(map[string]StageStats),
	}

	durations := make(map[domain.Stage][]float64)
	completed, failed := 0, 0

	for i := range tasks {
		task := &tasks[i]
		state := task.State()
		s.States[state]++

		switch {
		case state == "COMPLETED":
			completed++
		case task.Status == domain.StatusFailed:
			failed++
		}

		for stage, sec := range task.StageDurations {
			durations[stage] = append(durations[stage], sec)
		}

		if task.Status == domain.StatusFailed || task.Status == domain.StatusNeedsIntervention {
			s.Failures = append(s.Failures, Failure{
				TaskID:    task.ID,
				InputRef:  task.InputRef,
				State:     state,
				Stage:     string(task.Stage),
				Attempt:   task.Attempt(task.Stage),
				ErrorKind: string(task.ErrorKind),
				Error:     task.ErrorMessage,
			})
		}
	}

	if completed+failed > 0 {
		s.SuccessRate = float64(completed) / float64(completed+failed)
	}

	for stage, secs := range durations {
		s.Stages[string(stage)] = stageStats(secs)
	}

	sort.Slice(s.Failures, func(i, j int) bool {
		return s.Failures[i].TaskID < s.Failures[j].TaskID
	})

	for _, acc := range accs {
		s.Accounts = append(s.Accounts, AccountUsage{
			ID:          acc.ID,
			DailyUsed:   acc.DailyUsed,
			DailyLimit:  acc.DailyLimit,
			ActiveCount: acc.ActiveCount,
			Status:      string(acc.Status),
		})
	}
	sort.Slice(s.Accounts, func(i, j int) bool {
		return s.Accounts[i].ID < s.Accounts[j].ID
	})

	return s
}

// stageStats считает mean/p50/p95 по выборке длительностей.
func stageStats(secs []float64) StageStats {
	sorted := append([]float64(nil), secs...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return StageStats{
		Count:   len(sorted),
		MeanSec: round2(sum / float64(len(sorted))),
		P50Sec:  round2(percentile(sorted, 0.50)),
		P95Sec:  round2(percentile(sorted, 0.95)),
	}
}

// percentile возвращает p-квантиль отсортированной выборки
// (метод ближайшего ранга).
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
