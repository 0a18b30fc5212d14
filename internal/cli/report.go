package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/avelkov/dancemill/internal/config"
	"github.com/avelkov/dancemill/internal/repo"
	"github.com/avelkov/dancemill/internal/report"
)

// NewReportCmd создаёт команду report.
func NewReportCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	var batchID string
	var exportPath string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Aggregate pipeline statistics into a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()
			ctx := cmd.Context()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			taskRepo := repo.NewTaskRepo(pool)
			accountRepo := repo.NewAccountRepo(pool)

			tasks, err := taskRepo.List(ctx, repo.Filter{BatchID: batchID})
			if err != nil {
				return err
			}
			accs, err := accountRepo.List(ctx)
			if err != nil {
				return err
			}
			activeCounts, err := taskRepo.CountActiveByAccount(ctx)
			if err != nil {
				return err
			}
			for i := range accs {
				accs[i].ActiveCount = activeCounts[accs[i].ID]
			}

			summary := report.Build(tasks, accs, time.Now())
			summary.BatchID = batchID

			if exportPath != "" {
				data, err := json.MarshalIndent(summary, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(exportPath, data, 0o644); err != nil {
					return fmt.Errorf("export report: %w", err)
				}
				out.Success("Report exported to " + exportPath)
			}

			printSummary(out, summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "Limit the report to one batch")
	cmd.Flags().StringVar(&exportPath, "export", "", "Write the report as JSON to a file")

	return cmd
}

// printSummary выводит сводку таблицами (или одним JSON-документом).
func printSummary(out *Output, s *report.Summary) {
	if out.jsonMode {
		out.JSON(s)
		return
	}

	states := make([]string, 0, len(s.States))
	for state := range s.States {
		states = append(states, state)
	}
	sort.Strings(states)

	rows := make([][]string, len(states))
	for i, state := range states {
		rows[i] = []string{state, strconv.Itoa(s.States[state])}
	}
	out.Table([]string{"STATE", "COUNT"}, rows)
	out.Success(fmt.Sprintf("Total: %d, success rate: %.2f", s.Total, s.SuccessRate))

	if len(s.Stages) > 0 {
		stages := make([]string, 0, len(s.Stages))
		for stage := range s.Stages {
			stages = append(stages, stage)
		}
		sort.Strings(stages)

		rows = rows[:0]
		for _, stage := range stages {
			st := s.Stages[stage]
			rows = append(rows, []string{
				stage,
				strconv.Itoa(st.Count),
				fmt.Sprintf("%.1f", st.MeanSec),
				fmt.Sprintf("%.1f", st.P50Sec),
				fmt.Sprintf("%.1f", st.P95Sec),
			})
		}
		out.Success("")
		out.Table([]string{"STAGE", "SAMPLES", "MEAN_SEC", "P50_SEC", "P95_SEC"}, rows)
	}

	if len(s.Accounts) > 0 {
		rows = rows[:0]
		for _, acc := range s.Accounts {
			rows = append(rows, []string{
				acc.ID,
				fmt.Sprintf("%d/%d", acc.DailyUsed, acc.DailyLimit),
				strconv.Itoa(acc.ActiveCount),
				acc.Status,
			})
		}
		out.Success("")
		out.Table([]string{"ACCOUNT", "DAILY", "ACTIVE", "STATUS"}, rows)
	}

	if len(s.Failures) > 0 {
		rows = rows[:0]
		for _, f := range s.Failures {
			rows = append(rows, []string{f.TaskID, f.State, f.ErrorKind, f.Error})
		}
		out.Success("")
		out.Table([]string{"TASK_ID", "STATE", "ERROR_KIND", "ERROR"}, rows)
		out.Success("Retry with: dancemill retry <TASK_ID> (or --all-failed)")
	}
}
