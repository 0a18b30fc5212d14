package cli

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/avelkov/dancemill/internal/config"
	"github.com/avelkov/dancemill/internal/repo"
)

// NewRootCmd создаёт корневую команду dancemill.
func NewRootCmd(version string) *cobra.Command {
	var configPath string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "dancemill",
		Short:         "dancemill — batch video processing pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "dancemill.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	cfgFn := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, Exitf(ExitFatal, err.Error())
		}
		return cfg, nil
	}
	outputFn := func() *Output { return NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		NewEnqueueCmd(cfgFn, outputFn),
		NewRunCmd(cfgFn, outputFn),
		NewStatusCmd(cfgFn, outputFn),
		NewRetryCmd(cfgFn, outputFn),
		NewReportCmd(cfgFn, outputFn),
	)

	return rootCmd
}

// openPool подключается к Postgres и применяет схему.
func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, Exitf(ExitFatal, fmt.Sprintf("connect to database: %v", err))
	}
	if err := repo.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, Exitf(ExitFatal, fmt.Sprintf("apply schema: %v", err))
	}
	return pool, nil
}
