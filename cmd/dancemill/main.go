// dancemill — batch-конвейер обработки танцевальных видео.
//
// Использование:
//
//	dancemill [--config PATH] [--json] <command> [flags]
//
// Команды:
//
//	enqueue  Поставить каталог видео в очередь
//	run      Запустить конвейер до завершения всех задач
//	status   Состояние задач и журналы
//	retry    Вернуть FAILED задачи в очередь
//	report   Сводка прогона
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/avelkov/dancemill/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := cli.NewRootCmd(version)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Msg != "" {
				fmt.Fprintln(os.Stderr, "Error:", exitErr.Msg)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
