// Command retrospect drives the analysis pipeline from a terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"retrospect-backend/internal/bootstrap"
	"retrospect-backend/internal/shared/config"
)

var v = config.New()

var rootCmd = &cobra.Command{
	Use:           "retrospect",
	Short:         "Run and inspect retrospective analyses of AI coding sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("database-url", "", "Postgres connection string (empty keeps state in memory)")
	flags.String("sessions-db", "", "Path to the SQLite transcript store")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("model", "", "LLM model id")
	flags.Int("concurrency", 0, "Maximum analyses run at once")
	mustBind(v, map[string]string{
		"DATABASE_URL":             "database-url",
		"SESSIONS_DB_PATH":         "sessions-db",
		"LOG_LEVEL":                "log-level",
		"LLM_MODEL":                "model",
		"ANALYSIS_MAX_CONCURRENCY": "concurrency",
	}, rootCmd)

	rootCmd.AddCommand(analyzeCmd, statusCmd, resultCmd, cancelCmd, retryCmd, reconcileCmd, promptCmd, templatesCmd, listCmd)
}

// mustBind maps config keys onto flags of cmd so flags override env.
func mustBind(v *viper.Viper, keys map[string]string, cmd *cobra.Command) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind %s: %v", flag, err))
		}
	}
}

// withApp builds the application graph for one command and tears it down afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("error: ")+err.Error())
		os.Exit(1)
	}
}
