// Package cmd defines the CLI commands for the nextscan executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/app"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/config"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/logging"
)

// appKeyType is the key for storing the Runner in the context.
type appKeyType string

const appKey appKeyType = "app"

// Runner is what subcommands drive. *app.App satisfies it; tests inject fakes.
type Runner interface {
	RunID() string
	RunProcess(ctx context.Context, opts app.ProcessOptions) (app.Result, error)
	RunSearch(ctx context.Context, opts app.SearchOptions) (app.Result, error)
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.Build(ctx, cfg, logger)
}

// newRootCmd creates the root command. v receives flag bindings from the
// subcommands and is the Viper instance configuration is loaded into.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "nextscan",
		Short: "Find Next.js sites in web archive segments.",
		Long: `nextscan samples WARC segments from a web archive, decodes their HTML
captures and scores each one against Next.js fingerprints. It runs for hours
unattended, retrying through proxies and checkpointing failures for resume.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				OutputPaths: cfg.Logging.OutputPaths,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			runner, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, runner))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if runner, ok := cmd.Context().Value(appKey).(Runner); ok && runner != nil {
				runner.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newProcessCmd(v))
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func resolveRunner(ctx context.Context) (Runner, error) {
	runner, ok := ctx.Value(appKey).(Runner)
	if !ok || runner == nil {
		return nil, errors.New("application services not initialized")
	}
	return runner, nil
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(viper.New()).ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Fatal("command execution failed", zap.Error(err))
	}
}
