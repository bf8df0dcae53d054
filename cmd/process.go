package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/app"
)

// processFlags maps flags onto the config keys they override.
var processFlags = map[string]string{
	"work-list":   "crawler.work_list",
	"limit":       "crawler.limit",
	"workers":     "crawler.workers",
	"sample-size": "crawler.sample_size_bytes",
}

// newProcessCmd creates the 'process' subcommand.
func newProcessCmd(v *viper.Viper) *cobra.Command {
	var opts app.ProcessOptions
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Sample every segment of a work list",
		Long: `Fetches the leading bytes of each segment listed in the work list,
decodes its HTML captures and reports the Next.js sites found. Segments that
exhaust their retries are written to a failure report that --resume-from
accepts on a later run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProcess(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.String("work-list", "", "file with one segment path per line")
	f.Int("limit", 0, "process at most this many segments (0 = all)")
	f.Int("workers", 5, "number of concurrent workers")
	f.Int64("sample-size", 10*1024*1024, "bytes to fetch from the start of each segment")
	f.StringVar(&opts.ResumeFrom, "resume-from", "", "failure report (.json) or list (.txt) to retry instead of the work list")
	f.StringVar(&opts.OutputName, "output-name", "", "report base name (default nextjs_sites_<timestamp>)")

	for name, key := range processFlags {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
	return cmd
}

func runProcess(ctx context.Context, opts app.ProcessOptions) error {
	runner, err := resolveRunner(ctx)
	if err != nil {
		return err
	}
	res, err := runner.RunProcess(ctx, opts)
	if errors.Is(err, context.Canceled) {
		zap.L().Warn("processing interrupted, partial results saved",
			zap.Int("findings", len(res.Findings)),
			zap.String("failure_report", res.FailureReport),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}
	zap.L().Info("process command finished",
		zap.Int("findings", len(res.Findings)),
		zap.String("report", res.Report.JSON),
	)
	return nil
}
