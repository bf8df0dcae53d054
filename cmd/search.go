package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/app"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/search"
)

// newSearchCmd creates the 'search' subcommand.
func newSearchCmd() *cobra.Command {
	var opts app.SearchOptions
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Scan the captures an index query returns",
		Long: `Queries the capture index for a URL pattern, or for each domain listed in
--domains-file, fetches each matching record's exact byte range and reports
one Next.js finding per domain.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := resolveRunner(cmd.Context())
			if err != nil {
				return err
			}
			res, err := runner.RunSearch(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			zap.L().Info("search command finished",
				zap.String("pattern", opts.Pattern),
				zap.String("domains_file", opts.DomainsFile),
				zap.Int("sites", len(res.Findings)),
				zap.String("report", res.Report.JSON),
			)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Pattern, "pattern", "", "URL pattern, e.g. *.example.com")
	f.StringVar(&opts.Collection, "collection", "", "index collection (default: index.collection, else latest)")
	f.StringVar(&opts.MatchType, "match-type", "domain", "index match type: exact, prefix, host or domain")
	f.IntVar(&opts.Limit, "limit", 0, "maximum captures to request from the index (0 = server default)")
	f.StringVar(&opts.OutputName, "output-name", "", "report base name (default nextjs_sites_<timestamp>)")
	f.StringVar(&opts.DomainsFile, "domains-file", "", "file with one domain per line to search individually")
	f.IntVar(&opts.LimitPerDomain, "limit-per-domain", search.DefaultLimitPerDomain, "maximum captures per domain with --domains-file")
	cmd.MarkFlagsOneRequired("pattern", "domains-file")
	cmd.MarkFlagsMutuallyExclusive("pattern", "domains-file")
	return cmd
}
