package cmd

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/app"
	"github.com/JakeFAU/warc-nextjs-scanner/internal/config"
)

type fakeRunner struct {
	cfg        config.Config
	process    app.ProcessOptions
	search     app.SearchOptions
	processErr error
	closed     bool
}

func (f *fakeRunner) RunID() string { return "run-test" }

func (f *fakeRunner) RunProcess(_ context.Context, opts app.ProcessOptions) (app.Result, error) {
	f.process = opts
	return app.Result{RunID: "run-test"}, f.processErr
}

func (f *fakeRunner) RunSearch(_ context.Context, opts app.SearchOptions) (app.Result, error) {
	f.search = opts
	return app.Result{RunID: "run-test"}, nil
}

func (f *fakeRunner) Close() { f.closed = true }

// execute runs the CLI with a fake application. Not parallel: newApp is
// package state.
func execute(t *testing.T, runner *fakeRunner, args ...string) (string, error) {
	t.Helper()
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (Runner, error) {
		runner.cfg = cfg
		return runner, nil
	}

	root := newRootCmd(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProcessBindsFlagsToConfig(t *testing.T) {
	runner := &fakeRunner{}
	_, err := execute(t, runner, "process",
		"--work-list", "segments.txt",
		"--workers", "3",
		"--limit", "10",
		"--sample-size", "4096",
		"--resume-from", "failed.json",
		"--output-name", "nightly",
	)
	require.NoError(t, err)

	assert.Equal(t, "segments.txt", runner.cfg.Crawler.WorkList)
	assert.Equal(t, 3, runner.cfg.Crawler.Workers)
	assert.Equal(t, 10, runner.cfg.Crawler.Limit)
	assert.Equal(t, int64(4096), runner.cfg.Crawler.SampleSizeBytes)
	assert.Equal(t, app.ProcessOptions{ResumeFrom: "failed.json", OutputName: "nightly"}, runner.process)
	assert.True(t, runner.closed)
}

func TestProcessDefaultsComeFromConfig(t *testing.T) {
	runner := &fakeRunner{}
	_, err := execute(t, runner, "process", "--work-list", "segments.txt")
	require.NoError(t, err)
	assert.Equal(t, 5, runner.cfg.Crawler.Workers)
	assert.Equal(t, int64(10*1024*1024), runner.cfg.Crawler.SampleSizeBytes)
}

func TestProcessInterruptedIsNotAnError(t *testing.T) {
	runner := &fakeRunner{processErr: fmt.Errorf("dispatch interrupted: %w", context.Canceled)}
	_, err := execute(t, runner, "process", "--work-list", "segments.txt")
	require.NoError(t, err)
}

func TestProcessPropagatesErrors(t *testing.T) {
	runner := &fakeRunner{processErr: app.ErrNoWorkList}
	_, err := execute(t, runner, "process")
	require.ErrorIs(t, err, app.ErrNoWorkList)
}

func TestSearchFlags(t *testing.T) {
	runner := &fakeRunner{}
	_, err := execute(t, runner, "search", "--pattern", "*.example.com", "--collection", "CC-MAIN-2024-10", "--limit", "50")
	require.NoError(t, err)
	assert.Equal(t, app.SearchOptions{
		Pattern:        "*.example.com",
		Collection:     "CC-MAIN-2024-10",
		MatchType:      "domain",
		Limit:          50,
		LimitPerDomain: 10,
	}, runner.search)
}

func TestSearchDomainsFileFlags(t *testing.T) {
	runner := &fakeRunner{}
	_, err := execute(t, runner, "search", "--domains-file", "domains.txt", "--limit-per-domain", "3")
	require.NoError(t, err)
	assert.Equal(t, "domains.txt", runner.search.DomainsFile)
	assert.Equal(t, 3, runner.search.LimitPerDomain)
	assert.Empty(t, runner.search.Pattern)
}

func TestSearchRequiresPatternOrDomainsFile(t *testing.T) {
	_, err := execute(t, &fakeRunner{}, "search")
	require.ErrorContains(t, err, "at least one of the flags in the group")
}

func TestSearchPatternAndDomainsFileExclusive(t *testing.T) {
	_, err := execute(t, &fakeRunner{}, "search", "--pattern", "*.example.com", "--domains-file", "domains.txt")
	require.ErrorContains(t, err, "none of the others can be")
}

func TestInvalidConfigAbortsBeforeWork(t *testing.T) {
	runner := &fakeRunner{}
	_, err := execute(t, runner, "process", "--workers", "0")
	require.ErrorContains(t, err, "crawler.workers must be > 0")
	assert.Equal(t, app.ProcessOptions{}, runner.process)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, &fakeRunner{}, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "nextscan dev")
}

func TestResolveRunnerWithoutApp(t *testing.T) {
	_, err := resolveRunner(context.Background())
	require.ErrorContains(t, err, "not initialized")
}
