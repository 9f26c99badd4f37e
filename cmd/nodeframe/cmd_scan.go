package main

import (
	"fmt"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"nodeframe/internal/treebuilder"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Index the workspace into the node store",
	Long: `Walks the workspace (honoring .gitignore and the per-workspace
ignore list), hashes every file, and commits the resulting tree of
nodes to the node store. Safe to re-run: unchanged files are served
from the scan cache instead of being re-hashed.`,
	RunE: runScan,
}

// barSink adapts a schollz/progressbar/v3 bar to treebuilder.ProgressSink,
// the same adaptation codenerd's direct-action commands do for their own
// long-running operations.
type barSink struct {
	bar *progressbar.ProgressBar
}

func (s *barSink) EstimateTotal(n int) {
	s.bar.ChangeMax(n)
}

func (s *barSink) FileDone(path string) {
	s.bar.Describe(truncatePath(path, 40))
	_ = s.bar.Add(1)
}

func truncatePath(p string, max int) string {
	if len(p) <= max {
		return p
	}
	return "..." + p[len(p)-max+3:]
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cachePath := filepath.Join(eng.DataDir, "scan_cache")
	cache := treebuilder.LoadFileCache(cachePath)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("scanning"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	result, err := eng.Lifecycle.Scan(ctx, cache, &barSink{bar: bar})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	bar.Finish()

	if err := cache.Save(); err != nil {
		logger.Sugar().Warnw("failed to persist scan cache", "err", err)
	}

	fmt.Printf("scanned %d node(s), root %s\n", result.NodesTotal, result.RootID)
	return nil
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check structural integrity of the node/head/basis stores",
	Long: `Verifies every directory child reference resolves, every active
head references an existing frame, and each such frame's basis node
resolves (a missing one is reported as a warning). Prints errors and
warnings found; exits non-zero if any errors were found.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	report, err := eng.Lifecycle.Validate()
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	for k, v := range report.Metrics {
		fmt.Printf("%s: %d\n", k, v)
	}
	for _, w := range report.Warnings {
		fmt.Println(warnColor("warning:"), w)
	}
	for _, e := range report.Errors {
		fmt.Println(errColor("error:"), e)
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("validate: %d integrity error(s) found", len(report.Errors))
	}
	return nil
}
