// Package main implements the nodeframe CLI - a workspace-scoped
// engine for generating and maintaining hierarchical LLM-authored
// summaries over a codebase.
//
// This file is the entry point and command registration hub; the
// actual subcommands are split across cmd_*.go files.
//
// # File Index
//
//   - main.go          - entry point, rootCmd, global flags, engine bootstrap
//   - cmd_scan.go      - scanCmd, validateCmd
//   - cmd_generate.go  - generateCmd, batchCmd
//   - cmd_lifecycle.go - deleteCmd, restoreCmd, compactCmd, listDeletedCmd
//   - cmd_view.go      - viewCmd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nodeframe/internal/config"
	"nodeframe/internal/engine"
)

var (
	warnColor = color.New(color.FgYellow).SprintFunc()
	errColor  = color.New(color.FgRed).SprintFunc()
	okColor   = color.New(color.FgGreen).SprintFunc()
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Logger, CLI-facing (separate from internal/logging's file telemetry)
	logger *zap.Logger

	// eng is the one Engine the running command drives. Built in
	// PersistentPreRunE, closed in PersistentPostRun.
	eng *engine.Engine
)

var rootCmd = &cobra.Command{
	Use:   "nodeframe",
	Short: "nodeframe - hierarchical per-file LLM summaries over a workspace",
	Long: `nodeframe walks a workspace, builds a content-addressed tree of
nodes, and drives LLM agents to produce and roll up frames (summaries,
and similar per-node artifacts) bottom-up: every file first, then every
directory synthesized from its children once they're present.

Run "nodeframe scan" once to index a workspace, then "nodeframe
generate" to produce frames for a node or the whole tree.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("build cli logger: %w", err)
		}

		root, err := resolveWorkspace()
		if err != nil {
			return err
		}

		cfg, err := loadConfig(root)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		cmd.SetContext(ctx)
		cancelOnSignal(cancel)

		eng, err = engine.Open(ctx, root, cfg)
		if err != nil {
			cancel()
			return fmt.Errorf("open engine: %w", err)
		}
		eng.Start(ctx)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if eng != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := eng.Close(ctx); err != nil {
				logger.Warn("engine did not close cleanly", zap.Error(err))
			}
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// resolveWorkspace turns --workspace (or the cwd) into an absolute path.
func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		return cwd, nil
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", fmt.Errorf("resolve workspace %q: %w", ws, err)
	}
	return abs, nil
}

// loadConfig reads nodeframe.yaml from the workspace root (or
// --config if given), falling back to defaults when no file exists.
func loadConfig(root string) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(root, "nodeframe.yaml")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// cancelOnSignal cancels ctx (via the given cancel func) on SIGINT/SIGTERM
// so a long scan or generation run stops cleanly instead of leaving the
// on-disk stores mid-write.
func cancelOnSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, color.YellowString("\nnodeframe: cancelling..."))
		cancel()
	}()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to nodeframe.yaml (default: <workspace>/nodeframe.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "Operation timeout")

	rootCmd.AddCommand(
		scanCmd,
		validateCmd,
		generateCmd,
		batchCmd,
		deleteCmd,
		restoreCmd,
		compactCmd,
		listDeletedCmd,
		viewCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}
