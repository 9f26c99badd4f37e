// Package logging provides config-driven, categorized structured logging
// for nodeframe. Every category gets its own *zap.SugaredLogger, enabled
// or silenced independently via config.LoggingConfig, the same shape
// codenerd's internal/logging used for its hand-rolled category loggers —
// backed here by go.uber.org/zap, already a teacher dependency
// (cmd/nerd/main.go), instead of a bespoke file logger.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one of nodeframe's components. Loggers are scoped by
// category so a deployment can enable verbose output for, say, genqueue
// without drowning in nodestore chatter.
type Category string

const (
	CategoryHashing      Category = "hashing"
	CategoryCAS          Category = "cas"
	CategoryMetadata     Category = "metadata"
	CategoryNodeStore    Category = "nodestore"
	CategoryFrameStore   Category = "framestore"
	CategoryHeadIndex    Category = "headindex"
	CategoryBasisIndex   Category = "basisindex"
	CategoryIgnore       Category = "ignore"
	CategoryTreeBuilder  Category = "treebuilder"
	CategoryLifecycle    Category = "lifecycle"
	CategoryView         Category = "view"
	CategoryGenQueue     Category = "genqueue"
	CategoryOrchestrator Category = "orchestrator"
	CategoryWriteBound   Category = "writeboundary"
	CategoryProvider     Category = "provider"
	CategoryAgents       Category = "agents"
	CategoryWorkflow     Category = "workflow"
	CategoryEngine       Category = "engine"
	CategoryCLI          Category = "cli"
)

// Config mirrors the logging section of config.Config (internal/config),
// kept separate to avoid an import cycle.
type Config struct {
	DebugMode  bool
	Level      string // debug|info|warn|error
	JSONFormat bool
	Categories map[string]bool // nil/absent => all enabled
}

var (
	mu         sync.RWMutex
	cfg        Config
	configured bool
	base       *zap.Logger
	loggers    = make(map[Category]*zap.SugaredLogger)
)

// Configure installs the active logging configuration. Must be called
// once at startup (internal/engine does this from the loaded
// config.Config); Get returns no-op loggers until then.
func Configure(c Config) error {
	mu.Lock()
	defer mu.Unlock()

	cfg = c
	loggers = make(map[Category]*zap.SugaredLogger)

	if !c.DebugMode {
		configured = true
		base = zap.NewNop()
		return nil
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(levelFor(c.Level))
	if !c.JSONFormat {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	built, err := zc.Build()
	if err != nil {
		return fmt.Errorf("logging: build zap logger: %w", err)
	}
	base = built
	configured = true
	return nil
}

func levelFor(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func categoryEnabled(c Category) bool {
	if cfg.Categories == nil {
		return true
	}
	enabled, known := cfg.Categories[string(c)]
	if !known {
		return true
	}
	return enabled
}

// Get returns the logger for category, creating it on first use. Before
// Configure is called, or when the category is disabled, it returns a
// no-op logger so callers never need a nil check.
func Get(c Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}

	var l *zap.SugaredLogger
	if !configured || base == nil || !categoryEnabled(c) {
		l = zap.NewNop().Sugar()
	} else {
		l = base.Sugar().Named(string(c))
	}
	loggers[c] = l
	return l
}

// Sync flushes every category logger. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
}

// Timer measures and logs the duration of an operation against a
// category, mirroring codenerd's logging.StartTimer/Stop idiom.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation scoped to category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the elapsed duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debugw(t.op+" completed", "elapsed", elapsed)
	return elapsed
}

// StopWithThreshold logs a warning instead of a debug line when elapsed
// exceeds threshold, for operations that sometimes run long.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warnw(t.op+" exceeded threshold", "elapsed", elapsed, "threshold", threshold)
	} else {
		Get(t.category).Debugw(t.op+" completed", "elapsed", elapsed)
	}
	return elapsed
}
