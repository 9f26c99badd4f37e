package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nodeframe/internal/model"
	"nodeframe/internal/orchestrator"
	"nodeframe/internal/progressbus"
)

var (
	genAgentID   string
	genFrameType string
	genRecursive bool
	genForce     bool
	genAsync     bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <path>",
	Short: "Generate a frame for a node (and optionally its descendants)",
	Long: `Builds a generation plan for the node at <path> (workspace-relative),
submits it to the Generation Orchestrator, and waits for completion in
the default synchronous mode. With --recursive, every descendant is
generated first (deepest first) so directory frames can synthesize
from their children's just-produced frames.`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

var batchCmd = &cobra.Command{
	Use:   "batch <path> [<path>...]",
	Short: "Generate the same frame type for multiple nodes",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBatch,
}

func init() {
	for _, c := range []*cobra.Command{generateCmd, batchCmd} {
		c.Flags().StringVar(&genAgentID, "agent", "writer", "Agent identity to generate as")
		c.Flags().StringVar(&genFrameType, "frame-type", "summary", "Frame type to produce")
		c.Flags().BoolVarP(&genRecursive, "recursive", "r", false, "Generate every descendant first, deepest first")
		c.Flags().BoolVarP(&genForce, "force", "f", false, "Skip the missing-descendant-context preflight")
		c.Flags().BoolVar(&genAsync, "async", false, "Submit every level up front instead of waiting level-by-level")
	}
}

func resolveTarget(path string) (model.NodeID, error) {
	rec, err := eng.Nodes.FindByPath(path)
	if err != nil {
		return model.NodeID{}, fmt.Errorf("resolve %q: %w", path, err)
	}
	return rec.NodeID, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	target, err := resolveTarget(args[0])
	if err != nil {
		return err
	}

	unsub := subscribeProgress()
	defer unsub()

	mode := orchestrator.ModeSync
	if genAsync {
		mode = orchestrator.ModeAsync
	}

	result, err := eng.Orchestrator.Execute(cmd.Context(), orchestrator.GenerationPlan{
		Target:    target,
		AgentID:   genAgentID,
		FrameType: genFrameType,
		Recursive: genRecursive,
		Force:     genForce,
		Mode:      mode,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	failed := 0
	for _, t := range result.Tickets {
		if !genAsync {
			if err := t.Err(); err != nil {
				fmt.Println(errColor("failed:"), err)
				failed++
			}
		}
	}

	fmt.Printf("%s submitted %d frame(s) across %d level(s)\n", okColor("done:"), len(result.Tickets), result.Levels)
	if failed > 0 {
		return fmt.Errorf("generate: %d node(s) failed", failed)
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	unsub := subscribeProgress()
	defer unsub()

	var failed int
	for _, p := range args {
		target, err := resolveTarget(p)
		if err != nil {
			fmt.Println(errColor("failed:"), err)
			failed++
			continue
		}
		_, err = eng.Orchestrator.Execute(cmd.Context(), orchestrator.GenerationPlan{
			Target:    target,
			AgentID:   genAgentID,
			FrameType: genFrameType,
			Recursive: genRecursive,
			Force:     genForce,
			Mode:      orchestrator.ModeSync,
		})
		if err != nil {
			fmt.Println(errColor("failed:"), p, err)
			failed++
			continue
		}
		fmt.Println(okColor("done:"), p)
	}
	if failed > 0 {
		return fmt.Errorf("batch: %d of %d node(s) failed", failed, len(args))
	}
	return nil
}

// subscribeProgress prints one line per progressbus.Event while a
// generation runs, and returns the unsubscribe func to defer.
func subscribeProgress() func() {
	events, unsub := eng.Progress.Subscribe(64)
	go func() {
		for ev := range events {
			if ev.Phase == progressbus.PhaseRunning {
				continue
			}
			fmt.Printf("  [%d/%d] %s %s\n", ev.Level+1, ev.Total, ev.Phase, ev.NodeID)
		}
	}()
	return unsub
}
