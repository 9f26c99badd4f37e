package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"nodeframe/internal/view"
)

var (
	viewFrameTypes []string
	viewMaxFrames  int
	viewOrdering   string
	viewParent     bool
	viewSiblings   bool
)

var viewCmd = &cobra.Command{
	Use:   "view <path>",
	Short: "Print the composed frame context for a node",
	Long: `Selects frames for the node at <path> according to a ContextView
policy (ordering, max frames, type/agent filters) and prints their
combined text, the same selection View & Composition performs when
building a prompt's content payload.`,
	Args: cobra.ExactArgs(1),
	RunE: runView,
}

func init() {
	viewCmd.Flags().StringSliceVar(&viewFrameTypes, "frame-type", nil, "Restrict to these frame types (default: every type with an active head)")
	viewCmd.Flags().IntVar(&viewMaxFrames, "max-frames", 0, "Maximum frames to include (0 = unbounded)")
	viewCmd.Flags().StringVar(&viewOrdering, "order", "recency", "Ordering: recency, type, agent")
	viewCmd.Flags().BoolVar(&viewParent, "parent", false, "Broaden selection to include the parent directory")
	viewCmd.Flags().BoolVar(&viewSiblings, "siblings", false, "Broaden selection to include sibling nodes")
}

func runView(cmd *cobra.Command, args []string) error {
	target, err := resolveTarget(args[0])
	if err != nil {
		return err
	}

	sources := []view.Source{{Kind: view.SourceCurrentNode}}
	if viewParent {
		sources = append(sources, view.Source{Kind: view.SourceParentDirectory})
	}
	if viewSiblings {
		sources = append(sources, view.Source{Kind: view.SourceSiblings})
	}

	cv := view.ContextView{MaxFrames: viewMaxFrames, Ordering: parseOrdering(viewOrdering)}
	frames, err := eng.View.Select(target, cv, sources, viewFrameTypes)
	if err != nil {
		return fmt.Errorf("view: %w", err)
	}

	if len(frames) == 0 {
		fmt.Println("no frames found")
		return nil
	}
	fmt.Println(view.CombinedText(frames, "\n---\n"))
	return nil
}

func parseOrdering(s string) view.Ordering {
	switch strings.ToLower(s) {
	case "type":
		return view.OrderTypeOrder
	case "agent":
		return view.OrderAgentOrder
	case "relevance":
		return view.OrderRelevance
	default:
		return view.OrderRecency
	}
}
