package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nodeframe/internal/lifecycle"
)

var (
	deleteDryRun  bool
	deleteNoIgnore bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Tombstone a node and its descendants",
	Long: `Tombstones the node at <path> and every descendant. Unless
--no-ignore, the path is also appended to the per-workspace ignore
list so a later scan doesn't resurrect it.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <path>",
	Short: "Clear the tombstone on a node and its descendants",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var (
	compactTTL        time.Duration
	compactAll        bool
	compactKeepFrames bool
	compactDryRun     bool
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Purge tombstoned nodes past their retention TTL",
	RunE:  runCompact,
}

var listDeletedOlderThan time.Duration

var listDeletedCmd = &cobra.Command{
	Use:   "list-deleted",
	Short: "List tombstoned nodes",
	RunE:  runListDeleted,
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteDryRun, "dry-run", false, "Report what would be tombstoned without committing")
	deleteCmd.Flags().BoolVar(&deleteNoIgnore, "no-ignore", false, "Don't append the path to the ignore list")

	compactCmd.Flags().DurationVar(&compactTTL, "ttl", 0, "Override the default 90-day retention TTL")
	compactCmd.Flags().BoolVar(&compactAll, "all", false, "Purge every tombstoned node regardless of age")
	compactCmd.Flags().BoolVar(&compactKeepFrames, "keep-frames", false, "Purge node records but keep their frame blobs")
	compactCmd.Flags().BoolVar(&compactDryRun, "dry-run", false, "Report what would be purged without committing")

	listDeletedCmd.Flags().DurationVar(&listDeletedOlderThan, "older-than", 0, "Only list nodes tombstoned at least this long ago")
}

func runDelete(cmd *cobra.Command, args []string) error {
	target, err := resolveTarget(args[0])
	if err != nil {
		return err
	}
	result, err := eng.Lifecycle.Delete(target, deleteDryRun, deleteNoIgnore)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	verb := "tombstoned"
	if deleteDryRun {
		verb = "would tombstone"
	}
	fmt.Printf("%s %d node(s)\n", verb, result.TombstonedCount)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	target, err := resolveTarget(args[0])
	if err != nil {
		return err
	}
	if err := eng.Lifecycle.Restore(target); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	fmt.Println(okColor("restored"), args[0])
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	var ttlSeconds *uint64
	if cmd.Flags().Changed("ttl") {
		v := uint64(compactTTL.Seconds())
		ttlSeconds = &v
	}
	result, err := eng.Lifecycle.Compact(lifecycle.CompactOptions{
		TTLSeconds: ttlSeconds,
		All:        compactAll,
		KeepFrames: compactKeepFrames,
		DryRun:     compactDryRun,
	})
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	verb := "purged"
	if compactDryRun {
		verb = "would purge"
	}
	fmt.Printf("%s %d node(s), %d frame(s)\n", verb, result.NodesPurged, result.FramesPurged)
	return nil
}

func runListDeleted(cmd *cobra.Command, args []string) error {
	var olderThan uint64
	if listDeletedOlderThan > 0 {
		olderThan = uint64(time.Now().Add(-listDeletedOlderThan).Unix())
	}
	entries, err := eng.Lifecycle.ListDeleted(olderThan)
	if err != nil {
		return fmt.Errorf("list-deleted: %w", err)
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\ttombstoned %s\n", e.NodeID, e.Path, time.Unix(int64(e.TombstonedAt), 0).Format(time.RFC3339))
	}
	fmt.Printf("%d tombstoned node(s)\n", len(entries))
	return nil
}
