package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/learnpath/learnsync/internal/offline/loadtest"
	"github.com/learnpath/learnsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure local store latency under concurrent load",
	Long: `Create a throwaway store, fill it with courses, lessons and progress, and
measure lookup latency while the queue is being appended to.

Modes:
  reads - concurrent index lookups only
  mixed - lookups while one writer enqueues items (default)

Examples:
  learnsync bench
  learnsync bench --readers 16 --writes 5000`,
	Run:  runBench,
	Args: cobra.NoArgs,
}

func init() {
	benchCmd.Flags().Int("courses", 50, "number of courses")
	benchCmd.Flags().Int("lessons", 20, "lessons per course")
	benchCmd.Flags().Int("students", 30, "number of students with progress")
	benchCmd.Flags().Int("readers", 8, "concurrent readers")
	benchCmd.Flags().Int("queries", 200, "queries per reader (reads mode)")
	benchCmd.Flags().Int("writes", 1000, "queue items to enqueue (mixed mode)")
	benchCmd.Flags().String("mode", "mixed", "benchmark mode: reads or mixed")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	courses, _ := cmd.Flags().GetInt("courses")
	lessons, _ := cmd.Flags().GetInt("lessons")
	students, _ := cmd.Flags().GetInt("students")
	readers, _ := cmd.Flags().GetInt("readers")
	queries, _ := cmd.Flags().GetInt("queries")
	writes, _ := cmd.Flags().GetInt("writes")
	mode, _ := cmd.Flags().GetString("mode")

	for name, v := range map[string]int{
		"courses": courses, "lessons": lessons, "students": students,
		"readers": readers, "queries": queries, "writes": writes,
	} {
		if v <= 0 {
			fmt.Fprintf(os.Stderr, "Error: --%s must be positive\n", name)
			os.Exit(1)
		}
	}
	if mode != "reads" && mode != "mixed" {
		fmt.Fprintf(os.Stderr, "Error: --mode must be 'reads' or 'mixed'\n")
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "learnsync-bench-*")
	exitOnError("creating temp dir", err)
	defer os.RemoveAll(dir)

	ctx := context.Background()
	fmt.Printf("%s Creating store: %d courses x %d lessons, %d students\n",
		ui.RenderAccent("⏱"), courses, lessons, students)
	ts, err := loadtest.CreateTestStore(ctx, filepath.Join(dir, "bench.db"), courses, lessons, students)
	exitOnError("creating store", err)
	defer ts.Close()

	switch mode {
	case "reads":
		fmt.Printf("Running %d readers x %d queries...\n\n", readers, queries)
		stats, err := ts.RunConcurrentReads(ctx, readers, queries)
		exitOnError("running reads", err)
		stats.PrintStats(os.Stdout)
	case "mixed":
		fmt.Printf("Running %d readers while enqueueing %d items...\n\n", readers, writes)
		result, err := ts.RunMixed(ctx, readers, writes)
		exitOnError("running mixed load", err)
		fmt.Println(ui.RenderHeader("Reads"))
		result.Reads.PrintStats(os.Stdout)
		fmt.Println()
		fmt.Println(ui.RenderHeader("Enqueues"))
		result.Writes.PrintStats(os.Stdout)
		fmt.Printf("\n%s %d items enqueued in strict id order\n", ui.RenderPass("✓"), result.Enqueued)
	}
}
