package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/learnpath/learnsync/internal/offline/migrate"
	"github.com/learnpath/learnsync/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <bundle.jsonl>...",
	GroupID: "data",
	Short:   "Load content bundles into the local store",
	Long: `Import JSONL content bundles so lessons are available offline.

Each line is {"collection": "...", "record": {...}} where collection is one
of subjects, courses, lessons or progress. Courses may carry their lessons
inline. Bad lines are reported and skipped; the rest are imported.

Example usage:
  learnsync import content.jsonl
  learnsync import --dry-run content.jsonl`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := context.Background()

		store, err := openStore(ctx)
		exitOnError("opening store", err)
		defer store.Close()

		hadErrors := false
		for _, path := range args {
			start := time.Now()
			result, err := migrate.Import(ctx, store, migrate.Options{Path: path, DryRun: dryRun})
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), path, err)
				hadErrors = true
				continue
			}

			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Printf("%s %s %d records from %s in %v\n",
				ui.RenderPass("✓"), verb, result.Imported(), path, time.Since(start).Round(time.Millisecond))
			fmt.Printf("   Subjects: %d\n", result.Subjects)
			fmt.Printf("   Courses: %d\n", result.Courses)
			fmt.Printf("   Lessons: %d\n", result.Lessons)
			fmt.Printf("   Progress: %d\n", result.Progress)

			if len(result.Errors) > 0 {
				hadErrors = true
				fmt.Printf("%s %d lines skipped:\n", ui.RenderWarn("⚠"), len(result.Errors))
				for _, e := range result.Errors {
					fmt.Printf("   %s\n", e)
				}
			}
		}
		if hadErrors {
			os.Exit(1)
		}
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "validate without writing")
	rootCmd.AddCommand(importCmd)
}
