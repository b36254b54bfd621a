package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/learnpath/learnsync/internal/offline/connectivity"
	"github.com/learnpath/learnsync/internal/offline/queue"
	syncpkg "github.com/learnpath/learnsync/internal/offline/sync"
	"github.com/learnpath/learnsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay the queue against the backend now",
	Long: `Drain the sync queue once and report what happened.

Connectivity is read once from the flag file or the probe URL. When the
backend is unreachable nothing is sent and the queue is left untouched.
Use --force to skip the check and attempt delivery anyway.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		jsonOut, _ := cmd.Flags().GetBool("json")
		ctx := context.Background()

		a, err := openApp(ctx, nil)
		exitOnError("starting engine", err)
		defer a.Close()

		online := true
		if !force {
			online, err = detectOnline(ctx, a.monitor)
			exitOnError("checking connectivity", err)
		}
		a.monitor.Set(online)

		if !jsonOut {
			fmt.Printf("%s Draining queue...\n", ui.RenderAccent("🔄"))
		}
		start := time.Now()
		report, err := a.orch.Drain(ctx)
		exitOnError("during sync", err)

		if jsonOut {
			printJSON(report)
			return
		}

		switch {
		case report.Offline:
			fmt.Printf("%s Backend unreachable, nothing sent\n", ui.RenderWarn("⚠"))
		case report.Failed > 0 || report.DeadLettered > 0:
			fmt.Printf("%s Sync finished with errors in %v\n", ui.RenderWarn("⚠"), time.Since(start).Round(time.Millisecond))
		default:
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		}
		fmt.Printf("   %s\n", ui.Report(report))
		for _, e := range report.Errors {
			marker := ui.RenderWarn("retry")
			if e.DeadLettered {
				marker = ui.RenderFail("dead")
			}
			fmt.Printf("   #%d %s [%s] %s\n", e.ID, e.Kind, marker, e.Error)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity and queue status",
	Long: `Display the current status of the local store and sync queue.

Shows:
  - Whether the backend is reachable
  - Pending and dead-lettered item counts
  - Store file location and size`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOut, _ := cmd.Flags().GetBool("json")
		ctx := context.Background()

		store, err := openStore(ctx)
		exitOnError("opening store", err)
		defer store.Close()
		q := queue.New(store)

		online, err := detectOnline(ctx, connectivity.NewMonitor(false, logger))
		exitOnError("checking connectivity", err)

		// A one-shot process never has a drain in flight or a previous
		// report; the daemon's /api/v1/status has both.
		st := syncpkg.Status{Online: online, State: syncpkg.StateIdle}
		st.Pending, err = q.Len(ctx)
		exitOnError("reading status", err)
		st.DeadLetters, err = q.DeadLetterLen(ctx)
		exitOnError("reading status", err)

		if jsonOut {
			printJSON(st)
			return
		}

		fmt.Print(ui.Status(st))
		if info, err := os.Stat(store.Path()); err == nil {
			fmt.Printf("Store:        %s (%s)\n", store.Path(), ui.Size(info.Size()))
		}
	},
}

func init() {
	syncCmd.Flags().Bool("force", false, "attempt delivery without checking connectivity")
	syncCmd.Flags().Bool("json", false, "print the drain report as JSON")
	statusCmd.Flags().Bool("json", false, "print status as JSON")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
