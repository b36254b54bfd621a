package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/learnpath/learnsync/internal/offline/queue"
	"github.com/learnpath/learnsync/internal/offline/schema"
	"github.com/learnpath/learnsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "data",
	Short:   "Inspect pending writes",
	Long: `List writes waiting in the sync queue, oldest first.

--since accepts RFC 3339 timestamps, durations ("90m" means 90 minutes ago)
and natural language ("yesterday", "2 hours ago").`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		jsonOut, _ := cmd.Flags().GetBool("json")
		ctx := context.Background()

		q, closeStore := openQueue(ctx)
		defer closeStore()

		var items []schema.SyncItem
		var err error
		if since != "" {
			t, perr := parseSince(since, time.Now())
			exitOnError("parsing --since", perr)
			items, err = q.ListSince(ctx, t)
		} else {
			items, err = q.Snapshot(ctx)
		}
		exitOnError("listing queue", err)

		if jsonOut {
			printJSON(items)
			return
		}
		fmt.Print(ui.Queue(items))
	},
}

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	GroupID: "data",
	Short:   "Manage writes that exhausted their retries",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered writes",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOut, _ := cmd.Flags().GetBool("json")
		ctx := context.Background()

		q, closeStore := openQueue(ctx)
		defer closeStore()

		items, err := q.DeadLetters(ctx)
		exitOnError("listing dead letters", err)
		if jsonOut {
			printJSON(items)
			return
		}
		fmt.Print(ui.DeadLetters(items))
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <id>...",
	Short: "Move dead letters back to the end of the queue",
	Long: `Requeue dead-lettered writes with a fresh attempt count. They are appended
to the end of the queue and replayed on the next drain.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		q, closeStore := openQueue(ctx)
		defer closeStore()

		failed := false
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s invalid id %q\n", ui.RenderFail("✗"), arg)
				failed = true
				continue
			}
			newID, err := q.Requeue(ctx, id)
			switch {
			case err != nil:
				fmt.Fprintf(os.Stderr, "%s #%d: %v\n", ui.RenderFail("✗"), id, err)
				failed = true
			case newID == 0:
				fmt.Fprintf(os.Stderr, "%s #%d: no such dead letter\n", ui.RenderWarn("⚠"), id)
				failed = true
			default:
				fmt.Printf("%s #%d requeued as #%d\n", ui.RenderPass("✓"), id, newID)
			}
		}
		if failed {
			os.Exit(1)
		}
	},
}

var deadLetterPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead letter",
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := context.Background()

		q, closeStore := openQueue(ctx)
		defer closeStore()

		n, err := q.DeadLetterLen(ctx)
		exitOnError("counting dead letters", err)
		if n == 0 {
			fmt.Println(ui.RenderMuted("no dead letters"))
			return
		}

		if !yes {
			ok, err := confirm(fmt.Sprintf("Delete %d dead letters? This cannot be undone.", n))
			exitOnError("confirming", err)
			if !ok {
				fmt.Println("Aborted")
				return
			}
		}

		purged, err := q.PurgeDeadLetters(ctx)
		exitOnError("purging dead letters", err)
		fmt.Printf("%s Purged %d dead letters\n", ui.RenderPass("✓"), purged)
	},
}

// openQueue opens the store without connecting a backend.
func openQueue(ctx context.Context) (*queue.Queue, func()) {
	store, err := openStore(ctx)
	exitOnError("opening store", err)
	return queue.New(store), func() { _ = store.Close() }
}

// confirm asks on a terminal and refuses otherwise.
func confirm(title string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("not a terminal; pass --yes to confirm")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Delete").
		Negative("Cancel").
		Value(&ok).
		Run()
	return ok, err
}

// parseSince resolves a --since value relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func init() {
	queueCmd.Flags().String("since", "", "only items enqueued at or after this time")
	queueCmd.Flags().Bool("json", false, "print items as JSON")

	deadLetterListCmd.Flags().Bool("json", false, "print items as JSON")
	deadLetterPurgeCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterRequeueCmd)
	deadLetterCmd.AddCommand(deadLetterPurgeCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(deadLetterCmd)
}
