package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/learnpath/learnsync/internal/metrics"
	"github.com/learnpath/learnsync/internal/offline/intercept"
	"github.com/learnpath/learnsync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "data",
	Short:   "Manage the offline page cache",
	Long: `Manage cached app pages served by the caching proxy.

Pages are stored per generation. "install" fetches the shell routes into the
configured generation, and "activate" makes it current by discarding every
older generation.`,
}

var cacheInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Fetch the shell routes and offline page into the cache",
	Run: func(cmd *cobra.Command, args []string) {
		activate, _ := cmd.Flags().GetBool("activate")
		ctx := context.Background()

		icpt, closeStore := openInterceptor(ctx)
		defer closeStore()

		m := icpt.Manifest()
		fmt.Printf("%s Installing %d routes from %s into generation %s...\n",
			ui.RenderAccent("⬇"), len(m.Routes()), m.Origin, m.Generation)
		exitOnError("installing cache", icpt.Install(ctx))
		fmt.Printf("%s Installed\n", ui.RenderPass("✓"))

		if activate {
			removed, err := icpt.Activate(ctx)
			exitOnError("activating cache", err)
			fmt.Printf("%s Activated %s, removed %d stale entries\n", ui.RenderPass("✓"), m.Generation, removed)
		}
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Discard every generation except the configured one",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		icpt, closeStore := openInterceptor(ctx)
		defer closeStore()

		removed, err := icpt.Activate(ctx)
		exitOnError("activating cache", err)
		fmt.Printf("%s Activated %s, removed %d stale entries\n",
			ui.RenderPass("✓"), icpt.Manifest().Generation, removed)
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached generations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		icpt, closeStore := openInterceptor(ctx)
		defer closeStore()

		gens, err := icpt.Cache().Generations(ctx)
		exitOnError("listing generations", err)
		if len(gens) == 0 {
			fmt.Println(ui.RenderMuted("cache is empty"))
			return
		}
		current := icpt.Manifest().Generation
		for _, g := range gens {
			marker := " "
			if g == current {
				marker = ui.RenderPass("*")
			}
			fmt.Printf("%s %s\n", marker, g)
		}
	},
}

func openInterceptor(ctx context.Context) (*intercept.Interceptor, func()) {
	store, err := openStore(ctx)
	exitOnError("opening store", err)
	icpt, err := newInterceptor(store, metrics.New(nil))
	if err != nil {
		store.Close()
		exitOnError("configuring cache", err)
	}
	return icpt, func() { _ = store.Close() }
}

func init() {
	cacheInstallCmd.Flags().Bool("activate", false, "activate the generation after installing")

	cacheCmd.AddCommand(cacheInstallCmd)
	cacheCmd.AddCommand(cacheActivateCmd)
	cacheCmd.AddCommand(cacheListCmd)
	rootCmd.AddCommand(cacheCmd)
}
