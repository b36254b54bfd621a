package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/learnpath/learnsync/internal/offline/daemon"
	"github.com/learnpath/learnsync/internal/offline/dashboard"
	syncpkg "github.com/learnpath/learnsync/internal/offline/sync"
	"github.com/learnpath/learnsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon:
  1. Watches connectivity (probe URL and/or flag file)
  2. Drains the queue on every reconnect and on the scheduler backstop
  3. Serves the local API, WebSocket events and /metrics
  4. Imports *.jsonl content bundles dropped into import_dir
  5. Optionally serves the offline caching proxy

Example usage:
  learnsync daemon
  learnsync daemon --addr 127.0.0.1:9000 --no-proxy`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		noProxy, _ := cmd.Flags().GetBool("no-proxy")
		if addr != "" {
			cfg.Server.Addr = addr
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// The dashboard needs the orchestrator and the orchestrator reports
		// to the dashboard, so the hooks close over events.
		var events *dashboard.Handler
		a, err := openApp(ctx, func(o *syncpkg.Options) {
			o.OnDrain = func(r syncpkg.Report) { events.OnDrain(r) }
			o.OnSubmit = func(r syncpkg.SubmitResult) { events.OnSubmit(r) }
		})
		exitOnError("starting engine", err)
		defer a.Close()

		server, err := dashboard.NewServer(a.orch, a.queue, &dashboard.Config{
			Addr:           cfg.Server.Addr,
			Gatherer:       a.registry,
			AllowedOrigins: cfg.Server.CorsOrigins,
			Logger:         logger,
		})
		exitOnError("creating dashboard", err)
		events = dashboard.NewHandler(server)

		srcs, err := sources(a.monitor)
		exitOnError("configuring connectivity", err)

		dc := daemon.DefaultConfig()
		dc.Sources = srcs
		dc.Schedule = ""
		if cfg.Scheduler.Enabled {
			dc.Schedule = cfg.Scheduler.Spec
		}
		dc.ImportDir = cfg.ImportDir
		dc.Dashboard = server
		dc.Events = events
		dc.Metrics = a.metrics
		dc.Logger = logger

		if cfg.Cache.Enabled && !noProxy {
			icpt, err := newInterceptor(a.store, a.metrics)
			exitOnError("configuring cache", err)
			dc.Interceptor = icpt
			dc.ProxyAddr = cfg.Cache.ProxyAddr
			dc.InstallOnStart = cfg.Cache.InstallOnStart
		}

		d, err := daemon.New(a.orch, a.monitor, a.store, dc)
		exitOnError("creating daemon", err)

		fmt.Printf("%s learnsync daemon started\n", ui.RenderAccent("▶"))
		fmt.Printf("   Store: %s\n", a.store.Path())
		fmt.Printf("   API: http://%s/api/v1\n", cfg.Server.Addr)
		fmt.Printf("   WebSocket: ws://%s/ws\n", cfg.Server.Addr)
		if dc.Interceptor != nil {
			fmt.Printf("   Proxy: http://%s\n", dc.ProxyAddr)
		}
		if len(srcs) == 0 {
			fmt.Printf("%s No connectivity source configured; staying %s\n",
				ui.RenderWarn("⚠"), onlineWord(a.monitor.IsOnline()))
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		if err := d.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
	},
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func init() {
	daemonCmd.Flags().String("addr", "", "local API listen address (overrides server.addr)")
	daemonCmd.Flags().Bool("no-proxy", false, "do not serve the caching proxy")
	rootCmd.AddCommand(daemonCmd)
}
