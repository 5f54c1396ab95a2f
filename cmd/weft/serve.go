package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/weftdb/weft/internal/gateway"
	"github.com/weftdb/weft/internal/metrics"
	"github.com/weftdb/weft/internal/rpc"
	"github.com/weftdb/weft/internal/trigger"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the weft HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		store, cfg, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		if serveListen != "" {
			cfg.Listen = serveListen
		}

		dispatcher := trigger.New()
		store.SetNotifier(dispatcher)
		store.StartSweepers(ctx, cfg.ExpirySweepInterval, cfg.LeaseSweepInterval)

		sink := metrics.New()
		flushed := metrics.StartFlusher(ctx, sink, store, cfg.MetricsFlushInterval)

		srv := rpc.NewServer(store, sink, cfg.Listen)
		srv.Configure(rpc.Options{
			SSEHeartbeat:      cfg.SSEHeartbeat,
			WatchInterval:     cfg.WatchInterval,
			QueuePollInterval: cfg.QueuePollInterval,
		})

		if cfg.GatewayManifest != "" {
			manifest, err := gateway.LoadManifest(cfg.GatewayManifest)
			if err != nil {
				return err
			}
			gw, err := manifest.Build(nil)
			if err != nil {
				return fmt.Errorf("failed to build gateway: %w", err)
			}
			srv.Use(gw.Middleware)
			log.Printf("serve: piercing gateway enabled with %d fragments", len(manifest.Fragments))
		}

		err = srv.Start(ctx)
		// Let the final metrics flush land before the store closes.
		<-flushed
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
