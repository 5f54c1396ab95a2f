package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weftdb/weft/internal/config"
	"github.com/weftdb/weft/internal/storage/sqlite"
)

var (
	cfgFile string
	dbPath  string
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "weft - versionstamped key-value engine",
	Long: `A durable key-value engine on SQLite with ordered structured keys,
versionstamped commits, atomic mutations, watch streams, a reliable
queue, and full-text search.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("weft version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./weft.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides config)")
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// loadConfig resolves configuration with the --db flag override applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

// openStore opens the configured database for one-shot CLI commands.
func openStore(ctx context.Context) (*sqlite.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database %s: %w", cfg.DBPath, err)
	}
	return store, cfg, nil
}

// signalContext cancels on SIGINT/SIGTERM for graceful shutdown.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printJSON writes the command result as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
