package main

import (
	"github.com/spf13/cobra"

	"github.com/weftdb/weft/internal/kv"
)

var (
	indexFields    []string
	indexTokenizer string
	searchLimit    int
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage full-text indexes",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create <prefix-path>",
	Short: "Create or replace a full-text index over a prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		prefix, err := kv.ParsePath(args[0])
		if err != nil {
			return err
		}
		info, err := store.CreateIndex(ctx, prefix, indexFields, indexTokenizer)
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List full-text indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		infos, err := store.ListIndexes(ctx)
		if err != nil {
			return err
		}
		return printJSON(infos)
	},
}

var indexDropCmd = &cobra.Command{
	Use:   "drop <prefix-path>",
	Short: "Drop the full-text index over a prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		prefix, err := kv.ParsePath(args[0])
		if err != nil {
			return err
		}
		if err := store.DropIndex(ctx, prefix); err != nil {
			return err
		}
		return printJSON(map[string]bool{"ok": true})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <prefix-path> <query>",
	Short: "Full-text search below an indexed prefix",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		prefix, err := kv.ParsePath(args[0])
		if err != nil {
			return err
		}
		entries, err := store.Search(ctx, prefix, args[1], searchLimit, nil)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

func init() {
	indexCreateCmd.Flags().StringSliceVar(&indexFields, "field", nil, "Document field to index (repeatable)")
	indexCreateCmd.Flags().StringVar(&indexTokenizer, "tokenizer", "", "FTS5 tokenizer (default: unicode61)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "Maximum entries to return")

	indexCmd.AddCommand(indexCreateCmd, indexListCmd, indexDropCmd)
	rootCmd.AddCommand(indexCmd, searchCmd)
}
