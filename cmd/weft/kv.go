package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weftdb/weft/internal/filter"
	"github.com/weftdb/weft/internal/kv"
)

var (
	setExpireIn int64
	listLimit   int
	listReverse bool
	listWhere   string
	deleteWhere string
)

var getCmd = &cobra.Command{
	Use:   "get <key-path>",
	Short: "Get the entry at a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		key, err := kv.ParsePath(args[0])
		if err != nil {
			return err
		}
		entry, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !entry.Exists() {
			return fmt.Errorf("key %s: %w", args[0], kv.ErrNotFound)
		}
		return printJSON(entry)
	},
}

var setCmd = &cobra.Command{
	Use:   "set <key-path> <json-value>",
	Short: "Set a key to a JSON value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		key, err := kv.ParsePath(args[0])
		if err != nil {
			return err
		}
		value, err := decodeJSONArg(args[1])
		if err != nil {
			return err
		}
		res, err := store.Set(ctx, key, value, kv.SetOptions{ExpireIn: setExpireIn})
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key-path>",
	Short: "Delete a key and everything beneath it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		key, err := kv.ParsePath(args[0])
		if err != nil {
			return err
		}
		where, err := decodeFilterArg(deleteWhere)
		if err != nil {
			return err
		}
		deleted, err := store.Delete(ctx, key, where)
		if err != nil {
			return err
		}
		return printJSON(map[string]int64{"deletedCount": deleted})
	},
}

var listCmd = &cobra.Command{
	Use:   "list [prefix-path]",
	Short: "List entries below a prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		prefix := kv.Key{}
		if len(args) == 1 {
			if prefix, err = kv.ParsePath(args[0]); err != nil {
				return err
			}
		}
		where, err := decodeFilterArg(listWhere)
		if err != nil {
			return err
		}
		entries, err := store.List(ctx, prefix, kv.ListOptions{Limit: listLimit, Reverse: listReverse}, where)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var countCmd = &cobra.Command{
	Use:   "count [prefix-path]",
	Short: "Count entries below a prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		prefix := kv.Key{}
		if len(args) == 1 {
			if prefix, err = kv.ParsePath(args[0]); err != nil {
				return err
			}
		}
		n, err := store.Count(ctx, prefix)
		if err != nil {
			return err
		}
		return printJSON(map[string]int64{"count": n})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

// decodeJSONArg parses a CLI value argument. Numbers stay json.Number so
// large integers survive.
func decodeJSONArg(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: value is not valid JSON: %v", kv.ErrInvalidArgument, err)
	}
	return v, nil
}

func decodeFilterArg(raw string) (filter.Filter, error) {
	if raw == "" {
		return nil, nil
	}
	var f filter.Filter
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: where is not valid JSON: %v", kv.ErrInvalidArgument, err)
	}
	return f, nil
}

func init() {
	setCmd.Flags().Int64Var(&setExpireIn, "expire-in", 0, "TTL in milliseconds (0 = no expiry)")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum entries to return")
	listCmd.Flags().BoolVar(&listReverse, "reverse", false, "Reverse key order")
	listCmd.Flags().StringVar(&listWhere, "where", "", "Filter document as JSON")
	deleteCmd.Flags().StringVar(&deleteWhere, "where", "", "Filter document as JSON")

	rootCmd.AddCommand(getCmd, setCmd, deleteCmd, listCmd, countCmd, statsCmd)
}
