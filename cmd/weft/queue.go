package main

import (
	"github.com/spf13/cobra"

	"github.com/weftdb/weft/internal/storage"
)

var (
	enqueueDelay   int64
	enqueueBackoff []int64
	dlqLimit       int
	dlqOffset      int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work with the reliable queue",
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <json-value>",
	Short: "Enqueue a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		value, err := decodeJSONArg(args[0])
		if err != nil {
			return err
		}
		id, err := store.Enqueue(ctx, value, storage.QueueOptions{
			Delay:           enqueueDelay,
			BackoffSchedule: enqueueBackoff,
		})
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"id": id})
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := store.QueueStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		msgs, err := store.ListDLQ(ctx, dlqLimit, dlqOffset)
		if err != nil {
			return err
		}
		return printJSON(msgs)
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a dead-letter message back onto the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RequeueDLQ(ctx, args[0]); err != nil {
			return err
		}
		return printJSON(map[string]bool{"ok": true})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-letter message",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		purged, err := store.PurgeDLQ(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]int64{"purged": purged})
	},
}

func init() {
	enqueueCmd.Flags().Int64Var(&enqueueDelay, "delay", 0, "Delay before the message is ready, in milliseconds")
	enqueueCmd.Flags().Int64SliceVar(&enqueueBackoff, "backoff", nil, "Per-retry delays in milliseconds")
	dlqCmd.Flags().IntVar(&dlqLimit, "limit", 0, "Maximum messages to list")
	dlqCmd.Flags().IntVar(&dlqOffset, "offset", 0, "Messages to skip")

	dlqCmd.AddCommand(dlqRequeueCmd, dlqPurgeCmd)
	queueCmd.AddCommand(enqueueCmd, queueStatsCmd, dlqCmd)
	rootCmd.AddCommand(queueCmd)
}
