package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and maintain the dead-letter queue",
	}
	cmd.AddCommand(newDLQListCmd(), newDLQRequeueCmd(), newDLQPurgeCmd())
	return cmd
}

func newDLQListCmd() *cobra.Command {
	var (
		sinceHours int
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			since := time.Now().UTC().Add(-time.Duration(sinceHours) * time.Hour)
			items, err := a.dlq.List(cmd.Context(), since, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("dead-letter queue is empty")
				return nil
			}

			fmt.Printf("%-36s  %-12s  %-16s  %-11s  %-8s  %s\n",
				"ID", "SOURCE", "COMPONENT", "KIND", "ATTEMPTS", "LAST ATTEMPT")
			for _, it := range items {
				fmt.Printf("%-36s  %-12s  %-16s  %-11s  %-8d  %s\n",
					it.ID, it.Source, it.Component, it.ErrorKind, it.Attempts,
					it.LastAttempt.Format(time.RFC3339))
			}
			fmt.Printf("\n%d item(s)\n", len(items))
			return nil
		},
	}

	cmd.Flags().IntVar(&sinceHours, "since-hours", 24, "look-back window in hours")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum items to list")
	return cmd
}

func newDLQRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Mark one dead letter for reprocessing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			item, err := a.dlq.Requeue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("requeued %s (%s/%s, kind %s)\n",
				item.ID, item.Source, item.Component, item.ErrorKind)
			return nil
		},
	}
}

func newDLQPurgeCmd() *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters older than the cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			cutoff := time.Now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
			n, err := a.dlq.Purge(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d item(s) older than %s\n", n, cutoff.Format("2006-01-02"))
			return nil
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 7, "age cutoff in days")
	return cmd
}
