package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var syncRetry bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full resynchronization",
	Long:  "Walk every user and order, deduplicate against delivered queries, and send the changes to the CRM gateway without starting the server.",
	RunE:  runSyncCommand,
}

func init() {
	syncCmd.Flags().BoolVar(&syncRetry, "retry", false,
		"Resume an interrupted run from its persisted position")

	rootCmd.AddCommand(syncCmd)
}

func runSyncCommand(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	if err := a.orch.Run(ctx, syncRetry); err != nil {
		return err
	}

	st, err := a.store.SyncState(ctx)
	if err != nil {
		return err
	}
	c := st.Counters
	fmt.Fprintf(cmd.OutOrStdout(),
		"synced %d users (%d sent, %d up to date, %d errors) and %d orders (%d sent, %d up to date, %d errors)\n",
		c.TotalUsers, c.PersonDone, c.PersonUpToDate, c.PersonErrors,
		c.TotalOrders, c.OrderDone, c.OrderUpToDate, c.OrderErrors)
	return nil
}
