package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaakkos/stringwork/internal/store"
)

func newEnqueueControlCmd() *cobra.Command {
	var content string
	var priority int
	var requireIdle, bypassState bool
	var ackDeadline, availableIn int

	cmd := &cobra.Command{
		Use:   "enqueue-control",
		Short: "Enqueue a new control (supervision) entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if content == "" {
				fail(fmt.Errorf("--content is required"))
			}
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()

			id, err := st.EnqueueControl("", "", content, store.EnqueueControlOptions{
				Priority:    priority,
				RequireIdle: requireIdle,
				BypassState: bypassState,
				AckDeadline: time.Duration(ackDeadline) * time.Second,
				AvailableIn: time.Duration(availableIn) * time.Second,
			})
			if err != nil {
				fail(err)
			}
			if jsonOutput {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"id": id})
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "control entry content")
	cmd.Flags().IntVar(&priority, "priority", store.PrioritySystemIdleRequired, "priority (1=system, 2=urgent, 3=normal)")
	cmd.Flags().BoolVar(&requireIdle, "require-idle", false, "recorded on the entry; delivery is idle-gated by priority 1 only, not by this flag")
	cmd.Flags().BoolVar(&bypassState, "bypass-state", false, "ignore idle and health gating")
	cmd.Flags().IntVar(&ackDeadline, "ack-deadline", 0, "seconds until this entry times out unacked (default 300)")
	cmd.Flags().IntVar(&availableIn, "available-in", 0, "seconds to wait before this entry becomes deliverable")
	return cmd
}

func newAckControlCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "ack-control",
		Short: "Acknowledge a control entry (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()

			status, err := st.AckControl(id)
			if err != nil {
				fail(err)
			}
			printStatus(cmd, string(status))
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "control entry id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newGetControlCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "get-control",
		Short: "Print a control entry's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()

			c, err := st.GetControl(id)
			if err != nil {
				fail(err)
			}
			if jsonOutput {
				json.NewEncoder(cmd.OutOrStdout()).Encode(c)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "id=%d status=%s priority=%d content=%q\n", c.ID, c.Status, c.Priority, c.Content)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "control entry id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func printStatus(cmd *cobra.Command, status string) {
	if jsonOutput {
		json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"status": status})
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), status)
	}
}
