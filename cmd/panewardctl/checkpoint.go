package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage conversation checkpoints",
	}
	cmd.AddCommand(newCheckpointCreateCmd())
	cmd.AddCommand(newCheckpointListCmd())
	cmd.AddCommand(newCheckpointLatestCmd())
	return cmd
}

func newCheckpointCreateCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "create <end_id>",
		Short: "Record that conversations up to end_id have been summarized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fail(fmt.Errorf("parse end_id: %w", err))
			}
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()

			startID := int64(0)
			if prev, err := st.LatestCheckpoint(); err == nil {
				startID = prev.EndConversationID
			}
			id, err := st.CreateCheckpoint(startID, endID, summary)
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
	cmd.Flags().StringVar(&summary, "summary", "", "checkpoint summary text")
	return cmd
}

func newCheckpointListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			cps, err := st.ListCheckpoints(limit)
			if err != nil {
				fail(err)
			}
			if jsonOutput {
				json.NewEncoder(cmd.OutOrStdout()).Encode(cps)
				return nil
			}
			for _, cp := range cps {
				fmt.Fprintf(cmd.OutOrStdout(), "%d [%d,%d] %s\n", cp.ID, cp.StartConversationID, cp.EndConversationID, cp.Summary)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to print")
	return cmd
}

func newCheckpointLatestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Print the most recent checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()
			cp, err := st.LatestCheckpoint()
			if err != nil {
				fail(err)
			}
			if jsonOutput {
				json.NewEncoder(cmd.OutOrStdout()).Encode(cp)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d [%d,%d] %s\n", cp.ID, cp.StartConversationID, cp.EndConversationID, cp.Summary)
			return nil
		},
	}
	return cmd
}
