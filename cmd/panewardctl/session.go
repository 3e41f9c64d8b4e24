package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jaakkos/stringwork/internal/store"
	"github.com/jaakkos/stringwork/internal/storeerr"
)

func newSessionInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session-init",
		Short: "Print the text to inject at assistant session start",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore()
			if err != nil {
				fail(err)
			}
			defer st.Close()

			var lastEndID int64
			cp, err := st.LatestCheckpoint()
			if err != nil && err != storeerr.ErrNotFound {
				fail(err)
			}
			if cp != nil {
				lastEndID = cp.EndConversationID
			}

			unsummarized, err := st.UnsummarizedRange(lastEndID)
			if err != nil {
				fail(err)
			}

			threshold := cfg.Scheduler.SessionInitSyncThreshold
			if threshold <= 0 {
				threshold = 50
			}
			syncNeeded := len(unsummarized) > threshold

			if jsonOutput {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"last_checkpoint_end_id": lastEndID,
					"unsummarized_count":     len(unsummarized),
					"sync_needed":            syncNeeded,
				})
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), "== paneward session ==")
			fmt.Fprintf(cmd.OutOrStdout(), "last checkpoint end_id: %d\n", lastEndID)
			fmt.Fprintf(cmd.OutOrStdout(), "unsummarized conversations: %d\n\n", len(unsummarized))
			if syncNeeded {
				fmt.Fprintf(cmd.OutOrStdout(), "[memory-sync needed: %d unsummarized conversations exceed the %d-entry threshold; "+
					"review and run `panewardctl checkpoint create` once summarized]\n\n", len(unsummarized), threshold)
			}
			fmt.Fprint(cmd.OutOrStdout(), store.FormatForDisplay(unsummarized))
			return nil
		},
	}
	return cmd
}
