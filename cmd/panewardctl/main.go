// Command panewardctl is the supervision CLI: a transient process that
// opens the shared database, performs one operation, and exits. Every
// subcommand supports --json for machine-readable output; exit codes are 0
// on success, 1 on validation or not-found errors.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jaakkos/stringwork/internal/config"
	"github.com/jaakkos/stringwork/internal/store"
)

var (
	configPath string
	jsonOutput bool
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "panewardctl",
		Short: "panewardctl — supervision CLI for the paneward core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to paneward.yaml")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON")

	root.AddCommand(newEnqueueControlCmd())
	root.AddCommand(newAckControlCmd())
	root.AddCommand(newGetControlCmd())
	root.AddCommand(newTaskCmd())
	root.AddCommand(newCheckpointCmd())
	root.AddCommand(newSessionInitCmd())
	return root
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore loads the config and opens the shared database, the one entry
// point every subcommand uses to reach the store.
func openStore() (*store.Store, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.ResolvedStateFile())
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, cfg, nil
}

// fail prints an error (to stderr, or as JSON if requested) and exits 1,
// the exit code used for validation or not-found errors.
func fail(err error) {
	if jsonOutput {
		fmt.Printf(`{"error":%q}`+"\n", err.Error())
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}
