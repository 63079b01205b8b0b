// Package cli is the botfleet command line: the server and the operator
// commands that provision tenants straight in the store. A running server
// picks those edits up on its next tenant sync.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"botfleet/internal/config"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

// NewRootCmd builds a fresh command tree. Tests build their own.
func NewRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "botfleet",
		Short: "Run and manage a fleet of tenant Telegram bots",
		Long: `botfleet hosts many tenant bots in one process. Each tenant gets a
support inbox, scheduled broadcasts and a channel relay.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newTenantCmd(&cfgPath),
		newJobsCmd(&cfgPath),
	)
	return root
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// openStore opens the database named by the config without starting anything.
func openStore(cfgPath string) (*storage.DB, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: res.BusyTimeout}, logx.Nop())
}

func withStore(cfgPath *string, fn func(cmd *cobra.Command, db *storage.DB, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := openStore(*cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		return fn(cmd, db, args)
	}
}
