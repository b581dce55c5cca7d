package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaykit/sessiond/internal/app"
	"github.com/relaykit/sessiond/internal/config"
	"github.com/relaykit/sessiond/internal/provider"
)

const version = "0.1.0"

func NewRoot(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "sessiond",
		Short: "sessiond manages provider sessions and their bot workers",
	}

	root.AddCommand(newServeCommand(logger))
	root.AddCommand(newValidateCommand(logger))
	root.AddCommand(newVersionCommand())

	return root
}

func newServeCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the management API and session workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			runtime, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer runtime.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runtime.Run(ctx)
		},
	}
}

// newValidateCommand loads the schema override directory and reports what it
// found, without touching the database or the network.
func newValidateCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate provider schema files in the schema directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			registry := provider.NewRegistry()
			loaded, err := registry.LoadSchemaDir(cfg.SchemaDir)
			if err != nil {
				return fmt.Errorf("schema dir %s: %w", cfg.SchemaDir, err)
			}
			cmd.Printf("ok: %d schema file(s) loaded from %s\n", loaded, cfg.SchemaDir)
			for _, name := range registry.Names() {
				cmd.Printf("  - %s\n", name)
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}
