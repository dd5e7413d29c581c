// Package cli implements the docstore command line.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"docstore/api/internal/config"
	"docstore/api/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string
	Pretty   bool
}

// NewRootCommand creates the root command. Settings not exposed as flags
// come from the environment.
func NewRootCommand() *cobra.Command {
	cfg := config.Load()
	opts := &RootOptions{LogLevel: cfg.LogLevel, Pretty: cfg.LogPretty}

	cmd := &cobra.Command{
		Use:   "docstore",
		Short: "Document store data provider",
		Long: `Serves filtered, paginated CRUD over declared document resources,
with attachment reconciliation and sub-collection writes.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.Pretty, "pretty", opts.Pretty, "human readable log output")

	cmd.AddCommand(NewServeCommand(opts, cfg))
	cmd.AddCommand(NewMigrateCommand(opts, cfg))
	cmd.AddCommand(NewEvalCommand())

	return cmd
}

func (o *RootOptions) logger(cmd *cobra.Command) zerolog.Logger {
	return logger.New(logger.Config{
		Level:  o.LogLevel,
		Pretty: o.Pretty,
		Output: cmd.ErrOrStderr(),
	})
}
