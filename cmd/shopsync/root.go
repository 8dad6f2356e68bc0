package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/shopsync/internal/app"
	"github.com/kimhsiao/shopsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	DataDir    string
	Format     string

	loader *config.Loader
	config *config.Config
}

// NewRootCommand creates the root command for the shopsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "shopsync",
		Short:         "Offline-first shop client",
		Long:          "shopsync keeps a local copy of the cart, wishlist, reservations and preferences, queues actions while offline and synchronizes them with the shop backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default ./shopsync.yaml or ~/.shopsync/shopsync.yaml)")
	flags.StringVar(&opts.DataDir, "data-dir", "", "directory holding the local database")
	flags.StringVar(&opts.Format, "format", FormatText, "output format (text|json|yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newImportLegacyCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newStubRemoteCommand(opts))

	return cmd
}

// load reads configuration with the command's flags bound on top.
func (o *RootOptions) load(cmd *cobra.Command) error {
	o.loader = config.NewLoader(o.ConfigFile)
	if err := o.loader.BindFlag("data_dir", cmd.Flags().Lookup("data-dir")); err != nil {
		return err
	}
	if f := cmd.Flags().Lookup("addr"); f != nil {
		if err := o.loader.BindFlag("server.addr", f); err != nil {
			return err
		}
	}
	cfg, err := o.loader.Load()
	if err != nil {
		return err
	}
	o.config = cfg
	return nil
}

func (o *RootOptions) printer(cmd *cobra.Command) *Printer {
	return &Printer{Format: o.Format, Out: cmd.OutOrStdout()}
}

// openApp sets up logging and wires the application. The returned func
// releases both.
func (o *RootOptions) openApp(ctx context.Context) (*app.App, func(), error) {
	logCloser, err := app.SetupLogging(o.config.Log)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, o.config)
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		logCloser.Close()
	}, nil
}

// textf writes a formatted line, for text renderers.
func textf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format+"\n", args...)
}
