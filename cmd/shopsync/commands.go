package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/sync/events"
)

// statusView is the status snapshot plus the storage mode.
type statusView struct {
	events.Status
	Storage string `json:"storage"`
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending, conflict and error counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			status, err := a.Engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			view := statusView{Status: status, Storage: string(a.Store.Mode())}
			return opts.printer(cmd).Print(view, func(w io.Writer) error {
				lastSync := "never"
				if status.LastSyncTime != nil {
					lastSync = time.UnixMilli(*status.LastSyncTime).Format(time.RFC3339)
				}
				textf(w, "Storage:    %s", view.Storage)
				textf(w, "Last sync:  %s", lastSync)
				textf(w, "Pending:    %d", status.PendingCount)
				textf(w, "Conflicts:  %d", status.ConflictCount)
				textf(w, "Errors:     %d", status.ErrorCount)
				return nil
			})
		},
	}
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if full {
				a.Engine.RequestFullPull()
			}
			result, err := a.Scheduler.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			return opts.printer(cmd).Print(result, func(w io.Writer) error {
				textf(w, "Applied %d, pushed %d, pulled %d, conflicts %d, failed %d, skipped %d (%s)",
					result.Applied, result.Pushed, result.Pulled, result.Conflicts,
					result.Failed, result.Skipped, result.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "also pull every entity type from the server")
	return cmd
}

func newQueueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			items, err := a.Service.QueueItems(cmd.Context())
			if err != nil {
				return err
			}
			if items == nil {
				items = []*models.QueueItem{}
			}
			return opts.printer(cmd).Print(items, func(w io.Writer) error {
				if len(items) == 0 {
					textf(w, "Queue is empty")
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tACTION\tKEY\tSYNCED\tRETRIES\tLAST ERROR")
				for _, item := range items {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%d\t%s\n",
						item.ID, item.Action, item.BlockKey, item.Synced, item.RetryCount, item.LastError)
				}
				return tw.Flush()
			})
		},
	}
}

func newConflictsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve sync conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(opts))
	cmd.AddCommand(newConflictsResolveCommand(opts))
	return cmd
}

func newConflictsListCommand(opts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			list := a.Resolver.ListPending
			if all {
				list = a.Resolver.List
			}
			conflicts, err := list(cmd.Context())
			if err != nil {
				return err
			}
			if conflicts == nil {
				conflicts = []*models.Conflict{}
			}
			return opts.printer(cmd).Print(conflicts, func(w io.Writer) error {
				if len(conflicts) == 0 {
					textf(w, "No conflicts")
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tENTITY\tRESOLUTION\tLOCAL\tSERVER")
				for _, c := range conflicts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						c.ID, c.Key(), c.Resolution, c.LocalValue, c.ServerValue)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func newConflictsResolveCommand(opts *RootOptions) *cobra.Command {
	var choice, value string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict with the local, server or a manual value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if cmd.Flags().Changed("value") {
				if !json.Valid([]byte(value)) {
					return fmt.Errorf("--value must be JSON, got %q", value)
				}
				raw = json.RawMessage(value)
			}

			a, done, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			resolved, err := a.Resolver.Resolve(cmd.Context(), args[0], models.Resolution(choice), raw)
			if err != nil {
				return err
			}
			return opts.printer(cmd).Print(resolved, func(w io.Writer) error {
				textf(w, "Resolved %s (%s) with %s: %s", resolved.ID, resolved.Key(), resolved.Resolution, resolved.ResolvedValue)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&choice, "choice", "", "local, server or manual")
	cmd.Flags().StringVar(&value, "value", "", "JSON value; required for manual, null deletes")
	cmd.MarkFlagRequired("choice")
	return cmd
}

func newImportLegacyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy <file>",
		Short: "Import cart, wishlist and preferences from a legacy storage file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			result, err := a.ImportLegacyFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.printer(cmd).Print(result, func(w io.Writer) error {
				if result.AlreadyCompleted {
					textf(w, "Legacy import already completed")
					return nil
				}
				textf(w, "Imported %d cart, %d wishlist, %d preference records (%d skipped)",
					result.Cart, result.Wishlist, result.Preferences, result.Skipped)
				return nil
			})
		},
	}
}

func newConfigCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := opts.config.YAML()
			if err != nil {
				return err
			}
			if opts.Format == FormatJSON {
				var generic map[string]interface{}
				if err := yaml.Unmarshal(out, &generic); err != nil {
					return err
				}
				return opts.printer(cmd).Print(generic, nil)
			}
			w := cmd.OutOrStdout()
			if used := opts.loader.ConfigFileUsed(); used != "" && opts.Format == FormatText {
				textf(w, "# %s", used)
			}
			_, err = w.Write(out)
			return err
		},
	})
	return cmd
}
