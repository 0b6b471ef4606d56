package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeusync/scenesync/internal/core/component"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/storage"
	"github.com/zeusync/scenesync/internal/injector"
)

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(storage.Storage) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	// Keep stdout clean for command output.
	cfg.Log.OutputPaths = []string{"stderr"}
	store, cleanup, err := injector.InitializeStorage(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(store)
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(store storage.Storage) error {
				infos, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tREVISION\tSIZE\tUPDATED")
				for _, info := range infos {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", info.ID, info.Revision, info.Size, info.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func newDumpCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <asset-id>",
		Short: "Print a stored asset as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store storage.Storage) error {
				rec, err := store.Read(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				var out bytes.Buffer
				if err = json.Indent(&out, rec.Data, "", "  "); err != nil {
					return fmt.Errorf("asset %s: %w", rec.ID, err)
				}
				out.WriteByte('\n')
				_, err = cmd.OutOrStdout().Write(out.Bytes())
				return err
			})
		},
	}
}

func newDepsCmd(opts *rootOptions) *cobra.Command {
	var withPaths bool
	cmd := &cobra.Command{
		Use:   "deps <asset-id>",
		Short: "List the assets a stored asset depends on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(store storage.Storage) error {
				rec, err := store.Read(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				a := scene.New(rec.ID, component.NewDefaultRegistry(), scene.WithLogger(log.Nop()))
				if err = a.Load(rec.Data, rec.Revision); err != nil {
					return err
				}
				for _, id := range a.Dependencies() {
					if !withPaths {
						fmt.Fprintln(cmd.OutOrStdout(), id)
						continue
					}
					for _, path := range a.DependencyPaths(id) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, path)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withPaths, "paths", false, "Print the component path referencing each dependency")
	return cmd
}
