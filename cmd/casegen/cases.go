package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/c360studio/casegen/storage"
)

func casesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Inspect accepted test cases in storage",
	}

	withStore := func(cmd *cobra.Command, fn func(store storage.Store) error) error {
		cfg, logger, err := setup(flags)
		if err != nil {
			return err
		}
		app, err := NewApp(cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.OpenStore(cmd.Context()); err != nil {
			return err
		}
		if app.Store() == nil {
			return fmt.Errorf("no storage backend configured (set storage.backend)")
		}
		return fn(app.Store())
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list TARGET",
		Short: "List the cases accepted under a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store storage.Store) error {
				records, err := store.ListByTarget(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(records)
				}
				renderRecords(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")

	targets := &cobra.Command{
		Use:   "targets",
		Short: "List targets with accepted cases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store storage.Store) error {
				names, err := store.Targets(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete one accepted case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store storage.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, targets, del)
	return cmd
}

func renderRecords(w io.Writer, records []storage.Record) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Feature", "Layer", "Scenario", "Steps", "Accepted"})
	for _, r := range records {
		tw.AppendRow(table.Row{
			r.ID,
			r.FeatureName,
			r.Layer,
			truncate(r.Scenario, 50),
			len(r.Steps),
			r.AcceptedAt.Format("2006-01-02 15:04"),
		})
	}
	tw.Render()
}
