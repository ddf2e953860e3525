package main

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/c360studio/casegen/model"
)

func modelsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured model endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			renderModels(cmd.OutOrStdout(), app.Registry())
			return nil
		},
	}
}

func renderModels(w io.Writer, registry *model.Registry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"", "Name", "Provider", "Model", "Context", "Max output", "URL", "API key"})

	def := registry.Default()
	for _, name := range registry.ListEndpoints() {
		ep := registry.GetEndpoint(name)
		if ep == nil {
			continue
		}
		marker := ""
		if name == def {
			marker = "*"
		}
		key := "-"
		if ep.Provider.RequiresAPIKey() {
			key = "missing"
			if ep.APIKey != "" {
				key = "set"
			}
		}
		tw.AppendRow(table.Row{marker, name, ep.Provider, ep.Model, ep.ContextWindow, ep.MaxOutputTokens, ep.BaseURL(), key})
	}
	tw.Render()
	fmt.Fprintln(w, "* default")
}
