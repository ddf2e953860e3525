package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/c360studio/casegen/testcase"
)

// renderBatch prints one row per feature and a totals footer.
func renderBatch(w io.Writer, state testcase.BatchState) {
	fmt.Fprintf(w, "Batch %s (%s) on %s [%s]\n", state.BatchID, state.Status, state.Provider.Model, state.Provider.Kind)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Feature", "Status", "Attempts", "Titles", "Dup titles", "Dup embed", "Cases", "Note"})

	var totalCases, totalTitleDups, totalEmbedDups int
	for _, f := range state.Features {
		note := f.Error
		if note == "" && f.DedupDegraded {
			note = f.DedupNote
		}
		tw.AppendRow(table.Row{
			f.FeatureName,
			f.Status,
			f.Attempts,
			f.Stats.TitlesGenerated,
			f.Stats.TitleDuplicates,
			f.Stats.EmbeddingDuplicates,
			len(f.Cases),
			truncate(note, 60),
		})
		totalCases += len(f.Cases)
		totalTitleDups += f.Stats.TitleDuplicates
		totalEmbedDups += f.Stats.EmbeddingDuplicates
	}
	tw.AppendFooter(table.Row{"Total", "", "", "", totalTitleDups, totalEmbedDups, totalCases, ""})
	tw.Render()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
