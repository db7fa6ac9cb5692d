package rag

import (
	"context"
	"sort"
	"strings"

	"datasheet-rag/internal/models"
	"datasheet-rag/internal/store"
)

const (
	previewChunksPerSource = 5
	tableDetailsWidth      = 100
	sampleContentWidth     = 200
)

// TableRow is one line of the product comparison side-table
type TableRow struct {
	Source   string `json:"source"`
	Sections string `json:"sections"`
	Details  string `json:"details"`
}

// ComparisonTable lists the first chunks of every source not in excluded
func (r *RAG) ComparisonTable(ctx context.Context, excluded models.ExclusionSet) ([]TableRow, error) {
	return r.preview(ctx, excluded, previewChunksPerSource, tableDetailsWidth)
}

// Sample shows what is stored: the first chunks of each source, longer excerpts than the table
func (r *RAG) Sample(ctx context.Context) ([]TableRow, error) {
	return r.preview(ctx, nil, previewChunksPerSource, sampleContentWidth)
}

func (r *RAG) preview(ctx context.Context, excluded models.ExclusionSet, perSource, width int) ([]TableRow, error) {
	bySource := map[string][]TableRow{}
	for c, err := range r.store.Find(ctx, store.Filter{Exclude: excluded}) {
		if err != nil {
			return nil, storeError(err)
		}
		if len(bySource[c.SourceID]) >= perSource {
			continue
		}
		bySource[c.SourceID] = append(bySource[c.SourceID], TableRow{
			Source:   c.SourceID,
			Sections: strings.Join(c.SectionLabels, ", "),
			Details:  truncate(c.Content, width),
		})
	}

	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	rows := []TableRow{}
	for _, s := range sources {
		rows = append(rows, bySource[s]...)
	}
	return rows, nil
}

// TableMarkdown renders rows as a GFM table
func TableMarkdown(rows []TableRow) string {
	var b strings.Builder
	b.WriteString("| Source | Sections | Details |\n")
	b.WriteString("|---|---|---|\n")
	for _, row := range rows {
		b.WriteString("| " + cell(row.Source) + " | " + cell(row.Sections) + " | " + cell(row.Details) + " |\n")
	}
	return b.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) > width {
		r = r[:width]
	}
	return string(r) + "..."
}
