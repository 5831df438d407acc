// Package report writes a Markdown summary of the final global statistics
// and its HTML rendering.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fedreg/domain/regression"
	"fedreg/ports"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

// DefaultMaxColumns caps the per-column table; voxel-wise runs have thousands.
const DefaultMaxColumns = 50

// Writer renders results.md and results.html
type Writer struct {
	maxColumns int
	alpha      float64
}

var _ ports.ReportWriter = (*Writer)(nil)

// NewWriter creates a report writer. maxColumns <= 0 means DefaultMaxColumns.
func NewWriter(maxColumns int) *Writer {
	if maxColumns <= 0 {
		maxColumns = DefaultMaxColumns
	}
	return &Writer{maxColumns: maxColumns, alpha: 0.05}
}

// WriteReport implements ports.ReportWriter
func (w *Writer) WriteReport(ctx context.Context, out *regression.Remote2Output, outputDir string) ([]string, error) {
	if out == nil {
		return nil, fmt.Errorf("no results to report")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	md := w.Markdown(out)
	mdPath := filepath.Join(outputDir, "results.md")
	if err := os.WriteFile(mdPath, md, 0o644); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return []string{mdPath}, err
	}

	htmlPath := filepath.Join(outputDir, "results.html")
	if err := os.WriteFile(htmlPath, ToHTML(md, "Decentralized regression results"), 0o644); err != nil {
		return []string{mdPath}, err
	}
	return []string{mdPath, htmlPath}, nil
}

// Markdown builds the report body.
func (w *Writer) Markdown(out *regression.Remote2Output) []byte {
	var b strings.Builder
	sites := make([]string, 0, len(out.LocalStats))
	for s := range out.LocalStats {
		sites = append(sites, s)
	}
	sort.Strings(sites)

	b.WriteString("# Decentralized regression results\n\n")
	fmt.Fprintf(&b, "- Sites: %d (%s)\n", len(sites), strings.Join(sites, ", "))
	fmt.Fprintf(&b, "- Design: %s\n", strings.Join(out.XLabels, ", "))
	fmt.Fprintf(&b, "- Response columns: %d fitted, %d failed\n\n", len(out.GlobalStats), len(out.FailedColumns))

	b.WriteString("## Significant columns\n\n")
	b.WriteString("| Covariate | p < 0.05 | Mean β |\n|---|---:|---:|\n")
	for j, label := range out.XLabels {
		hits, sum := 0, 0.0
		for _, s := range out.GlobalStats {
			if j < len(s.PValues) && s.PValues[j] < w.alpha {
				hits++
			}
			if j < len(s.Beta) {
				sum += s.Beta[j]
			}
		}
		mean := 0.0
		if len(out.GlobalStats) > 0 {
			mean = sum / float64(len(out.GlobalStats))
		}
		fmt.Fprintf(&b, "| %s | %d | %.4g |\n", label, hits, mean)
	}

	b.WriteString("\n## Per-column statistics\n\n")
	b.WriteString("| Column | dof | R² | adj. R² |")
	for _, label := range out.XLabels {
		fmt.Fprintf(&b, " β %s | t %s | p %s |", label, label, label)
	}
	b.WriteString("\n|---|---:|---:|---:|")
	b.WriteString(strings.Repeat("---:|---:|---:|", len(out.XLabels)))
	b.WriteString("\n")
	for i, s := range out.GlobalStats {
		if i == w.maxColumns {
			fmt.Fprintf(&b, "\n_%d more columns not shown._\n", len(out.GlobalStats)-w.maxColumns)
			break
		}
		fmt.Fprintf(&b, "| %s | %d | %.4f | %.4f |", s.Label, s.DOF, s.RSquared, s.RSquaredAdj)
		for j := range out.XLabels {
			fmt.Fprintf(&b, " %.4g | %.3f | %.3g |", s.Beta[j], s.TValues[j], s.PValues[j])
		}
		b.WriteString("\n")
	}

	if len(out.FailedColumns) > 0 {
		b.WriteString("\n## Failed columns\n\n| Column | Site | Code | Message |\n|---|---|---|---|\n")
		for _, f := range out.FailedColumns {
			site := f.Site
			if site == "" {
				site = "global"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", f.Label, site, f.Code, escape(f.Message))
		}
	}

	if len(out.Warnings) > 0 || len(out.ArtifactErrors) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, msg := range append(append([]string{}, out.Warnings...), out.ArtifactErrors...) {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
	}
	return []byte(b.String())
}

// ToHTML renders Markdown as a complete HTML page.
func ToHTML(md []byte, title string) []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	r := html.NewRenderer(html.RendererOptions{
		Title: title,
		Flags: html.CommonFlags | html.CompletePage | html.HrefTargetBlank,
	})
	return markdown.ToHTML(md, p, r)
}

func escape(s string) string {
	return strings.NewReplacer("|", `\|`, "\n", " ").Replace(s)
}
