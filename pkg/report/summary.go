// Package report renders mining results for humans: a terminal summary
// table and a per-project HTML chart.
package report

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sumatoshi-tech/releaseminer/pkg/orchestrator"
)

// ErrRender is returned when a report cannot be written.
var ErrRender = errors.New("report render failed")

const (
	statusOK          = "ok"
	statusInterrupted = "interrupted"
	statusFailed      = "failed"
)

// Status classifies a repository result.
func Status(res orchestrator.Result) string {
	switch {
	case errors.Is(res.Err, orchestrator.ErrInterrupted):
		return statusInterrupted
	case res.Err != nil:
		return statusFailed
	default:
		return statusOK
	}
}

// Summary writes one row per repository followed by a totals footer.
func Summary(w io.Writer, results []orchestrator.Result) error {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false

	tbl.AppendHeader(table.Row{"Project", "Repository", "Releases", "Skipped", "Rows", "Elapsed", "Status"})

	var releases, skipped, rows int

	for _, res := range results {
		var elapsed time.Duration
		for _, rel := range res.Releases {
			elapsed += rel.Duration
		}

		status := Status(res)
		if res.Err != nil {
			status += ": " + res.Err.Error()
		}

		tbl.AppendRow(table.Row{
			res.Project.DisplayName(),
			res.Project.Repo.String(),
			len(res.Releases),
			res.Skipped(),
			humanize.Comma(int64(res.Rows)),
			elapsed.Round(time.Millisecond).String(),
			status,
		})

		releases += len(res.Releases)
		skipped += res.Skipped()
		rows += res.Rows
	}

	tbl.AppendFooter(table.Row{
		"Total", strconv.Itoa(len(results)) + " repos", releases, skipped, humanize.Comma(int64(rows)), "", "",
	})

	if _, err := fmt.Fprintln(w, tbl.Render()); err != nil {
		return fmt.Errorf("%w: %w", ErrRender, err)
	}

	return nil
}

// Releases writes the per-release breakdown of one repository.
func Releases(w io.Writer, res orchestrator.Result) error {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.SetTitle(res.Project.DisplayName())

	tbl.AppendHeader(table.Row{"Release", "Files", "Rows", "Duration", "Error"})

	for _, rel := range res.Releases {
		msg := ""
		if rel.Err != nil {
			msg = rel.Err.Error()
		}

		tbl.AppendRow(table.Row{rel.Tag, rel.Files, rel.Rows, rel.Duration.Round(time.Millisecond).String(), msg})
	}

	if _, err := fmt.Fprintln(w, tbl.Render()); err != nil {
		return fmt.Errorf("%w: %w", ErrRender, err)
	}

	return nil
}

// Tags writes the selected releases in mining order.
func Tags(w io.Writer, tags []orchestrator.Tag) error {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)

	tbl.AppendHeader(table.Row{"#", "Tag", "Version", "Date"})

	for i, tag := range tags {
		date := "unknown"
		if tag.Resolved {
			date = tag.Date.UTC().Format(time.DateOnly)
		}

		tbl.AppendRow(table.Row{i + 1, tag.Name, tag.Normalized, date})
	}

	if _, err := fmt.Fprintln(w, tbl.Render()); err != nil {
		return fmt.Errorf("%w: %w", ErrRender, err)
	}

	return nil
}
