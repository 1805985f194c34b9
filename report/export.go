package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/inhies/go-bytesize"
	"github.com/pterm/pterm"

	"github.com/dfirkit/velopack/util/common/printer"
)

// Formats accepted by WriteFile.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// WriteJSON writes the full report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteCSV writes the per-tool mapping as CSV. Parse statistics are
// appended as comment-style footer rows prefixed with "#", matching the
// separate-summary requirement without a second file.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"tool", "status", "url", "platform", "declared_by", "sha256", "error"}); err != nil {
		return err
	}
	for _, e := range r.Tools {
		url := e.URL
		if url == "" {
			url = "unresolved"
		}
		row := []string{
			e.Name, e.Status, url, string(e.Platform),
			strings.Join(e.DeclaredBy, ";"), e.SHA256, e.Error,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	stats := [][]string{
		{"# artifacts_found", strconv.Itoa(r.Stats.ArtifactsFound)},
		{"# artifacts_parsed", strconv.Itoa(r.Stats.ArtifactsParsed)},
		{"# artifacts_degraded", strconv.Itoa(r.Stats.ArtifactsDegraded)},
		{"# tools_referenced", strconv.Itoa(r.Stats.ToolsReferenced)},
		{"# tools_resolved", strconv.Itoa(r.Stats.ToolsResolved)},
		{"# tools_conflicting", strconv.Itoa(r.Stats.ToolsConflicting)},
		{"# tools_unresolved", strconv.Itoa(r.Stats.ToolsUnresolved)},
	}
	for _, row := range stats {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the report to path in the given format.
func (r *Report) WriteFile(path, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()

	switch format {
	case FormatJSON:
		err = r.WriteJSON(f)
	case FormatCSV:
		err = r.WriteCSV(f)
	default:
		err = fmt.Errorf("unknown format %q (expected json or csv)", format)
	}
	if err != nil {
		return err
	}
	return f.Close()
}

// PrintSummary renders the human-readable end-of-run summary.
func (r *Report) PrintSummary() {
	printer.Header("Scan summary")
	pterm.Printf("Artifacts: %d found, %d parsed, %d degraded\n",
		r.Stats.ArtifactsFound, r.Stats.ArtifactsParsed, r.Stats.ArtifactsDegraded)
	pterm.Printf("Tools:     %d referenced, %d resolved, %d conflicting, %d unresolved\n",
		r.Stats.ToolsReferenced, r.Stats.ToolsResolved,
		r.Stats.ToolsConflicting, r.Stats.ToolsUnresolved)

	if len(r.Tools) > 0 {
		var rows [][]string
		var total int64
		for _, e := range r.Tools {
			size := ""
			if e.SizeBytes > 0 {
				size = bytesize.New(float64(e.SizeBytes)).String()
				total += e.SizeBytes
			}
			rows = append(rows, []string{
				e.Name, e.Status, string(e.Platform), size,
				strings.Join(e.DeclaredBy, ", "),
			})
		}
		printer.Table([]string{"Tool", "Status", "Platform", "Size", "Declared by"}, rows)
		if total > 0 {
			pterm.Printf("Total acquired: %s\n", bytesize.New(float64(total)))
		}
	}

	if len(r.Issues) > 0 {
		printer.Header("Issues")
		for _, issue := range r.Issues {
			target := issue.Artifact
			if issue.Tool != "" {
				target = issue.Tool
			}
			pterm.Warning.Printf("[%s] %s: %s\n", issue.Stage, target, issue.Message)
		}
	} else {
		pterm.Success.Println("Clean run, no issues")
	}
}
