// Package report renders a batch report as JSON or as an XLSX workbook.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// Content types for the supported formats
const (
	ContentTypeJSON = "application/json"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

const (
	summarySheet    = "Summary"
	propertiesSheet = "Properties"
	manifestSheet   = "Manifest"
)

// WriteJSON writes the report as indented JSON
func WriteJSON(w io.Writer, r *domain.BatchReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// XLSX builds a workbook with a summary sheet, one row per property and the
// manifest of kept images
func XLSX(r *domain.BatchReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}
	for _, name := range []string{propertiesSheet, manifestSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	summary := [][]any{
		{"Job ID", r.JobID},
		{"Status", string(r.Status)},
		{"Created At", formatTime(r.CreatedAt)},
		{"Completed At", formatTime(r.CompletedAt)},
		{"Properties", r.Totals.Properties},
		{"Complete", r.Totals.Complete},
		{"Partial", r.Totals.Partial},
		{"Failed", r.Totals.Failed},
		{"Pending", r.Totals.Pending},
		{"Kept Images", r.Totals.KeptImages},
		{"Duplicates", r.Totals.Duplicates},
	}
	if err := writeRows(f, summarySheet, summary); err != nil {
		return nil, err
	}
	_ = f.SetCellStyle(summarySheet, "A1", fmt.Sprintf("A%d", len(summary)), bold)
	_ = f.SetColWidth(summarySheet, "A", "A", 16)
	_ = f.SetColWidth(summarySheet, "B", "B", 40)

	props := [][]any{{"Property ID", "Outcome", "Succeeded", "Permanently Failed", "Pending (Circuit Open)", "Cancelled", "Pending", "Images", "Errors"}}
	for _, p := range r.Properties {
		props = append(props, []any{
			p.PropertyID,
			string(p.Outcome),
			strings.Join(p.Succeeded, ", "),
			strings.Join(p.PermanentlyFailed, ", "),
			strings.Join(p.PendingCircuit, ", "),
			strings.Join(p.Cancelled, ", "),
			strings.Join(p.Pending, ", "),
			p.ImageCount,
			formatErrors(p.Errors),
		})
	}
	if err := writeRows(f, propertiesSheet, props); err != nil {
		return nil, err
	}
	_ = f.SetRowStyle(propertiesSheet, 1, 1, bold)
	_ = f.SetColWidth(propertiesSheet, "A", "A", 20)
	_ = f.SetColWidth(propertiesSheet, "B", "H", 16)
	_ = f.SetColWidth(propertiesSheet, "I", "I", 60)

	manifest := [][]any{{"Property ID", "Source", "Job ID", "Fingerprint", "Storage Location"}}
	for _, m := range r.Manifest {
		manifest = append(manifest, []any{m.PropertyID, m.Source, m.JobID, m.Fingerprint, m.StorageLocation})
	}
	if err := writeRows(f, manifestSheet, manifest); err != nil {
		return nil, err
	}
	_ = f.SetRowStyle(manifestSheet, 1, 1, bold)
	_ = f.SetColWidth(manifestSheet, "A", "B", 18)
	_ = f.SetColWidth(manifestSheet, "C", "C", 38)
	_ = f.SetColWidth(manifestSheet, "D", "D", 18)
	_ = f.SetColWidth(manifestSheet, "E", "E", 80)

	f.SetActiveSheet(0)
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// formatErrors renders "source: error" pairs sorted by source
func formatErrors(errs map[string]string) string {
	if len(errs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + errs[k]
	}
	return strings.Join(parts, "; ")
}
