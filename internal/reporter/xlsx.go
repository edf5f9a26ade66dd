package reporter

import (
	"fmt"
	"io"

	"check-reconciliation-service/internal/normalize"

	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary = "Summary"
	sheetDetail  = "Payments"
	sheetSkipped = "Not Scored"
)

// generateXLSXReport writes a workbook with a summary sheet, a detail sheet
// holding the same rows as the CSV report, and a sheet of unscored records
func (rg *ReportGenerator) generateXLSXReport(a *Artifact, writer io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return fmt.Errorf("failed to name summary sheet: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	s := a.Summary
	summary := [][]interface{}{
		{"Run", a.ID},
		{"Generated", a.GeneratedAt.Format("2006-01-02 15:04:05")},
		{"Billing source", a.BillingSource},
		{"Mode", string(a.Mode)},
		{"Total checks", s.TotalChecks},
		{"Total invoices", s.TotalInvoices},
		{"Matched payments", s.MatchedPayments},
		{"Unmatched checks", s.UnmatchedChecks},
		{"Unmatched invoices", s.UnmatchedInvoices},
		{"Pending review", s.PendingReview},
		{"Skipped records", s.SkippedRecords},
		{"Extraction failures", s.ExtractionFailures},
		{"Re-analysed checks", s.Reanalyzed},
		{"Matched amount", normalize.FormatAmount(s.MatchedAmount)},
		{"Unmatched check amount", normalize.FormatAmount(s.UnmatchedCheckAmount)},
		{"Unmatched invoice amount", normalize.FormatAmount(s.UnmatchedInvoiceTotal)},
	}
	for i, row := range summary {
		if err := setRow(f, sheetSummary, i+1, row); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(sheetSummary, "A1", fmt.Sprintf("A%d", len(summary)), headerStyle); err != nil {
		return err
	}
	if err := f.SetColWidth(sheetSummary, "A", "A", 26); err != nil {
		return err
	}

	if _, err := f.NewSheet(sheetDetail); err != nil {
		return fmt.Errorf("failed to create detail sheet: %w", err)
	}
	if err := setRow(f, sheetDetail, 1, toCells(csvHeaders)); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(csvHeaders), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheetDetail, "A1", last, headerStyle); err != nil {
		return err
	}
	for i, row := range rg.rows(a) {
		if err := setRow(f, sheetDetail, i+2, toCells(row)); err != nil {
			return err
		}
	}

	if rg.config.IncludeSkipped && (len(a.Skipped) > 0 || len(a.ExtractionFailures) > 0) {
		if _, err := f.NewSheet(sheetSkipped); err != nil {
			return fmt.Errorf("failed to create skipped sheet: %w", err)
		}
		if err := setRow(f, sheetSkipped, 1, []interface{}{"Kind", "ID", "Reason"}); err != nil {
			return err
		}
		row := 2
		for _, skipped := range a.Skipped {
			if err := setRow(f, sheetSkipped, row, []interface{}{skipped.Kind, skipped.ID, skipped.Reason}); err != nil {
				return err
			}
			row++
		}
		for _, failure := range a.ExtractionFailures {
			if err := setRow(f, sheetSkipped, row, []interface{}{"scan", failure.SourceImage, failure.Error}); err != nil {
				return err
			}
			row++
		}
	}

	f.SetActiveSheet(0)
	if err := f.Write(writer); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	for col, value := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, value); err != nil {
			return fmt.Errorf("failed to set %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

func toCells(values []string) []interface{} {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}
