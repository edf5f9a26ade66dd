// Package reporter renders the outcome of a check reconciliation run.
//
// Every rendering starts from an Artifact, the persisted record of a run:
// the payments that were matched to invoices, the checks and invoices left
// unmatched, the records that could not be scored and the re-analysis
// outcomes.
//
// Supported output formats:
//   - Console: human-readable sections for terminal display
//   - JSON: the artifact itself, for programmatic consumption
//   - CSV: one row per check or invoice, for spreadsheet applications
//   - XLSX: a workbook with one sheet per section
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{Format: reporter.FormatXLSX, TableMaxWidth: 120})
//	artifact := reporter.BuildArtifact(run, result, outcome, decisions)
//	err = generator.GenerateReport(artifact, file)
package reporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/normalize"

	"github.com/fatih/color"
)

// OutputFormat represents the supported report output formats
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
	FormatXLSX    OutputFormat = "xlsx"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV, FormatXLSX:
		return true
	default:
		return false
	}
}

// Binary reports whether the format cannot be mixed with text output
func (f OutputFormat) Binary() bool {
	return f == FormatXLSX
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// Detail level options
	IncludeMatchedPayments   bool `json:"include_matched_payments"`
	IncludeUnmatchedChecks   bool `json:"include_unmatched_checks"`
	IncludeUnmatchedInvoices bool `json:"include_unmatched_invoices"`
	IncludeSkipped           bool `json:"include_skipped"`
	IncludeReanalysis        bool `json:"include_reanalysis"`

	// Console formatting options
	UseColors     bool `json:"use_colors"`
	TableMaxWidth int  `json:"table_max_width"`
	MaxListItems  int  `json:"max_list_items"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`

	SortByAmount bool `json:"sort_by_amount"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:                   FormatConsole,
		IncludeMatchedPayments:   true,
		IncludeUnmatchedChecks:   true,
		IncludeUnmatchedInvoices: true,
		IncludeSkipped:           true,
		IncludeReanalysis:        true,
		UseColors:                true,
		TableMaxWidth:            120,
		MaxListItems:             25,
		CSVDelimiter:             ',',
		CSVHeaders:               true,
		SortByAmount:             false,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}

	if c.TableMaxWidth < 50 {
		return fmt.Errorf("table max width must be at least 50 characters, got %d", c.TableMaxWidth)
	}

	if c.MaxListItems < 0 {
		return fmt.Errorf("max list items cannot be negative, got %d", c.MaxListItems)
	}

	return nil
}

// ReportGenerator generates run reports in various formats
type ReportGenerator struct {
	config  *ReportConfig
	palette palette
}

type palette struct {
	heading *color.Color
	good    *color.Color
	warn    *color.Color
	bad     *color.Color
	dim     *color.Color
}

func newPalette(useColors bool) palette {
	p := palette{
		heading: color.New(color.FgCyan, color.Bold),
		good:    color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		bad:     color.New(color.FgRed),
		dim:     color.New(color.FgHiBlack),
	}
	if !useColors {
		for _, c := range []*color.Color{p.heading, p.good, p.warn, p.bad, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	return &ReportGenerator{
		config:  config,
		palette: newPalette(config.UseColors),
	}, nil
}

// GenerateReport renders the artifact to writer in the configured format
func (rg *ReportGenerator) GenerateReport(artifact *Artifact, writer io.Writer) error {
	if artifact == nil {
		return fmt.Errorf("run artifact cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(artifact, writer)
	case FormatJSON:
		return artifact.WriteJSON(writer)
	case FormatCSV:
		return rg.generateCSVReport(artifact, writer)
	case FormatXLSX:
		return rg.generateXLSXReport(artifact, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// generateConsoleReport generates a human-readable console report
func (rg *ReportGenerator) generateConsoleReport(a *Artifact, writer io.Writer) error {
	p := rg.palette

	p.heading.Fprintf(writer, "CHECK RECONCILIATION REPORT\n")
	fmt.Fprintf(writer, "Run:       %s\n", a.ID)
	fmt.Fprintf(writer, "Generated: %s\n", a.GeneratedAt.Format(time.RFC3339))
	if a.BillingSource != "" {
		fmt.Fprintf(writer, "Billing:   %s\n", a.BillingSource)
	}
	fmt.Fprintf(writer, "Mode:      %s\n\n", a.Mode)

	p.heading.Fprintf(writer, "=== SUMMARY ===\n")
	rg.printSummary(a.Summary, writer)
	fmt.Fprintf(writer, "\n")

	if rg.config.IncludeMatchedPayments && len(a.MatchedPayments) > 0 {
		p.heading.Fprintf(writer, "=== MATCHED PAYMENTS ===\n")
		rg.printMatched(a.MatchedPayments, writer)
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeUnmatchedChecks && len(a.UnmatchedChecks) > 0 {
		p.heading.Fprintf(writer, "=== UNMATCHED CHECKS ===\n")
		rg.printUnmatchedChecks(a.UnmatchedChecks, writer)
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeUnmatchedInvoices && len(a.UnmatchedInvoices) > 0 {
		p.heading.Fprintf(writer, "=== UNMATCHED INVOICES ===\n")
		rg.printUnmatchedInvoices(a.UnmatchedInvoices, writer)
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeSkipped && (len(a.Skipped) > 0 || len(a.ExtractionFailures) > 0) {
		p.heading.Fprintf(writer, "=== NOT SCORED ===\n")
		for _, s := range a.Skipped {
			p.warn.Fprintf(writer, "  - %s %s: %s\n", s.Kind, s.ID, s.Reason)
		}
		for _, f := range a.ExtractionFailures {
			p.bad.Fprintf(writer, "  - scan %s: %s\n", f.SourceImage, rg.truncate(f.Error))
		}
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeReanalysis && len(a.Reanalysis) > 0 {
		p.heading.Fprintf(writer, "=== RE-ANALYSIS ===\n")
		for _, o := range a.Reanalysis {
			line := fmt.Sprintf("  - %s (%s): %s", o.CheckID, o.Trigger, o.Note)
			if o.Updated {
				p.good.Fprintln(writer, line)
			} else {
				p.dim.Fprintln(writer, line)
			}
		}
	}

	return nil
}

// generateCSVReport writes one row per matched payment, unmatched check and unmatched invoice
func (rg *ReportGenerator) generateCSVReport(a *Artifact, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		if err := csvWriter.Write(csvHeaders); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for _, row := range rg.rows(a) {
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

var csvHeaders = []string{
	"Status",
	"Check_ID",
	"Check_Number",
	"Check_Amount",
	"Check_Date",
	"From",
	"Invoice_Number",
	"Invoice_Amount",
	"Invoice_Date",
	"Resident",
	"Match_Type",
	"Confidence",
	"Notes",
}

// rows flattens the artifact into report rows shared by CSV and XLSX
func (rg *ReportGenerator) rows(a *Artifact) [][]string {
	var rows [][]string

	if rg.config.IncludeMatchedPayments {
		for _, m := range a.MatchedPayments {
			notes := strings.Join(m.Reasons, "; ")
			if m.Discrepancy != "" {
				notes = strings.TrimPrefix(notes+"; "+m.Discrepancy, "; ")
			}
			rows = append(rows, append(append([]string{"Matched"}, checkCells(m.Check)...),
				append(invoiceCells(m.Invoice), m.MatchType.String(), fmt.Sprintf("%.2f", m.Confidence), notes)...))
		}
	}

	if rg.config.IncludeUnmatchedChecks {
		checks := append([]*models.CheckRecord(nil), a.UnmatchedChecks...)
		if rg.config.SortByAmount {
			sort.SliceStable(checks, func(i, j int) bool { return checks[i].Amount.GreaterThan(checks[j].Amount) })
		}
		for _, c := range checks {
			rows = append(rows, append(append([]string{"Unmatched Check"}, checkCells(c)...),
				"", "", "", "", "", "", strings.Join(c.Notes, "; ")))
		}
	}

	if rg.config.IncludeUnmatchedInvoices {
		invoices := append([]*models.InvoiceRecord(nil), a.UnmatchedInvoices...)
		if rg.config.SortByAmount {
			sort.SliceStable(invoices, func(i, j int) bool { return invoices[i].Amount.GreaterThan(invoices[j].Amount) })
		}
		for _, i := range invoices {
			rows = append(rows, append(append([]string{"Unmatched Invoice", "", "", "", "", ""}, invoiceCells(i)...),
				"", "", "No check paid this invoice"))
		}
	}

	return rows
}

func checkCells(c *models.CheckRecord) []string {
	if c == nil {
		return []string{"", "", "", "", ""}
	}
	return []string{c.ID, c.CheckNumber, c.Amount.StringFixed(2), c.RawDate, c.From}
}

func invoiceCells(i *models.InvoiceRecord) []string {
	if i == nil {
		return []string{"", "", "", ""}
	}
	return []string{i.InvoiceNumber, i.Amount.StringFixed(2), i.RawDate, i.ResidentName}
}

// Helper methods for console output formatting

func (rg *ReportGenerator) printSummary(s ArtifactSummary, writer io.Writer) {
	p := rg.palette

	fmt.Fprintf(writer, "Checks:\n")
	fmt.Fprintf(writer, "  Total:     %d\n", s.TotalChecks)
	p.good.Fprintf(writer, "  Matched:   %d (%.1f%%)\n",
		s.MatchedPayments, rg.calculatePercentage(s.MatchedPayments, s.TotalChecks))
	p.warn.Fprintf(writer, "  Unmatched: %d (%.1f%%)\n",
		s.UnmatchedChecks, rg.calculatePercentage(s.UnmatchedChecks, s.TotalChecks))
	if s.PendingReview > 0 {
		p.warn.Fprintf(writer, "  Pending:   %d awaiting review\n", s.PendingReview)
	}

	fmt.Fprintf(writer, "\nInvoices:\n")
	fmt.Fprintf(writer, "  Total:     %d\n", s.TotalInvoices)
	fmt.Fprintf(writer, "  Unmatched: %d (%.1f%%)\n",
		s.UnmatchedInvoices, rg.calculatePercentage(s.UnmatchedInvoices, s.TotalInvoices))

	fmt.Fprintf(writer, "\nAmounts:\n")
	fmt.Fprintf(writer, "  Matched:           %s\n", normalize.FormatAmount(s.MatchedAmount))
	fmt.Fprintf(writer, "  Unmatched checks:  %s\n", normalize.FormatAmount(s.UnmatchedCheckAmount))
	fmt.Fprintf(writer, "  Unmatched billing: %s\n", normalize.FormatAmount(s.UnmatchedInvoiceTotal))

	if s.ExtractionFailures > 0 || s.SkippedRecords > 0 {
		fmt.Fprintf(writer, "\n")
		p.bad.Fprintf(writer, "Extraction failures: %d (insufficient consensus: %d)\n",
			s.ExtractionFailures, s.InsufficientConsensus)
		fmt.Fprintf(writer, "Skipped records:     %d\n", s.SkippedRecords)
	}
	if s.Reanalyzed > 0 {
		fmt.Fprintf(writer, "Re-analysed checks:  %d (%d amounts updated)\n", s.Reanalyzed, s.AmountsUpdated)
	}
}

func (rg *ReportGenerator) printMatched(matched []MatchedPayment, writer io.Writer) {
	for i, m := range matched {
		if rg.limitReached(i, len(matched), writer) {
			break
		}
		fmt.Fprintf(writer, "  %d. Check %s %s from %s -> Invoice %s %s (%s)\n",
			i+1,
			m.Check.CheckNumber,
			normalize.FormatAmount(m.Check.Amount),
			m.Check.From,
			m.Invoice.InvoiceNumber,
			normalize.FormatAmount(m.Invoice.Amount),
			m.Invoice.ResidentName)
		rg.palette.dim.Fprintf(writer, "     %s %.0f%%: %s\n",
			m.MatchType, m.Confidence*100, rg.truncate(strings.Join(m.Reasons, ", ")))
		if m.Discrepancy != "" {
			rg.palette.warn.Fprintf(writer, "     %s\n", m.Discrepancy)
		}
	}
}

func (rg *ReportGenerator) printUnmatchedChecks(checks []*models.CheckRecord, writer io.Writer) {
	if rg.config.SortByAmount {
		checks = append([]*models.CheckRecord(nil), checks...)
		sort.SliceStable(checks, func(i, j int) bool { return checks[i].Amount.GreaterThan(checks[j].Amount) })
	}

	fmt.Fprintf(writer, "Total Unmatched Checks: %d\n\n", len(checks))
	for i, c := range checks {
		if rg.limitReached(i, len(checks), writer) {
			break
		}
		fmt.Fprintf(writer, "  %d. ID: %s, Number: %s, Amount: %s, Date: %s, From: %s\n",
			i+1, c.ID, c.CheckNumber, normalize.FormatAmount(c.Amount), c.RawDate, c.From)
		if c.NeedsReview {
			rg.palette.warn.Fprintf(writer, "     needs review (%s amount confidence)\n", c.AmountConfidence)
		}
	}
}

func (rg *ReportGenerator) printUnmatchedInvoices(invoices []*models.InvoiceRecord, writer io.Writer) {
	if rg.config.SortByAmount {
		invoices = append([]*models.InvoiceRecord(nil), invoices...)
		sort.SliceStable(invoices, func(i, j int) bool { return invoices[i].Amount.GreaterThan(invoices[j].Amount) })
	}

	fmt.Fprintf(writer, "Total Unmatched Invoices: %d\n\n", len(invoices))
	for i, inv := range invoices {
		if rg.limitReached(i, len(invoices), writer) {
			break
		}
		fmt.Fprintf(writer, "  %d. Invoice: %s, Amount: %s, Date: %s, Resident: %s\n",
			i+1, inv.InvoiceNumber, normalize.FormatAmount(inv.Amount), inv.RawDate, inv.ResidentName)
	}
}

// limitReached prints the overflow line once the list limit is hit
func (rg *ReportGenerator) limitReached(i, total int, writer io.Writer) bool {
	if rg.config.MaxListItems == 0 || i < rg.config.MaxListItems {
		return false
	}
	fmt.Fprintf(writer, "  ... and %d more\n", total-i)
	return true
}

func (rg *ReportGenerator) truncate(s string) string {
	limit := rg.config.TableMaxWidth - 10
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

// Helper methods

func (rg *ReportGenerator) calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

// UpdateConfiguration updates the report generator configuration
func (rg *ReportGenerator) UpdateConfiguration(config *ReportConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid report configuration: %w", err)
	}

	rg.config = config
	rg.palette = newPalette(config.UseColors)
	return nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}
