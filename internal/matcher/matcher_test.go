package matcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/pkg/logger"
)

func newCheck(id, amount, date, from, payee string) *models.CheckRecord {
	return models.NewCheckRecord(id, id+".png", models.Extraction{
		CheckNumber: id,
		Amount:      amount,
		Date:        date,
		Payee:       payee,
		From:        from,
	})
}

func newInvoice(number, amount, date, payee, resident string) *models.InvoiceRecord {
	invoice, _ := models.NewInvoiceRecord(number, amount, date, payee, resident, nil)
	return invoice
}

func TestMatchingConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MatchingConfig)
		wantErr bool
	}{
		{"default", func(*MatchingConfig) {}, false},
		{"amount heavy weights", func(c *MatchingConfig) { c.Weights = AmountHeavyWeights() }, false},
		{"weights not summing to one", func(c *MatchingConfig) { c.Weights.Payee = 0.2 }, true},
		{"negative weight", func(c *MatchingConfig) { c.Weights = MatchingWeights{Amount: 1.2, Date: -0.2} }, true},
		{"unknown mode", func(c *MatchingConfig) { c.Mode = "best_effort" }, true},
		{"unknown name strategy", func(c *MatchingConfig) { c.NameStrategy = "soundex" }, true},
		{"unknown amount strategy", func(c *MatchingConfig) { c.AmountStrategy = "absolute" }, true},
		{"percentage without tolerance", func(c *MatchingConfig) {
			c.AmountStrategy = AmountPercentage
			c.AmountTolerancePercent = 0
		}, true},
		{"floor out of range", func(c *MatchingConfig) { c.SingleBestFloor = 1.5 }, true},
		{"negative candidate cap", func(c *MatchingConfig) { c.MaxCandidatesPerCheck = -1 }, true},
		{"negative near-miss tolerance", func(c *MatchingConfig) { c.NearMissTolerance = decimal.NewFromInt(-1) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultMatchingConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	for _, config := range []*MatchingConfig{SingleBestMatchingConfig(), StrictMatchingConfig()} {
		if err := config.Validate(); err != nil {
			t.Errorf("%s: unexpected error: %v", config, err)
		}
	}
}

func TestMatchingConfigFloorAndClone(t *testing.T) {
	config := DefaultMatchingConfig()
	if config.Floor() != 0.3 {
		t.Errorf("expected all-candidates floor 0.3, got %f", config.Floor())
	}
	if SingleBestMatchingConfig().Floor() != 0.6 {
		t.Error("expected single-best floor 0.6")
	}

	clone := config.Clone()
	clone.Weights.Amount = 0.9
	if config.Weights.Amount != 0.4 {
		t.Error("clone shares weights with original")
	}
	var nilConfig *MatchingConfig
	if nilConfig.Clone() != nil {
		t.Error("expected nil clone of nil config")
	}
}

func TestMatchTypeText(t *testing.T) {
	for _, mt := range []MatchType{MatchExact, MatchClose, MatchFuzzy, MatchPossible, MatchNone} {
		text, _ := mt.MarshalText()
		var parsed MatchType
		if err := parsed.UnmarshalText(text); err != nil || parsed != mt {
			t.Errorf("round trip failed for %s", mt)
		}
	}
	var mt MatchType
	if err := mt.UnmarshalText([]byte("Perfect")); err == nil {
		t.Error("expected error for unknown match type")
	}
}

func TestScoreExplainsCandidate(t *testing.T) {
	engine := NewEngine(DefaultMatchingConfig(), nil)
	check := newCheck("5856", "$5,440.00", "10/02/2024", "Kurt Elliott", "The Mapleton")
	invoice := newInvoice("Andover1002831", "5490.0", "10/02/2024", "The Mapleton", "Kurt Elliott")

	candidate := engine.Score(check, invoice)

	if candidate.Scores.Date != 1.0 || candidate.Scores.FromName != 1.0 || candidate.Scores.Payee != 1.0 {
		t.Errorf("unexpected component scores %+v", candidate.Scores)
	}
	if !candidate.AmountDifference.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected $50 difference, got %s", candidate.AmountDifference)
	}
	if !candidate.IsNearMiss(decimal.NewFromInt(50)) {
		t.Error("expected near miss at $50 tolerance")
	}
	if !strings.Contains(candidate.Discrepancy, "$50.00") {
		t.Errorf("expected discrepancy note, got %q", candidate.Discrepancy)
	}
	if len(candidate.Reasons) == 0 || candidate.Reasons[0] != "Amount differs by $50.00" {
		t.Errorf("unexpected reasons %v", candidate.Reasons)
	}

	expected := 0.4*AmountScore(check.Amount, invoice.Amount) + 0.2 + 0.3 + 0.1
	if math.Abs(candidate.Confidence-expected) > 1e-9 {
		t.Errorf("expected confidence %f, got %f", expected, candidate.Confidence)
	}
	if candidate.Confidence < 0 || candidate.Confidence > 1 {
		t.Errorf("confidence out of range: %f", candidate.Confidence)
	}
}

func TestScoreDoesNotMutateInputs(t *testing.T) {
	engine := NewEngine(nil, nil)
	check := newCheck("1", "$100.00", "01/15/2024", "Jane Roe", "The Mapleton")
	invoice := newInvoice("INV1", "90", "01/20/2024", "The Mapleton", "Jane Roe")
	before := *check

	engine.Score(check, invoice)
	engine.RunAllCandidates([]*models.CheckRecord{check}, []*models.InvoiceRecord{invoice})

	if !check.Amount.Equal(before.Amount) || check.NeedsReview != before.NeedsReview || len(check.Notes) != len(before.Notes) {
		t.Error("engine mutated the check record")
	}
}

func TestAllCandidatesRanking(t *testing.T) {
	engine := NewEngine(DefaultMatchingConfig(), nil)
	check := newCheck("100", "$1,200.00", "03/01/2024", "Maria Lopez", "The Mapleton")
	invoices := []*models.InvoiceRecord{
		newInvoice("A", "1150", "03/20/2024", "", "Maria Lopez"),
		newInvoice("B", "1200", "03/01/2024", "The Mapleton", "Maria Lopez"),
		newInvoice("C", "40", "12/01/2023", "", "Someone Else"),
		newInvoice("D", "1200", "03/03/2024", "", "Maria Lopez"),
	}

	result := engine.RunAllCandidates([]*models.CheckRecord{check}, invoices)
	candidates := result.Checks[0].Candidates

	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates above the floor, got %d", len(candidates))
	}
	if candidates[0].Invoice.InvoiceNumber != "B" || candidates[1].Invoice.InvoiceNumber != "D" {
		t.Errorf("unexpected ranking: %s, %s", candidates[0].Invoice.InvoiceNumber, candidates[1].Invoice.InvoiceNumber)
	}
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Confidence > candidates[i-1].Confidence {
			t.Error("candidates not sorted by descending confidence")
		}
	}
	for _, c := range candidates {
		if c.Confidence < 0.3 {
			t.Errorf("candidate %s below floor: %f", c.Invoice.InvoiceNumber, c.Confidence)
		}
	}
	if candidates[0].MatchType != MatchExact {
		t.Errorf("expected exact match type, got %s", candidates[0].MatchType)
	}

	if len(result.UnmatchedInvoices) != 1 || result.UnmatchedInvoices[0].InvoiceNumber != "C" {
		t.Errorf("expected only invoice C unmatched, got %d", len(result.UnmatchedInvoices))
	}
	if result.Summary.ChecksWithMatches != 1 || result.Summary.ExactMatches != 1 {
		t.Errorf("unexpected summary %+v", result.Summary)
	}
}

func TestMaxCandidatesPerCheck(t *testing.T) {
	config := DefaultMatchingConfig()
	config.MaxCandidatesPerCheck = 1
	engine := NewEngine(config, nil)

	check := newCheck("1", "$500.00", "05/01/2024", "Ann Lee", "")
	invoices := []*models.InvoiceRecord{
		newInvoice("X", "500", "05/01/2024", "", "Ann Lee"),
		newInvoice("Y", "500", "05/02/2024", "", "Ann Lee"),
	}

	candidates := engine.FindCandidates(check, invoices)
	if len(candidates) != 1 || candidates[0].Invoice.InvoiceNumber != "X" {
		t.Errorf("expected only the best candidate, got %d", len(candidates))
	}
}

func TestSingleBestIgnoresCandidateCap(t *testing.T) {
	config := StrictMatchingConfig()
	engine := NewEngine(config, nil)

	count := config.MaxCandidatesPerCheck + 1
	checks := make([]*models.CheckRecord, 0, count)
	invoices := make([]*models.InvoiceRecord, 0, count)
	for i := 1; i <= count; i++ {
		checks = append(checks, newCheck(fmt.Sprint(i), "$500.00", "05/01/2024", "Ann Lee", ""))
		invoices = append(invoices, newInvoice(fmt.Sprintf("INV-%d", i), "500", "05/01/2024", "", "Ann Lee"))
	}

	result := engine.RunSingleBest(checks, invoices)

	if len(result.Accepted) != count {
		t.Errorf("expected %d accepted matches, got %d", count, len(result.Accepted))
	}
	if len(result.UnmatchedChecks) != 0 || len(result.UnmatchedInvoices) != 0 {
		t.Errorf("expected every check matched, got %d unmatched checks and %d unmatched invoices",
			len(result.UnmatchedChecks), len(result.UnmatchedInvoices))
	}
	last := result.Checks[count-1]
	if len(last.Candidates) != 1 || last.Candidates[0].Invoice.InvoiceNumber != fmt.Sprintf("INV-%d", count) {
		t.Errorf("expected the last check to claim the last free invoice, got %+v", last.Candidates)
	}
}

func TestCandidateAtFloorIsDiscarded(t *testing.T) {
	config := DefaultMatchingConfig()
	config.Weights = MatchingWeights{Amount: 0.3, Date: 0.7}
	engine := NewEngine(config, nil)

	check := newCheck("1", "$500.00", "01/01/2024", "Ann Lee", "")
	invoices := []*models.InvoiceRecord{
		newInvoice("FLOOR", "500", "12/31/2024", "", "Bob Ray"),
		newInvoice("ABOVE", "500", "02/15/2024", "", "Bob Ray"),
	}

	if score := engine.Score(check, invoices[0]).Confidence; score != config.AllCandidatesFloor {
		t.Fatalf("expected a score equal to the floor, got %f", score)
	}

	candidates := engine.FindCandidates(check, invoices)
	if len(candidates) != 1 || candidates[0].Invoice.InvoiceNumber != "ABOVE" {
		t.Errorf("expected only the candidate above the floor, got %d", len(candidates))
	}
}

func TestTiesKeepInvoiceOrder(t *testing.T) {
	engine := NewEngine(DefaultMatchingConfig(), nil)
	check := newCheck("1", "$500.00", "05/01/2024", "Ann Lee", "")
	invoices := []*models.InvoiceRecord{
		newInvoice("first", "500", "05/01/2024", "", "Ann Lee"),
		newInvoice("second", "500", "05/01/2024", "", "Ann Lee"),
	}

	candidates := engine.FindCandidates(check, invoices)
	if len(candidates) != 2 || candidates[0].Invoice.InvoiceNumber != "first" {
		t.Error("expected ties to keep invoice order")
	}
}

// captureLogger returns a JSON logger writing warnings and above to buf
func captureLogger(t *testing.T, buf *bytes.Buffer) logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&logger.Config{
		Level:            logger.WarnLevel,
		Format:           logger.JSONFormat,
		Output:           logger.StdoutOutput,
		DisableTimestamp: true,
		Writer:           buf,
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return log
}

// countWarnings counts warning lines carrying field=value whose message
// contains text
func countWarnings(t *testing.T, buf *bytes.Buffer, field, value, text string) int {
	t.Helper()
	count := 0
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unexpected log line %q: %v", line, err)
		}
		msg, _ := entry["msg"].(string)
		if entry["level"] == "warning" && entry[field] == value && strings.Contains(msg, text) {
			count++
		}
	}
	return count
}

func TestMalformedRecordsAreSkipped(t *testing.T) {
	var logs bytes.Buffer
	engine := NewEngine(DefaultMatchingConfig(), captureLogger(t, &logs))
	good := newCheck("1", "$500.00", "05/01/2024", "Ann Lee", "")
	bad := newCheck("2", "five hundred", "05/01/2024", "Bob Ray", "")
	undated := newCheck("3", "$700.00", "sometime", "Cy Young", "")

	badInvoice := newInvoice("BAD", "n/a", "05/01/2024", "", "Ann Lee")
	invoices := []*models.InvoiceRecord{
		newInvoice("OK", "500", "05/01/2024", "", "Ann Lee"),
		badInvoice,
		newInvoice("CY", "700", "05/01/2024", "", "Cy Young"),
	}

	result := engine.RunAllCandidates([]*models.CheckRecord{good, bad, undated}, invoices)

	if len(result.Checks) != 3 {
		t.Fatalf("expected an entry for every check, got %d", len(result.Checks))
	}
	if len(result.Checks[1].Candidates) != 0 {
		t.Error("unparsable check should have no candidates")
	}
	if len(result.Checks[2].Candidates) != 1 || result.Checks[2].Candidates[0].Scores.Date != 0 {
		t.Error("undated check should still be scored with a zero date score")
	}
	if !undated.NeedsReview {
		t.Error("undated check should be flagged for review")
	}
	if n := countWarnings(t, &logs, "check", "3", "date score is 0"); n != 1 {
		t.Errorf("expected one warning for the undated check, got %d\n%s", n, logs.String())
	}
	if len(result.Skipped) != 2 {
		t.Errorf("expected one skipped check and one skipped invoice, got %+v", result.Skipped)
	}
	for _, c := range result.Checks[0].Candidates {
		if c.Invoice == badInvoice {
			t.Error("unparsable invoice must not be scored")
		}
	}

	found := false
	for _, invoice := range result.UnmatchedInvoices {
		if invoice == badInvoice {
			found = true
		}
	}
	if !found {
		t.Error("skipped invoice should be reported as unmatched")
	}
}

func TestUndatedInvoiceIsScoredAndWarned(t *testing.T) {
	var logs bytes.Buffer
	engine := NewEngine(SingleBestMatchingConfig(), captureLogger(t, &logs))

	check := newCheck("1", "$500.00", "05/01/2024", "Ann Lee", "")
	undated := newInvoice("NODATE", "500", "soon", "", "Ann Lee")

	result := engine.RunSingleBest([]*models.CheckRecord{check}, []*models.InvoiceRecord{undated})

	if len(result.Accepted) != 1 || result.Accepted[0].Scores.Date != 0 {
		t.Fatalf("expected the undated invoice accepted with a zero date score, got %+v", result.Accepted)
	}
	if n := countWarnings(t, &logs, "invoice", "NODATE", "date score is 0"); n != 1 {
		t.Errorf("expected one warning for the undated invoice, got %d\n%s", n, logs.String())
	}
}

func TestSingleBestFirstCheckWins(t *testing.T) {
	engine := NewEngine(SingleBestMatchingConfig(), nil)
	checks := []*models.CheckRecord{
		newCheck("1", "$900.00", "02/01/2024", "Lee Park", ""),
		newCheck("2", "$900.00", "02/01/2024", "Lee Park", ""),
		newCheck("3", "$10.00", "02/01/2024", "Nobody", ""),
	}
	invoices := []*models.InvoiceRecord{
		newInvoice("INV-1", "900", "02/01/2024", "", "Lee Park"),
	}

	result := engine.RunSingleBest(checks, invoices)

	if len(result.Accepted) != 1 || result.Accepted[0].Check.ID != "1" {
		t.Fatalf("expected first check to win the invoice, got %d accepted", len(result.Accepted))
	}
	if len(result.Checks[1].Candidates) != 0 {
		t.Error("second check should not receive a claimed invoice")
	}
	if len(result.UnmatchedChecks) != 2 || len(result.UnmatchedInvoices) != 0 {
		t.Errorf("expected 2 unmatched checks and 0 unmatched invoices, got %d and %d",
			len(result.UnmatchedChecks), len(result.UnmatchedInvoices))
	}
}

func TestSingleBestFallsBackToNextCandidate(t *testing.T) {
	engine := NewEngine(SingleBestMatchingConfig(), nil)
	checks := []*models.CheckRecord{
		newCheck("1", "$900.00", "02/01/2024", "Lee Park", ""),
		newCheck("2", "$900.00", "02/01/2024", "Lee Park", ""),
	}
	invoices := []*models.InvoiceRecord{
		newInvoice("INV-1", "900", "02/01/2024", "", "Lee Park"),
		newInvoice("INV-2", "900", "02/03/2024", "", "Lee Park"),
	}

	result := engine.RunSingleBest(checks, invoices)

	if len(result.Accepted) != 2 {
		t.Fatalf("expected both checks matched, got %d", len(result.Accepted))
	}
	if result.Accepted[0].Invoice.InvoiceNumber != "INV-1" || result.Accepted[1].Invoice.InvoiceNumber != "INV-2" {
		t.Error("unexpected assignment order")
	}
}

func TestSingleBestIsDeterministic(t *testing.T) {
	engine := NewEngine(SingleBestMatchingConfig(), nil)
	var checks []*models.CheckRecord
	var invoices []*models.InvoiceRecord
	for i := 0; i < 40; i++ {
		id := string(rune('A'+i%26)) + strings.Repeat("x", i/26)
		checks = append(checks, newCheck(id, "$250.00", "07/01/2024", "Sam Hill", ""))
		if i%2 == 0 {
			invoices = append(invoices, newInvoice("INV-"+id, "250", "07/01/2024", "", "Sam Hill"))
		}
	}

	first := engine.RunSingleBest(checks, invoices)
	for run := 0; run < 5; run++ {
		again := engine.RunSingleBest(checks, invoices)
		if len(again.Accepted) != len(first.Accepted) {
			t.Fatal("accepted count changed between runs")
		}
		for i := range first.Accepted {
			if again.Accepted[i].Check.ID != first.Accepted[i].Check.ID ||
				again.Accepted[i].Invoice.InvoiceNumber != first.Accepted[i].Invoice.InvoiceNumber {
				t.Fatal("assignment changed between runs")
			}
		}
	}

	seen := make(map[string]bool)
	for _, m := range first.Accepted {
		if seen[m.Invoice.InvoiceNumber] {
			t.Fatalf("invoice %s assigned twice", m.Invoice.InvoiceNumber)
		}
		seen[m.Invoice.InvoiceNumber] = true
	}
	if len(first.Accepted) != len(invoices) {
		t.Errorf("expected %d matches, got %d", len(invoices), len(first.Accepted))
	}
	if first.Accepted[0].Check.ID != checks[0].ID {
		t.Error("expected checks to claim in order")
	}
}

func TestBestCandidateIgnoresFloor(t *testing.T) {
	engine := NewEngine(SingleBestMatchingConfig(), nil)
	check := newCheck("1", "$100.00", "01/01/2024", "Nobody", "")
	invoices := []*models.InvoiceRecord{
		newInvoice("FAR", "9000", "12/01/2024", "", "Someone"),
	}

	best := engine.BestCandidate(check, invoices)
	if best == nil || best.Invoice.InvoiceNumber != "FAR" {
		t.Error("expected best candidate regardless of floor")
	}
	if engine.BestCandidate(newCheck("2", "??", "01/01/2024", "", ""), invoices) != nil {
		t.Error("expected nil for unscorable check")
	}
}
