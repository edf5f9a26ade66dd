package review

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/models"
)

func pendingCheck() *matcher.CheckCandidates {
	check := models.NewCheckRecord("a", "/scans/a.png", models.Extraction{
		CheckNumber: "1041",
		Amount:      "$5,490.00",
		Date:        "10/02/2024",
		Payee:       "The Mapleton",
		From:        "Kurt Elliott",
		Memo:        "October rent",
	})
	inv1, _ := models.NewInvoiceRecord("INV-1", "5490.00", "10/01/2024", "The Mapleton", "Kurt Elliott", nil)
	inv2, _ := models.NewInvoiceRecord("INV-2", "5440.00", "10/01/2024", "The Mapleton", "Penny Elliott", nil)

	engine := matcher.NewEngine(nil, nil)
	return &matcher.CheckCandidates{
		Check:      check,
		Candidates: []*matcher.CandidateMatch{engine.Score(check, inv1), engine.Score(check, inv2)},
	}
}

func TestConsoleReviewer(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		action  matcher.Action
		invoice string
		err     error
		prompts int
	}{
		{"accept first", "1\n", matcher.ActionAccept, "INV-1", nil, 1},
		{"accept second after bad input", "9\nabc\n2\n", matcher.ActionAccept, "INV-2", nil, 3},
		{"skip", "s\n", matcher.ActionSkip, "", nil, 1},
		{"skip word", " SKIP \n", matcher.ActionSkip, "", nil, 1},
		{"quit", "q\n", "", "", ErrStopped, 1},
		{"end of input", "", "", "", ErrStopped, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			reviewer := NewConsoleReviewer(strings.NewReader(tt.input), &out, 1, false)

			decision, err := reviewer.Review(context.Background(), pendingCheck())
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}
			if tt.err != nil {
				return
			}
			if decision.CheckID != "a" || decision.Action != tt.action || decision.InvoiceNumber != tt.invoice {
				t.Errorf("unexpected decision %+v", decision)
			}
			if decision.DecidedAt.IsZero() {
				t.Error("expected decision time")
			}
			if got := strings.Count(out.String(), "Accept [1-2]"); got != tt.prompts {
				t.Errorf("expected %d prompts, got %d", tt.prompts, got)
			}
		})
	}
}

func TestConsoleReviewerOutput(t *testing.T) {
	var out bytes.Buffer
	reviewer := NewConsoleReviewer(strings.NewReader("s\n"), &out, 3, false)
	if _, err := reviewer.Review(context.Background(), pendingCheck()); err != nil {
		t.Fatal(err)
	}

	output := out.String()
	for _, want := range []string{"[ 1 of  3]", "$5,490.00", "check #1041 payable to The Mapleton", "memo: October rent", "1. ", "INV-1", "2. ", "INV-2"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n%s", want, output)
		}
	}
	if strings.Contains(output, "\x1b[") {
		t.Error("expected no escape codes with colors disabled")
	}
}

func TestConsoleReviewerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reviewer := NewConsoleReviewer(strings.NewReader("1\n"), &bytes.Buffer{}, 1, false)
	if _, err := reviewer.Review(ctx, pendingCheck()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestReviewSessionWithConsole(t *testing.T) {
	check := pendingCheck()
	result := &matcher.Result{Mode: matcher.ModeAllCandidates, Checks: []*matcher.CheckCandidates{check}}
	invoices := []*models.InvoiceRecord{check.Candidates[0].Invoice, check.Candidates[1].Invoice}

	session := matcher.NewReviewSession(result, invoices)
	reviewer := NewConsoleReviewer(strings.NewReader("2\n"), &bytes.Buffer{}, 1, false)
	if err := session.Run(context.Background(), reviewer); err != nil {
		t.Fatal(err)
	}

	outcome := session.Outcome()
	if len(outcome.Matched) != 1 || outcome.Matched[0].Invoice.InvoiceNumber != "INV-2" {
		t.Errorf("unexpected outcome %+v", outcome)
	}
	if len(outcome.UnmatchedInvoices) != 1 || outcome.UnmatchedInvoices[0].InvoiceNumber != "INV-1" {
		t.Errorf("expected INV-1 unmatched, got %v", outcome.UnmatchedInvoices)
	}
}
