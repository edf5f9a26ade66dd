package extraction

import (
	"testing"

	apperrors "check-reconciliation-service/pkg/errors"
)

const completeJSON = `{"check_number": "1042", "amount": "$5,490.00", "date": "10/02/2024", "payee": "The Mapleton", "from": "Kurt A Elliott and Penny K Elliott", "from_address": "12 Elm St", "memo": "Rent 413", "bank_name": "First Bank"}`

func TestParseResponseFallbackChain(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"plain json", completeJSON},
		{"markdown fence", "Here is the data:\n```json\n" + completeJSON + "\n```\nLet me know."},
		{"bare fence", "```\n" + completeJSON + "\n```"},
		{"prose around object", "Sure! " + completeJSON + " I hope this helps {not json}"},
		{
			"key value lines",
			"**Check Number:** 1042\n**Amount:** $5,490.00\n**Date:** 10/02/2024\n" +
				"**Payee:** The Mapleton\n**From:** Kurt A Elliott and Penny K Elliott\n" +
				"**From Address:** 12 Elm St\n**Memo:** Rent 413\n**Bank Name:** First Bank",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := ParseResponse("check.png", tt.text)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ext.CheckNumber != "1042" || ext.Amount != "$5,490.00" || ext.Date != "10/02/2024" {
				t.Errorf("unexpected extraction %+v", ext)
			}
			if ext.From != "Kurt A Elliott and Penny K Elliott" || ext.BankName != "First Bank" {
				t.Errorf("unexpected names %+v", ext)
			}
		})
	}
}

func TestParseResponseSkipsIncompleteObjects(t *testing.T) {
	text := `First try: {"check_number": "1042"} and the full record: ` + completeJSON
	ext, err := ParseResponse("check.png", text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ext.Payee != "The Mapleton" {
		t.Errorf("expected the complete object to win, got %+v", ext)
	}
}

func TestParseResponseNestedAmount(t *testing.T) {
	text := `{"Check Number": 1042, "Amount": {"numerical": "$5,440.00", "written": "Five thousand four hundred ninety and 00/100", "confidence": "LOW"},
	"Date": "10/02/2024", "Payee": "The Mapleton", "From": "Kurt Elliott"}`

	ext, err := ParseResponse("check.png", text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ext.CheckNumber != "1042" {
		t.Errorf("expected numeric check number to be stringified, got %q", ext.CheckNumber)
	}
	if ext.Amount != "$5,440.00" || ext.AmountConfidence != "LOW" {
		t.Errorf("unexpected amount fields %+v", ext)
	}
	if ext.WrittenAmount == "" {
		t.Error("expected written amount to be kept")
	}
}

func TestParseResponseBracesInsideStrings(t *testing.T) {
	text := `Result: {"check_number": "7", "amount": "$10.00", "date": "01/02/2024", "payee": "A}B", "from": "C{D"}`
	ext, err := ParseResponse("check.png", text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ext.Payee != "A}B" || ext.From != "C{D" {
		t.Errorf("unexpected extraction %+v", ext)
	}
}

func TestParseResponseFailures(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", "   "},
		{"prose only", "I cannot read this check, sorry."},
		{"missing required", `{"check_number": "1042", "amount": "$5,490.00", "memo": "rent"}`},
		{"null values", `{"check_number": null, "amount": "null", "date": "", "payee": "x", "from": "y"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse("check.png", tt.text)
			if err == nil {
				t.Fatal("expected error")
			}
			re, ok := apperrors.AsReconcilerError(err)
			if !ok || re.Code != apperrors.CodeMalformedResponse {
				t.Errorf("expected malformed_response, got %v", err)
			}
		})
	}
}

func TestParseResponseReportsMissingFields(t *testing.T) {
	ext, err := ParseResponse("check.png", `{"check_number": "1042", "amount": "$5,490.00", "payee": "P", "from": "F"}`)
	if err == nil {
		t.Fatal("expected error")
	}
	if ext.CheckNumber != "1042" {
		t.Errorf("expected the partial reading to be returned, got %+v", ext)
	}
	re, _ := apperrors.AsReconcilerError(err)
	missing, _ := re.Context["missing"].([]string)
	if len(missing) != 1 || missing[0] != "date" {
		t.Errorf("expected date to be reported missing, got %v", re.Context["missing"])
	}
}

func TestBalancedObjects(t *testing.T) {
	got := balancedObjects(`a {"x": {"y": 1}} b {"z": "}"} {unclosed`)
	expected := []string{`{"x": {"y": 1}}`, `{"y": 1}`, `{"z": "}"}`}
	if len(got) != len(expected) {
		t.Fatalf("expected %d objects, got %d: %v", len(expected), len(got), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("object %d: expected %q, got %q", i, expected[i], got[i])
		}
	}
}
