package extraction

import (
	"fmt"
	"strings"

	"check-reconciliation-service/internal/models"
)

const extractionPrompt = `Analyze this check image and extract the following information.
Return ONLY a JSON object with these exact fields:

{
  "check_number": "the check number printed in the top right corner (usually 3-4 digits, not the MICR line at the bottom)",
  "amount": "the numerical amount in the box, formatted as $X,XXX.XX",
  "written_amount": "the amount written out in words on the amount line",
  "amount_confidence": "HIGH if the numerical and written amounts agree, LOW if they differ",
  "date": "the check date formatted as MM/DD/YYYY",
  "payee": "the name on the Pay to the Order of line",
  "from": "the name of the person or company writing the check",
  "from_address": "the address printed under the drawer's name",
  "memo": "the memo line, empty if blank",
  "bank_name": "the bank the check is drawn on"
}

Use an empty string for any field you cannot read. Do not add commentary.`

// ExtractionPrompt returns the instruction sent with every first reading.
func ExtractionPrompt() string {
	return extractionPrompt
}

// ReverifyPrompt asks for a second, amount-focused reading and echoes the
// amount found by the previous reading.
func ReverifyPrompt(previous models.Extraction) string {
	written := previous.WrittenAmount
	if strings.TrimSpace(written) == "" {
		written = "not read"
	}

	var b strings.Builder
	b.WriteString("Please carefully reanalyze this check image, focusing on the amount.\n\n")
	b.WriteString("The first analysis found:\n")
	fmt.Fprintf(&b, "- Numerical amount: %s\n", previous.Amount)
	fmt.Fprintf(&b, "- Written amount: %s\n\n", written)
	b.WriteString("Verify the amount step by step:\n")
	b.WriteString("1. Read the numerical amount digit by digit and look for smudges or unclear digits.\n")
	b.WriteString("2. Parse the written amount word by word and convert it to a number.\n")
	b.WriteString("3. Look for corrections or strike-throughs on either amount.\n")
	b.WriteString("4. Allow for handwriting variations and misspellings such as \"fourty\" for \"forty\".\n\n")
	b.WriteString("Set amount_confidence to HIGH only if both amounts agree after this check.\n")
	b.WriteString("Return the same JSON format as before with your highest confidence reading:\n\n")
	b.WriteString(extractionPrompt)
	return b.String()
}
