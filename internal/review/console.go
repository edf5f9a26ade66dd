// Package review implements the interactive terminal reviewer that walks a
// human through the pending checks of a run.
package review

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/normalize"

	"github.com/fatih/color"
)

// ErrStopped is returned when the reviewer quits or input ends. Decisions
// already made are kept.
var ErrStopped = errors.New("review stopped")

// ConsoleReviewer asks for one decision per check on a line-oriented terminal
type ConsoleReviewer struct {
	in      *bufio.Scanner
	out     io.Writer
	now     func() time.Time
	shown   int
	total   int
	noColor bool
}

// NewConsoleReviewer reads answers from in and writes prompts to out. total
// is the number of pending checks, used for the progress banner.
func NewConsoleReviewer(in io.Reader, out io.Writer, total int, useColors bool) *ConsoleReviewer {
	return &ConsoleReviewer{
		in:      bufio.NewScanner(in),
		out:     out,
		now:     time.Now,
		total:   total,
		noColor: !useColors,
	}
}

func (r *ConsoleReviewer) paint(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if r.noColor {
		c.DisableColor()
	}
	return c
}

// Review implements matcher.Reviewer
func (r *ConsoleReviewer) Review(ctx context.Context, pending *matcher.CheckCandidates) (matcher.Decision, error) {
	r.shown++
	r.printCheck(pending)

	for {
		if err := ctx.Err(); err != nil {
			return matcher.Decision{}, err
		}

		fmt.Fprintf(r.out, "Accept [1-%d], (s)kip, (q)uit: ", len(pending.Candidates))
		if !r.in.Scan() {
			fmt.Fprintln(r.out)
			if err := r.in.Err(); err != nil {
				return matcher.Decision{}, err
			}
			return matcher.Decision{}, ErrStopped
		}

		answer := strings.ToLower(strings.TrimSpace(r.in.Text()))
		switch answer {
		case "q", "quit":
			return matcher.Decision{}, ErrStopped
		case "s", "skip":
			return matcher.Decision{
				CheckID:   pending.Check.ID,
				Action:    matcher.ActionSkip,
				DecidedAt: r.now(),
			}, nil
		}

		n, err := strconv.Atoi(answer)
		if err != nil || n < 1 || n > len(pending.Candidates) {
			r.paint(color.FgRed).Fprintf(r.out, "  %q is not a choice\n", answer)
			continue
		}
		return matcher.Decision{
			CheckID:       pending.Check.ID,
			Action:        matcher.ActionAccept,
			InvoiceNumber: pending.Candidates[n-1].Invoice.InvoiceNumber,
			DecidedAt:     r.now(),
		}, nil
	}
}

func (r *ConsoleReviewer) printCheck(pending *matcher.CheckCandidates) {
	check := pending.Check

	fmt.Fprintln(r.out)
	r.paint(color.BgBlue, color.FgWhite).Fprintf(r.out, " [%2d of %2d] ", r.shown, r.total)
	r.paint(color.BgYellow, color.FgBlack).Fprintf(r.out, " %10s ", check.RawDate)
	r.paint(color.BgWhite, color.FgBlack).Fprintf(r.out, " %-30s", truncate(check.From, 30))
	r.paint(color.BgGreen, color.FgBlack).Fprintf(r.out, " %12s ", normalize.FormatAmount(check.Amount))
	fmt.Fprintln(r.out)

	fmt.Fprintf(r.out, "  check #%s payable to %s", check.CheckNumber, check.Payee)
	if check.Memo != "" {
		fmt.Fprintf(r.out, " (memo: %s)", check.Memo)
	}
	fmt.Fprintln(r.out)
	if check.NeedsReview {
		r.paint(color.FgYellow).Fprintf(r.out, "  amount confidence %s: %s\n", check.AmountConfidence, strings.Join(check.Notes, "; "))
	}

	for i, candidate := range pending.Candidates {
		inv := candidate.Invoice
		score := r.paint(color.FgGreen)
		if candidate.Confidence < 0.6 {
			score = r.paint(color.FgRed)
		} else if candidate.Confidence < 0.85 {
			score = r.paint(color.FgYellow)
		}

		fmt.Fprintf(r.out, "  %d. ", i+1)
		score.Fprintf(r.out, "%3.0f%%", candidate.Confidence*100)
		fmt.Fprintf(r.out, " %-10s %12s %10s  %s\n",
			inv.InvoiceNumber, normalize.FormatAmount(inv.Amount), inv.RawDate, truncate(inv.ResidentName, 30))
		r.paint(color.FgHiBlack).Fprintf(r.out, "       %s\n", strings.Join(candidate.Reasons, ", "))
		if candidate.Discrepancy != "" {
			r.paint(color.FgYellow).Fprintf(r.out, "       %s\n", candidate.Discrepancy)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
