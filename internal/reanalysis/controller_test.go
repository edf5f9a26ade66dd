package reanalysis

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"check-reconciliation-service/internal/extraction"
	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/models"
)

type fakeService struct {
	reread   map[string]models.Extraction
	err      error
	calls    map[string]int
	previous map[string]models.Extraction
}

func newFakeService() *fakeService {
	return &fakeService{
		reread:   make(map[string]models.Extraction),
		calls:    make(map[string]int),
		previous: make(map[string]models.Extraction),
	}
}

func (f *fakeService) Extract(ctx context.Context, img extraction.Image) (models.Extraction, error) {
	return models.Extraction{}, errors.New("not used")
}

func (f *fakeService) Reverify(ctx context.Context, img extraction.Image, previous models.Extraction) (models.Extraction, error) {
	f.calls[img.Name()]++
	f.previous[img.Name()] = previous
	if f.err != nil {
		return models.Extraction{}, f.err
	}
	return f.reread[img.Name()], nil
}

type fakeLoader struct {
	enhanced int
	plain    int
}

func (l *fakeLoader) Load(path string) (extraction.Image, error) {
	l.plain++
	return extraction.Image{Path: path, Data: []byte("png"), MIMEType: "image/png"}, nil
}

func (l *fakeLoader) LoadEnhanced(path string) (extraction.Image, error) {
	l.enhanced++
	return extraction.Image{Path: path, Data: []byte("png"), MIMEType: "image/png"}, nil
}

func newCheck(id, amount, confidence, written string) *models.CheckRecord {
	return models.NewCheckRecord(id, filepath.Join("/scans", id), models.Extraction{
		CheckNumber:      "1042",
		Amount:           amount,
		WrittenAmount:    written,
		AmountConfidence: confidence,
		Date:             "10/02/2024",
		Payee:            "The Mapleton",
		From:             "Kurt A Elliott and Penny K Elliott",
	})
}

func newInvoice(number, amount string) *models.InvoiceRecord {
	invoice, _ := models.NewInvoiceRecord(number, amount, "10/01/2024", "The Mapleton", "Kurt Elliott", nil)
	return invoice
}

func reading(amount, confidence string) models.Extraction {
	return models.Extraction{
		CheckNumber:      "1042",
		Amount:           amount,
		AmountConfidence: confidence,
		Date:             "10/02/2024",
		Payee:            "The Mapleton",
		From:             "Kurt A Elliott and Penny K Elliott",
	}
}

func newController(service extraction.Service, loader extraction.ImageLoader) *Controller {
	return NewController(service, loader, matcher.NewEngine(nil, nil), DefaultConfig(), nil)
}

func TestLowConfidenceReadingIsCorrected(t *testing.T) {
	check := newCheck("a.png", "$5,440.00", "LOW", "")
	invoices := []*models.InvoiceRecord{newInvoice("INV-1", "5490.0")}

	service := newFakeService()
	service.reread["a.png"] = reading("$5,490.00", "HIGH")
	loader := &fakeLoader{}

	report := newController(service, loader).Run(context.Background(), []*models.CheckRecord{check}, invoices)

	if len(report.Outcomes) != 1 || report.Updated != 1 {
		t.Fatalf("expected one updated outcome, got %+v", report)
	}
	outcome := report.Outcomes[0]
	if outcome.Trigger != TriggerLowConfidence || !outcome.Updated {
		t.Errorf("unexpected outcome %+v", outcome)
	}
	if !check.Amount.Equal(decimal.NewFromInt(5490)) || check.AmountConfidence != models.AmountConfidenceHigh {
		t.Errorf("expected check to be updated to $5,490.00 HIGH, got %s %s", check.Amount, check.AmountConfidence)
	}
	if len(outcome.Candidates) == 0 || outcome.Candidates[0].Scores.Amount != 1.0 {
		t.Fatalf("expected rescored candidate with amount score 1.0, got %+v", outcome.Candidates)
	}
	if loader.enhanced != 1 || loader.plain != 0 {
		t.Errorf("expected the enhanced image to be used, got %d/%d", loader.enhanced, loader.plain)
	}
	if service.previous["a.png"].Amount != "$5,440.00" {
		t.Errorf("expected the previous reading to be echoed, got %+v", service.previous["a.png"])
	}
}

func TestNearMissTriggersReanalysis(t *testing.T) {
	check := newCheck("a.png", "$5,440.00", "HIGH", "")
	invoices := []*models.InvoiceRecord{newInvoice("INV-1", "5490.00"), newInvoice("INV-2", "9000.00")}

	service := newFakeService()
	service.reread["a.png"] = reading("$5,440.00", "HIGH")

	report := newController(service, &fakeLoader{}).Run(context.Background(), []*models.CheckRecord{check}, invoices)

	if len(report.Outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(report.Outcomes))
	}
	outcome := report.Outcomes[0]
	if outcome.Trigger != TriggerNearMiss || outcome.Updated {
		t.Errorf("expected near miss kept, got %+v", outcome)
	}
	if !check.Amount.Equal(decimal.NewFromInt(5440)) || !check.NeedsReview {
		t.Errorf("expected original amount kept and flagged, got %s", check.Amount)
	}

	foundDiscrepancy := false
	for _, note := range check.Notes {
		if strings.Contains(note, "differs from invoice amount") {
			foundDiscrepancy = true
		}
	}
	if !foundDiscrepancy {
		t.Errorf("expected a discrepancy note, got %v", check.Notes)
	}
}

func TestNoTrigger(t *testing.T) {
	tests := []struct {
		name     string
		check    *models.CheckRecord
		invoices []*models.InvoiceRecord
	}{
		{"exact invoice exists", newCheck("a.png", "$5,440.00", "HIGH", ""), []*models.InvoiceRecord{newInvoice("1", "5440"), newInvoice("2", "5490")}},
		{"nothing nearby", newCheck("a.png", "$5,440.00", "HIGH", ""), []*models.InvoiceRecord{newInvoice("1", "5600")}},
		{"unknown confidence far from invoices", newCheck("a.png", "$100.00", "", ""), []*models.InvoiceRecord{newInvoice("1", "5490")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newFakeService()
			report := newController(service, &fakeLoader{}).Run(context.Background(), []*models.CheckRecord{tt.check}, tt.invoices)
			if len(report.Outcomes) != 0 || service.calls["a.png"] != 0 {
				t.Errorf("expected no re-analysis, got %+v", report.Outcomes)
			}
		})
	}
}

func TestReadingKeptUnlessConfidenceRises(t *testing.T) {
	tests := []struct {
		name   string
		reread models.Extraction
	}{
		{"same amount", reading("$5,440.00", "HIGH")},
		{"still low", reading("$5,490.00", "LOW")},
		{"unparsable", reading("five thousand", "HIGH")},
		{"one cent", reading("$5,440.01", "HIGH")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := newCheck("a.png", "$5,440.00", "LOW", "")
			service := newFakeService()
			service.reread["a.png"] = tt.reread

			report := newController(service, &fakeLoader{}).Run(context.Background(),
				[]*models.CheckRecord{check}, []*models.InvoiceRecord{newInvoice("1", "5490")})

			if report.Updated != 0 || report.Outcomes[0].Updated {
				t.Errorf("expected no update, got %+v", report.Outcomes[0])
			}
			if !check.Amount.Equal(decimal.NewFromInt(5440)) {
				t.Errorf("expected original amount, got %s", check.Amount)
			}
		})
	}
}

func TestUnreadableAmountIsReread(t *testing.T) {
	check := newCheck("a.png", "illegible", "", "")
	service := newFakeService()
	service.reread["a.png"] = reading("$5,490.00", "HIGH")

	report := newController(service, &fakeLoader{}).Run(context.Background(),
		[]*models.CheckRecord{check}, []*models.InvoiceRecord{newInvoice("1", "5490")})

	if report.Outcomes[0].Trigger != TriggerUnreadable || !check.HasValidAmount() {
		t.Errorf("expected unreadable amount to be replaced, got %+v", report.Outcomes[0])
	}
}

func TestServiceFailureKeepsReading(t *testing.T) {
	check := newCheck("a.png", "$5,440.00", "LOW", "")
	service := newFakeService()
	service.err = errors.New("connection refused")

	report := newController(service, &fakeLoader{}).Run(context.Background(),
		[]*models.CheckRecord{check}, []*models.InvoiceRecord{newInvoice("1", "5490")})

	outcome := report.Outcomes[0]
	if outcome.Err == nil || outcome.Updated {
		t.Errorf("expected failed outcome, got %+v", outcome)
	}
	if !check.Amount.Equal(decimal.NewFromInt(5440)) {
		t.Errorf("expected original amount, got %s", check.Amount)
	}
}

func TestEachCheckReanalyzedOncePerPass(t *testing.T) {
	check := newCheck("a.png", "$5,440.00", "LOW", "")
	service := newFakeService()
	service.reread["a.png"] = reading("$5,440.00", "LOW")

	controller := newController(service, &fakeLoader{})
	controller.Run(context.Background(), []*models.CheckRecord{check, check}, []*models.InvoiceRecord{newInvoice("1", "5490")})

	if service.calls["a.png"] != 1 {
		t.Errorf("expected one re-read, got %d", service.calls["a.png"])
	}
}

func TestPlainLoaderWithoutEnhancement(t *testing.T) {
	check := newCheck("a.png", "$5,440.00", "LOW", "")
	service := newFakeService()
	service.reread["a.png"] = reading("$5,490.00", "HIGH")
	loader := &fakeLoader{}

	config := DefaultConfig()
	config.Enhance = false
	controller := NewController(service, loader, matcher.NewEngine(nil, nil), config, nil)
	controller.Run(context.Background(), []*models.CheckRecord{check}, []*models.InvoiceRecord{newInvoice("1", "5490")})

	if loader.plain != 1 || loader.enhanced != 0 {
		t.Errorf("expected the plain image, got %d/%d", loader.plain, loader.enhanced)
	}
}
