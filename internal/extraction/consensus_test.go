package extraction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"check-reconciliation-service/internal/models"
	apperrors "check-reconciliation-service/pkg/errors"
)

// scriptedService replays readings per image name in order
type scriptedService struct {
	mu       sync.Mutex
	readings map[string][]reading
	calls    map[string]int
}

type reading struct {
	ext models.Extraction
	err error
}

func newScriptedService() *scriptedService {
	return &scriptedService{
		readings: make(map[string][]reading),
		calls:    make(map[string]int),
	}
}

func (s *scriptedService) script(name string, readings ...reading) {
	s.readings[name] = readings
}

func (s *scriptedService) Extract(ctx context.Context, img Image) (models.Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := img.Name()
	n := s.calls[name]
	s.calls[name]++
	script := s.readings[name]
	if n >= len(script) {
		return models.Extraction{}, fmt.Errorf("no reading scripted for %s attempt %d", name, n+1)
	}
	return script[n].ext, script[n].err
}

func (s *scriptedService) Reverify(ctx context.Context, img Image, previous models.Extraction) (models.Extraction, error) {
	return s.Extract(ctx, img)
}

func (s *scriptedService) callCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// pathLoader loads nothing from disk
type pathLoader struct {
	fail map[string]bool
}

func (l pathLoader) Load(path string) (Image, error) {
	if l.fail[filepath.Base(path)] {
		return Image{}, apperrors.ExtractionError(apperrors.CodeImageUnreadable, filepath.Base(path), errors.New("bad image"))
	}
	return Image{Path: path, Data: []byte("png"), MIMEType: "image/png"}, nil
}

func baseExtraction(amount string) models.Extraction {
	return models.Extraction{
		CheckNumber: "1042",
		Amount:      amount,
		Date:        "10/02/2024",
		Payee:       "The Mapleton",
		From:        "Kurt A Elliott and Penny K Elliott",
		FromAddress: "12 Elm St",
		Memo:        "Rent 413",
		BankName:    "First Bank",
	}
}

func ok(ext models.Extraction) reading {
	return reading{ext: ext}
}

func failed(err error) reading {
	return reading{err: err}
}

func TestVoteMajorityAmount(t *testing.T) {
	readings := []models.Extraction{
		baseExtraction("$5,490.00"),
		baseExtraction("$5,940.00"),
		baseExtraction("$5,490.00"),
		baseExtraction("$5,490.00"),
	}

	voted := Vote(readings)
	if voted.Amount != "$5,490.00" {
		t.Errorf("expected $5,490.00, got %q", voted.Amount)
	}
}

func TestVoteRules(t *testing.T) {
	t.Run("ties go to first seen", func(t *testing.T) {
		a := baseExtraction("$100.00")
		b := baseExtraction("$200.00")
		voted := Vote([]models.Extraction{a, b, b, a})
		if voted.Amount != "$100.00" {
			t.Errorf("expected first-seen amount on tie, got %q", voted.Amount)
		}
	})

	t.Run("empty values do not vote", func(t *testing.T) {
		a := baseExtraction("$100.00")
		a.Memo = ""
		b := baseExtraction("$100.00")
		b.Memo = ""
		c := baseExtraction("$100.00")
		c.Memo = "Rent"
		voted := Vote([]models.Extraction{a, b, c})
		if voted.Memo != "Rent" {
			t.Errorf("expected the only non-empty memo, got %q", voted.Memo)
		}
	})

	t.Run("amounts compare by value", func(t *testing.T) {
		a := baseExtraction("$5,490.00")
		b := baseExtraction("5490")
		c := baseExtraction("$5,940.00")
		voted := Vote([]models.Extraction{c, a, b})
		if voted.Amount != "$5,490.00" {
			t.Errorf("expected equal amounts to pool votes, got %q", voted.Amount)
		}
	})

	t.Run("names compare ignoring case and spacing", func(t *testing.T) {
		a := baseExtraction("$1.00")
		a.From = "Kurt  Elliott"
		b := baseExtraction("$1.00")
		b.From = "kurt elliott"
		c := baseExtraction("$1.00")
		c.From = "Curt Elliott"
		voted := Vote([]models.Extraction{c, a, b})
		if voted.From != "Kurt  Elliott" {
			t.Errorf("expected first form of the majority, got %q", voted.From)
		}
	})

	t.Run("written amount follows the voted amount", func(t *testing.T) {
		a := baseExtraction("$5,940.00")
		a.WrittenAmount = "five thousand nine hundred forty"
		b := baseExtraction("$5,490.00")
		b.WrittenAmount = "five thousand four hundred ninety"
		b.AmountConfidence = "HIGH"
		voted := Vote([]models.Extraction{a, b, b})
		if voted.WrittenAmount != b.WrittenAmount || voted.AmountConfidence != "HIGH" {
			t.Errorf("unexpected written amount fields %+v", voted)
		}
	})
}

func TestConsensusIdenticalReadingsStopEarly(t *testing.T) {
	service := newScriptedService()
	service.script("a.png", ok(baseExtraction("$5,490.00")), ok(baseExtraction("$5,490.00")))

	extractor := NewConsensusExtractor(service, DefaultConsensusConfig(), nil)
	result, err := extractor.Extract(context.Background(), Image{Path: "/scans/a.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Agreed || result.Attempts != 2 {
		t.Errorf("expected agreement after 2 attempts, got %+v", result)
	}
	if service.callCount("a.png") != 2 {
		t.Errorf("expected 2 calls, got %d", service.callCount("a.png"))
	}
}

func TestConsensusDisagreementTakesFourReadings(t *testing.T) {
	service := newScriptedService()
	service.script("a.png",
		ok(baseExtraction("$5,490.00")),
		ok(baseExtraction("$5,940.00")),
		ok(baseExtraction("$5,490.00")),
		ok(baseExtraction("$5,490.00")),
	)

	extractor := NewConsensusExtractor(service, DefaultConsensusConfig(), nil)
	result, err := extractor.Extract(context.Background(), Image{Path: "a.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 4 || result.Agreed {
		t.Errorf("expected 4 attempts without early agreement, got %+v", result)
	}
	if result.Extraction.Amount != "$5,490.00" {
		t.Errorf("expected voted amount $5,490.00, got %q", result.Extraction.Amount)
	}

	check := NewCheck("a.png", "a.png", result)
	if check.AmountConfidence != models.AmountConfidenceLow || !check.NeedsReview {
		t.Errorf("expected disputed amount to be LOW and flagged, got %s", check.AmountConfidence)
	}
}

func TestConsensusFailedAttemptsCountAsDisagreement(t *testing.T) {
	service := newScriptedService()
	service.script("a.png",
		ok(baseExtraction("$5,490.00")),
		failed(apperrors.ExtractionError(apperrors.CodeMalformedResponse, "a.png", nil)),
		ok(baseExtraction("$5,490.00")),
		ok(baseExtraction("$5,490.00")),
	)

	extractor := NewConsensusExtractor(service, DefaultConsensusConfig(), nil)
	result, err := extractor.Extract(context.Background(), Image{Path: "a.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 4 || result.Failures != 1 || len(result.Readings) != 3 {
		t.Errorf("unexpected attempt accounting %+v", result)
	}
}

func TestConsensusInsufficient(t *testing.T) {
	partial := func(amount string) models.Extraction {
		ext := baseExtraction(amount)
		ext.Date = ""
		return ext
	}

	service := newScriptedService()
	service.script("a.png",
		ok(partial("$1.00")),
		ok(partial("$2.00")),
		ok(partial("$1.00")),
		ok(partial("$1.00")),
	)

	extractor := NewConsensusExtractor(service, DefaultConsensusConfig(), nil)
	_, err := extractor.Extract(context.Background(), Image{Path: "a.png"})
	re, isReconcilerErr := apperrors.AsReconcilerError(err)
	if !isReconcilerErr || re.Code != apperrors.CodeInsufficientConsensus {
		t.Fatalf("expected insufficient consensus, got %v", err)
	}
	if re.Context["attempts"] != 4 {
		t.Errorf("expected 4 attempts in context, got %v", re.Context["attempts"])
	}
}

func TestConsensusAllAttemptsFail(t *testing.T) {
	serviceErr := apperrors.ExtractionError(apperrors.CodeExtractionFailed, "a.png", errors.New("connection refused"))
	service := newScriptedService()
	service.script("a.png", failed(serviceErr), failed(serviceErr), failed(serviceErr), failed(serviceErr))

	extractor := NewConsensusExtractor(service, DefaultConsensusConfig(), nil)
	_, err := extractor.Extract(context.Background(), Image{Path: "a.png"})
	if !apperrors.HasCategory(err, apperrors.CategoryExtraction) {
		t.Errorf("expected extraction error, got %v", err)
	}
}

func TestExtractAllKeepsPathOrder(t *testing.T) {
	service := newScriptedService()
	var paths []string
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("check_%02d.png", i)
		paths = append(paths, "/scans/"+name)
		ext := baseExtraction(fmt.Sprintf("$%d.00", 100+i))
		ext.CheckNumber = fmt.Sprintf("%d", 1000+i)
		service.script(name, ok(ext), ok(ext))
	}
	service.script("check_05.png") // no readings: every attempt fails

	extractor := NewConsensusExtractor(service, ConsensusConfig{InitialAttempts: 2, ExtraAttempts: 2, Concurrency: 4}, nil)
	loader := pathLoader{fail: map[string]bool{"check_07.png": true}}

	var seen []string
	results := extractor.ExtractAll(context.Background(), paths, loader, func(res CheckResult) {
		seen = append(seen, res.ID)
	})

	if len(results) != len(paths) {
		t.Fatalf("expected %d results, got %d", len(paths), len(results))
	}
	for i, res := range results {
		expected := fmt.Sprintf("check_%02d.png", i)
		if res.ID != expected || seen[i] != expected {
			t.Errorf("result %d: expected %s, got %s (callback %s)", i, expected, res.ID, seen[i])
		}
		switch i {
		case 5, 7:
			if res.Err == nil || res.Check != nil {
				t.Errorf("expected %s to fail", expected)
			}
		default:
			if res.Err != nil || res.Check == nil {
				t.Errorf("expected %s to succeed: %v", expected, res.Err)
				continue
			}
			if res.Check.CheckNumber != fmt.Sprintf("%d", 1000+i) {
				t.Errorf("check %s carries the wrong reading", expected)
			}
		}
	}
}
