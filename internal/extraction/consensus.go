package extraction

import (
	"context"
	"strings"

	"github.com/sourcegraph/conc/stream"

	"check-reconciliation-service/internal/models"
	"check-reconciliation-service/internal/normalize"
	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// ConsensusConfig controls how many readings are taken per check
type ConsensusConfig struct {
	InitialAttempts int `json:"initial_attempts" yaml:"initial_attempts" validate:"gte=1"`
	ExtraAttempts   int `json:"extra_attempts" yaml:"extra_attempts" validate:"gte=0"`
	Concurrency     int `json:"concurrency" yaml:"concurrency" validate:"gte=1"`
}

// DefaultConsensusConfig reads twice, twice more on disagreement, and works
// on four checks at a time.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		InitialAttempts: 2,
		ExtraAttempts:   2,
		Concurrency:     4,
	}
}

// MaxAttempts is the most readings one check can take
func (c ConsensusConfig) MaxAttempts() int {
	return c.InitialAttempts + c.ExtraAttempts
}

// ImageLoader turns a scan path into an Image
type ImageLoader interface {
	Load(path string) (Image, error)
}

// ConsensusResult is the voted reading of one check
type ConsensusResult struct {
	Extraction models.Extraction   `json:"extraction"`
	Readings   []models.Extraction `json:"readings"`
	Attempts   int                 `json:"attempts"`
	Failures   int                 `json:"failures"`
	Agreed     bool                `json:"agreed"`
}

// CheckResult is the outcome for one scan in a batch. Exactly one of Check
// and Err is set.
type CheckResult struct {
	ID          string
	SourceImage string
	Check       *models.CheckRecord
	Consensus   *ConsensusResult
	Err         error
}

// ConsensusExtractor derives one record per check from repeated readings
type ConsensusExtractor struct {
	service Service
	config  ConsensusConfig
	logger  logger.Logger
}

// NewConsensusExtractor creates an extractor over service
func NewConsensusExtractor(service Service, config ConsensusConfig, log logger.Logger) *ConsensusExtractor {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if config.InitialAttempts < 1 {
		config.InitialAttempts = 1
	}
	if config.ExtraAttempts < 0 {
		config.ExtraAttempts = 0
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &ConsensusExtractor{
		service: service,
		config:  config,
		logger:  log.WithComponent("consensus"),
	}
}

// Extract reads img until two readings agree or the attempt budget is
// spent, then votes field by field. It returns an extraction error when no
// reading succeeded and an insufficient-consensus error when the vote leaves
// a required field empty.
func (ce *ConsensusExtractor) Extract(ctx context.Context, img Image) (*ConsensusResult, error) {
	log := ce.logger.WithField("image", img.Name())
	result := &ConsensusResult{}

	var lastErr error
	read := func(n int) {
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				return
			}
			result.Attempts++
			reading, err := ce.service.Extract(ctx, img)
			if err != nil {
				result.Failures++
				lastErr = err
				log.WithError(err).Debugf("Reading %d failed", result.Attempts)
				continue
			}
			result.Readings = append(result.Readings, reading)
		}
	}

	read(ce.config.InitialAttempts)

	if len(result.Readings) == ce.config.InitialAttempts && allSame(result.Readings) {
		result.Agreed = true
		result.Extraction = result.Readings[0]
		return result, nil
	}

	if ctx.Err() == nil {
		log.Debugf("Readings disagree, taking %d more", ce.config.ExtraAttempts)
		read(ce.config.ExtraAttempts)
	}

	if len(result.Readings) == 0 {
		if lastErr == nil {
			lastErr = apperrors.ExtractionError(apperrors.CodeExtractionFailed, img.Name(), nil)
		}
		return result, lastErr
	}

	result.Extraction = Vote(result.Readings)
	if missing := result.Extraction.MissingRequired(); len(missing) > 0 {
		return result, apperrors.InsufficientConsensusError(img.Name(), result.Attempts, missing)
	}
	return result, nil
}

// ExtractAll reads every scan in paths, several checks at a time. Results
// come back in path order and onResult, when set, is called in that order
// too. Failed checks are reported in CheckResult.Err; the batch continues.
func (ce *ConsensusExtractor) ExtractAll(ctx context.Context, paths []string, loader ImageLoader, onResult func(CheckResult)) []CheckResult {
	results := make([]CheckResult, 0, len(paths))

	s := stream.New().WithMaxGoroutines(ce.config.Concurrency)
	for _, path := range paths {
		s.Go(func() stream.Callback {
			res := ce.extractOne(ctx, path, loader)
			return func() {
				results = append(results, res)
				if onResult != nil {
					onResult(res)
				}
			}
		})
	}
	s.Wait()

	return results
}

func (ce *ConsensusExtractor) extractOne(ctx context.Context, path string, loader ImageLoader) CheckResult {
	img, err := loader.Load(path)
	if err != nil {
		res := CheckResult{SourceImage: path, Err: err}
		res.ID = Image{Path: path}.Name()
		ce.logger.WithError(err).WithField("image", res.ID).Warn("Check image could not be loaded; check excluded")
		return res
	}

	res := CheckResult{ID: img.Name(), SourceImage: path}
	consensus, err := ce.Extract(ctx, img)
	res.Consensus = consensus
	if err != nil {
		res.Err = err
		ce.logger.WithError(err).WithField("image", res.ID).Warn("Check excluded from matching")
		return res
	}

	res.Check = NewCheck(res.ID, path, consensus)
	return res
}

// NewCheck builds the check record for a voted reading. Readings that
// disagreed on the amount leave it with LOW confidence.
func NewCheck(id, sourceImage string, consensus *ConsensusResult) *models.CheckRecord {
	ext := consensus.Extraction
	disputed := !consensus.Agreed && amountDisputed(consensus.Readings)
	if disputed {
		ext.AmountConfidence = string(models.AmountConfidenceLow)
	}

	check := models.NewCheckRecord(id, sourceImage, ext)
	if disputed {
		check.AddNote("extraction attempts disagreed on the amount")
	}
	return check
}

// Vote takes, for every field, the most frequent non-empty value across
// readings. Ties go to the value seen first. Amounts are compared by value
// and other fields ignoring case and spacing; the winner keeps the form it
// had in its first reading. The written amount and stated confidence come
// from the first reading that agrees with the voted amount.
func Vote(readings []models.Extraction) models.Extraction {
	var voted models.Extraction

	for _, field := range models.ExtractionFields {
		type tally struct {
			value string
			count int
		}
		var order []string
		tallies := make(map[string]*tally)

		for _, reading := range readings {
			value := strings.TrimSpace(reading.Get(field))
			if value == "" {
				continue
			}
			key := voteKey(field, value)
			if t, ok := tallies[key]; ok {
				t.count++
				continue
			}
			tallies[key] = &tally{value: value, count: 1}
			order = append(order, key)
		}

		var winner *tally
		for _, key := range order {
			if winner == nil || tallies[key].count > winner.count {
				winner = tallies[key]
			}
		}
		if winner != nil {
			voted.Set(field, winner.value)
		}
	}

	if voted.Amount != "" {
		amountKey := voteKey(models.FieldAmount, voted.Amount)
		for _, reading := range readings {
			if strings.TrimSpace(reading.Amount) == "" || voteKey(models.FieldAmount, reading.Amount) != amountKey {
				continue
			}
			voted.WrittenAmount = reading.WrittenAmount
			voted.AmountConfidence = reading.AmountConfidence
			break
		}
	}

	return voted
}

func voteKey(field, value string) string {
	if field == models.FieldAmount {
		if amount, err := normalize.Amount(value); err == nil {
			return amount.StringFixed(2)
		}
	}
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}

func allSame(readings []models.Extraction) bool {
	for _, reading := range readings[1:] {
		if !reading.SameFields(readings[0]) {
			return false
		}
	}
	return true
}

func amountDisputed(readings []models.Extraction) bool {
	seen := ""
	for _, reading := range readings {
		if strings.TrimSpace(reading.Amount) == "" {
			continue
		}
		key := voteKey(models.FieldAmount, reading.Amount)
		if seen == "" {
			seen = key
		} else if key != seen {
			return true
		}
	}
	return false
}
