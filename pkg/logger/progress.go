package logger

import (
	"fmt"
	"sync"
	"time"
)

// ProgressTracker tracks how many items of a batch have been processed and
// how many of them failed.
type ProgressTracker struct {
	logger      Logger
	operation   string
	total       int64
	current     int64
	failed      int64
	startTime   time.Time
	lastLogTime time.Time
	logInterval time.Duration
	mutex       sync.RWMutex
}

// ProgressConfig configures progress tracking behavior
type ProgressConfig struct {
	Operation   string        `json:"operation"`
	Total       int64         `json:"total"`
	LogInterval time.Duration `json:"log_interval"`
	Logger      Logger        `json:"-"`
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(config ProgressConfig) *ProgressTracker {
	if config.Logger == nil {
		config.Logger = NewNopLogger()
	}
	if config.LogInterval == 0 {
		config.LogInterval = 5 * time.Second
	}

	now := time.Now()
	tracker := &ProgressTracker{
		logger:      config.Logger.WithComponent("progress"),
		operation:   config.Operation,
		total:       config.Total,
		startTime:   now,
		lastLogTime: now,
		logInterval: config.LogInterval,
	}

	tracker.logger.WithFields(Fields{
		"operation": config.Operation,
		"total":     config.Total,
	}).Info("Starting operation")

	return tracker
}

// Increment records one processed item.
func (p *ProgressTracker) Increment() {
	p.advance(false)
}

// IncrementFailed records one processed item that did not succeed.
func (p *ProgressTracker) IncrementFailed() {
	p.advance(true)
}

func (p *ProgressTracker) advance(failed bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.current++
	if failed {
		p.failed++
	}

	now := time.Now()
	if now.Sub(p.lastLogTime) >= p.logInterval || p.current == p.total {
		p.logProgress(now)
		p.lastLogTime = now
	}
}

// Complete logs final statistics
func (p *ProgressTracker) Complete() {
	stats := p.GetStats()

	p.logger.WithFields(Fields{
		"operation": stats.Operation,
		"total":     stats.Total,
		"processed": stats.Current,
		"failed":    stats.Failed,
		"duration":  stats.Duration.String(),
	}).Info("Operation completed")
}

// GetStats returns current progress statistics
func (p *ProgressTracker) GetStats() ProgressStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	duration := time.Since(p.startTime)
	var percentage float64
	if p.total > 0 {
		percentage = float64(p.current) / float64(p.total) * 100
	}

	return ProgressStats{
		Operation:  p.operation,
		Total:      p.total,
		Current:    p.current,
		Failed:     p.failed,
		Percentage: percentage,
		Duration:   duration,
	}
}

func (p *ProgressTracker) logProgress(now time.Time) {
	fields := Fields{
		"operation": p.operation,
		"processed": p.current,
		"failed":    p.failed,
		"elapsed":   now.Sub(p.startTime).Round(time.Millisecond).String(),
	}
	if p.total > 0 {
		fields["total"] = p.total
		fields["percentage"] = fmt.Sprintf("%.1f%%", float64(p.current)/float64(p.total)*100)
	}

	p.logger.WithFields(fields).Info("Progress update")
}

// ProgressStats contains progress statistics
type ProgressStats struct {
	Operation  string        `json:"operation"`
	Total      int64         `json:"total"`
	Current    int64         `json:"current"`
	Failed     int64         `json:"failed"`
	Percentage float64       `json:"percentage"`
	Duration   time.Duration `json:"duration"`
}

// String returns a human-readable representation of the progress
func (ps ProgressStats) String() string {
	if ps.Total > 0 {
		return fmt.Sprintf("%s: %d/%d (%.1f%%), %d failed, elapsed %v",
			ps.Operation, ps.Current, ps.Total, ps.Percentage, ps.Failed, ps.Duration)
	}
	return fmt.Sprintf("%s: %d processed, %d failed, elapsed %v",
		ps.Operation, ps.Current, ps.Failed, ps.Duration)
}

// TimedOperation executes fn and logs how long it took and whether it failed.
func TimedOperation(operation string, logger Logger, fn func() error) error {
	if logger == nil {
		logger = NewNopLogger()
	}
	log := logger.WithField("operation", operation)
	start := time.Now()

	log.Debug("Starting operation")
	err := fn()

	log = log.WithField("duration", time.Since(start).Round(time.Millisecond).String())
	if err != nil {
		log.WithError(err).Error("Operation failed")
		return err
	}
	log.Info("Operation completed")
	return nil
}
