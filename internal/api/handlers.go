package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"check-reconciliation-service/internal/matcher"
	"check-reconciliation-service/internal/reporter"
	"check-reconciliation-service/internal/store"
	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RunResponse describes one stored run and where its review stands
type RunResponse struct {
	ID            string                     `json:"id"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
	Status        store.Status               `json:"status"`
	Mode          matcher.Mode               `json:"mode"`
	BillingSource string                     `json:"billing_source"`
	ImageDir      string                     `json:"image_dir"`
	Summary       matcher.Summary            `json:"summary"`
	Pending       int                        `json:"pending"`
	Decisions     []matcher.Decision         `json:"decisions"`
	Checks        []*matcher.CheckCandidates `json:"checks"`
	Skipped       []matcher.SkippedRecord    `json:"skipped,omitempty"`
}

// AcceptRequest names the invoice a check pays
type AcceptRequest struct {
	InvoiceNumber string `json:"invoice_number" binding:"required"`
}

// DecisionResponse is returned after a decision is recorded
type DecisionResponse struct {
	Decision  matcher.Decision `json:"decision"`
	Pending   int              `json:"pending"`
	Completed bool             `json:"completed"`
}

func (s *Server) listRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(s.config.DefaultPageSize)))
	if err != nil || limit <= 0 {
		limit = s.config.DefaultPageSize
	}

	runs, err := s.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c *gin.Context) {
	session, ok := s.openSession(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	outcome, err := session.Outcome(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	run := session.Run()
	decisions := session.Decisions()
	if decisions == nil {
		decisions = []matcher.Decision{}
	}
	c.JSON(http.StatusOK, RunResponse{
		ID:            run.ID,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
		Status:        run.Status,
		Mode:          run.Result.Mode,
		BillingSource: run.BillingSource,
		ImageDir:      run.ImageDir,
		Summary:       run.Result.Summary,
		Pending:       outcome.Pending,
		Decisions:     decisions,
		Checks:        run.Result.Checks,
		Skipped:       run.Result.Skipped,
	})
}

func (s *Server) getPending(c *gin.Context) {
	session, ok := s.openSession(c)
	if !ok {
		return
	}

	pending, err := session.Pending(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if pending == nil {
		pending = []*matcher.CheckCandidates{}
	}
	c.JSON(http.StatusOK, pending)
}

func (s *Server) getCheck(c *gin.Context) {
	session, ok := s.openSession(c)
	if !ok {
		return
	}

	candidates, err := session.Candidates(c.Request.Context(), c.Param("check"))
	if err != nil {
		s.failCheck(c, err)
		return
	}
	c.JSON(http.StatusOK, candidates)
}

func (s *Server) acceptCheck(c *gin.Context) {
	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	session, ok := s.openSession(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	checkID := c.Param("check")
	if _, err := session.Candidates(ctx, checkID); err != nil {
		s.failCheck(c, err)
		return
	}
	if err := session.Accept(ctx, checkID, req.InvoiceNumber); err != nil {
		s.fail(c, err)
		return
	}
	s.decided(c, session, checkID)
}

func (s *Server) skipCheck(c *gin.Context) {
	session, ok := s.openSession(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	checkID := c.Param("check")
	if _, err := session.Candidates(ctx, checkID); err != nil {
		s.failCheck(c, err)
		return
	}
	if err := session.Skip(ctx, checkID); err != nil {
		s.fail(c, err)
		return
	}
	s.decided(c, session, checkID)
}

func (s *Server) getArtifact(c *gin.Context) {
	format := reporter.OutputFormat(c.DefaultQuery("format", string(reporter.FormatJSON)))
	if !format.IsValid() || format == reporter.FormatConsole {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported artifact format %q", format)})
		return
	}

	session, ok := s.openSession(c)
	if !ok {
		return
	}
	outcome, err := session.Outcome(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	run := session.Run()
	artifact := reporter.BuildArtifact(reporter.RunInfo{
		ID:            run.ID,
		Status:        string(run.Status),
		BillingSource: run.BillingSource,
		ImageDir:      run.ImageDir,
		CreatedAt:     run.CreatedAt,
	}, run.Result, outcome, session.Decisions())

	config := reporter.DefaultReportConfig()
	config.Format = format
	config.UseColors = false
	generator, err := reporter.NewReportGenerator(config)
	if err != nil {
		s.fail(c, err)
		return
	}

	switch format {
	case reporter.FormatXLSX:
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=run-%s.xlsx", run.ID))
	case reporter.FormatCSV:
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=run-%s.csv", run.ID))
	default:
		c.Header("Content-Type", "application/json; charset=utf-8")
	}
	c.Status(http.StatusOK)
	if err := generator.GenerateReport(artifact, c.Writer); err != nil {
		s.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to render artifact")
	}
}

// decided replies after a decision and closes the run once nothing is pending
func (s *Server) decided(c *gin.Context, session *store.Session, checkID string) {
	ctx := c.Request.Context()
	outcome, err := session.Outcome(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	var decision matcher.Decision
	for _, d := range session.Decisions() {
		if d.CheckID == checkID {
			decision = d
		}
	}

	completed := outcome.Pending == 0
	if completed && session.Run().Status == store.StatusPending {
		if err := s.store.SetStatus(ctx, session.Run().ID, store.StatusCompleted); err != nil {
			s.fail(c, err)
			return
		}
	}

	s.logger.WithFields(logger.Fields{
		"run_id":  session.Run().ID,
		"check":   checkID,
		"action":  decision.Action,
		"invoice": decision.InvoiceNumber,
	}).Info("Review decision recorded")

	c.JSON(http.StatusOK, DecisionResponse{
		Decision:  decision,
		Pending:   outcome.Pending,
		Completed: completed,
	})
}

func (s *Server) openSession(c *gin.Context) (*store.Session, bool) {
	session, err := s.store.OpenSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return session, true
}

// failCheck reports an unknown check as not found
func (s *Server) failCheck(c *gin.Context, err error) {
	if rerr, ok := apperrors.AsReconcilerError(err); ok && rerr.Code == apperrors.CodeMissingField {
		c.JSON(http.StatusNotFound, gin.H{"error": rerr.Message})
		return
	}
	s.fail(c, err)
}

// fail maps service errors onto HTTP statuses
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if rerr, ok := apperrors.AsReconcilerError(err); ok {
		body["error"] = rerr.Message
		body["code"] = rerr.Code
		if rerr.Suggestion != "" {
			body["suggestion"] = rerr.Suggestion
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
		body = gin.H{"error": "internal error"}
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	rerr, ok := apperrors.AsReconcilerError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch {
	case rerr.Code == apperrors.CodeReviewConflict:
		return http.StatusConflict
	case rerr.Category == apperrors.CategoryValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
