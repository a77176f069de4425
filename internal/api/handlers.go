package api

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"reconciliation-engine/internal/matcher"
	"reconciliation-engine/internal/models"
	"reconciliation-engine/internal/reconciler"
	"reconciliation-engine/internal/reporter"

	"github.com/gin-gonic/gin"
)

type startSessionRequest struct {
	AccountID   string `json:"accountId" binding:"required"`
	PeriodStart string `json:"periodStart" binding:"required"`
	PeriodEnd   string `json:"periodEnd" binding:"required"`
	// Profile selects a preset: default, strict or relaxed
	Profile string `json:"profile"`
}

type confirmMatchRequest struct {
	SessionID     string `json:"sessionId" binding:"required"`
	TransactionID string `json:"transactionId" binding:"required"`
	LedgerEntryID string `json:"ledgerEntryId" binding:"required"`
	Actor         string `json:"actor"`
}

type rejectMatchRequest struct {
	Actor string `json:"actor"`
}

type excludeRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor"`
}

type resolveRequest struct {
	Resolution    string `json:"resolution" binding:"required"`
	LedgerEntryID string `json:"ledgerEntryId"`
	Actor         string `json:"actor"`
	Note          string `json:"note"`
}

// actor prefers the body value and falls back to the X-Actor header
func actor(c *gin.Context, fromBody string) string {
	if a := strings.TrimSpace(fromBody); a != "" {
		return a
	}
	return strings.TrimSpace(c.GetHeader("X-Actor"))
}

func (s *Server) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload: "+err.Error())
		return
	}

	start, err := models.ParseDate(req.PeriodStart)
	if err != nil {
		badRequest(c, "invalid periodStart")
		return
	}
	end, err := models.ParseDate(req.PeriodEnd)
	if err != nil {
		badRequest(c, "invalid periodEnd")
		return
	}

	cfg := s.config.Matching.Clone()
	if req.Profile != "" {
		cfg, err = matcher.ConfigForProfile(req.Profile)
		if err != nil {
			s.fail(c, err)
			return
		}
		cfg.SemanticEnabled = s.config.Matching.SemanticEnabled
		cfg.ScoringWorkers = s.config.Matching.ScoringWorkers
	}

	session, err := s.manager.StartSession(c.Request.Context(), strings.TrimSpace(req.AccountID), start, end, cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.store.ListSessions(c.Request.Context(), c.Query("account"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if sessions == nil {
		sessions = []*reconciler.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"data": sessions})
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.manager.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// runSession runs the pipeline detached from the request so a client that
// disconnects does not stop the run halfway
func (s *Server) runSession(c *gin.Context) {
	result, err := s.manager.RunPipeline(context.WithoutCancel(c.Request.Context()), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) completeSession(c *gin.Context) {
	session, err := s.manager.CompleteSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) cancelSession(c *gin.Context) {
	session, err := s.manager.CancelSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) listMatches(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := s.manager.GetSession(ctx, sessionID); err != nil {
		s.fail(c, err)
		return
	}

	matches, err := s.store.ListMatches(ctx, sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}

	status := models.MatchStatus(strings.ToUpper(c.Query("status")))
	filtered := make([]*models.Match, 0, len(matches))
	for _, m := range matches {
		if status == "" || m.Status == status {
			filtered = append(filtered, m)
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": filtered})
}

func (s *Server) listExceptions(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := s.manager.GetSession(ctx, sessionID); err != nil {
		s.fail(c, err)
		return
	}

	exceptions, err := s.store.ListExceptions(ctx, sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}

	openOnly := c.Query("open") == "true"
	filtered := make([]*models.Exception, 0, len(exceptions))
	for _, e := range exceptions {
		if !openOnly || e.IsOpen() {
			filtered = append(filtered, e)
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": filtered})
}

var reportContentTypes = map[reporter.OutputFormat]string{
	reporter.FormatConsole: "text/plain; charset=utf-8",
	reporter.FormatJSON:    "application/json; charset=utf-8",
	reporter.FormatCSV:     "text/csv; charset=utf-8",
}

func (s *Server) sessionReport(c *gin.Context) {
	config := reporter.DefaultReportConfig()
	config.Format = reporter.OutputFormat(c.DefaultQuery("format", string(reporter.FormatJSON)))
	config.IncludeResolved = c.Query("resolved") == "true"
	config.MaxItems = 0

	generator, err := reporter.NewSafeReportGenerator(config, s.logger)
	if err != nil {
		s.fail(c, err)
		return
	}

	report, err := reporter.BuildReport(c.Request.Context(), s.store, c.Param("id"), s.config.Clock())
	if err != nil {
		s.fail(c, err)
		return
	}

	var buf bytes.Buffer
	if err := generator.GenerateReportSafely(report, &buf); err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, reportContentTypes[config.Format], buf.Bytes())
}

func (s *Server) confirmMatch(c *gin.Context) {
	var req confirmMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload: "+err.Error())
		return
	}

	match, err := s.manager.ConfirmMatch(c.Request.Context(), req.SessionID, req.TransactionID, req.LedgerEntryID, actor(c, req.Actor))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, match)
}

func (s *Server) rejectMatch(c *gin.Context) {
	var req rejectMatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid payload: "+err.Error())
			return
		}
	}

	match, err := s.manager.RejectMatch(c.Request.Context(), c.Param("id"), actor(c, req.Actor))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, match)
}

func (s *Server) excludeTransaction(c *gin.Context) {
	var req excludeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload: "+err.Error())
		return
	}

	match, err := s.manager.ExcludeTransaction(c.Request.Context(), req.SessionID, c.Param("id"), req.Reason, actor(c, req.Actor))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, match)
}

func (s *Server) resolveException(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload: "+err.Error())
		return
	}

	exc, err := s.manager.ResolveException(c.Request.Context(), c.Param("id"), models.Resolution(strings.ToUpper(req.Resolution)),
		reconciler.ResolveOptions{
			LedgerEntryID: req.LedgerEntryID,
			Actor:         actor(c, req.Actor),
			Note:          req.Note,
		})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exc)
}
