package api

import (
	"net/http"

	apperrors "reconciliation-engine/pkg/errors"

	"github.com/gin-gonic/gin"
)

// errorResponse is the body of every failed request
type errorResponse struct {
	Error      string                  `json:"error"`
	Code       apperrors.ErrorCode     `json:"code,omitempty"`
	Category   apperrors.ErrorCategory `json:"category,omitempty"`
	Suggestion string                  `json:"suggestion,omitempty"`
}

// statusFor maps an error onto an HTTP status by category, with a few
// codes singled out
func statusFor(err *apperrors.ReconcilerError) int {
	switch err.Code {
	case apperrors.CodeNotFound, apperrors.CodeSessionNotFound:
		return http.StatusNotFound
	case apperrors.CodeSemanticTimeout:
		return http.StatusGatewayTimeout
	}

	switch err.Category {
	case apperrors.CategoryConfiguration, apperrors.CategoryValidation, apperrors.CategoryParse:
		return http.StatusBadRequest
	case apperrors.CategoryState, apperrors.CategoryIntegrity:
		return http.StatusConflict
	case apperrors.CategoryCollaborator:
		return http.StatusBadGateway
	case apperrors.CategoryResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	recErr, ok := apperrors.AsReconcilerError(err)
	if !ok {
		s.logger.WithError(err).Error("Unexpected error while serving request")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	status := statusFor(recErr)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	c.JSON(status, errorResponse{
		Error:      recErr.Message,
		Code:       recErr.Code,
		Category:   recErr.Category,
		Suggestion: recErr.Suggestion,
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: msg, Code: apperrors.CodeInvalidFormat})
}
