package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
	"github.com/meterline/meterline/pkg/db/pagination"
)

func (s *Server) ReportUsage(c *gin.Context) {
	var req usagedomain.RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if modelID := strings.TrimSpace(req.ModelID); modelID != "" {
		c.Set("model_id", modelID)
	}

	result, err := s.usageSvc.RecordAndCharge(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) Preflight(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.usageSvc.Preflight(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ListUsage(c *gin.Context) {
	userID, err := snowflakeQuery(c, "user_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	req := usagedomain.ListUsageRequest{
		UserID:     userID,
		Status:     usagedomain.RecordStatus(strings.TrimSpace(c.Query("status"))),
		Pagination: page,
	}

	resp, err := s.usageSvc.ListUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
