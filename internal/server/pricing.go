package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	"github.com/meterline/meterline/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

func (s *Server) ListPricing(c *gin.Context) {
	rows, err := s.pricingSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"pricing": rows})
}

type applyPricingPayload struct {
	ModelID      string          `json:"model_id"`
	ProviderID   string          `json:"provider_id"`
	InputPrice   decimal.Decimal `json:"input_price_per_1k"`
	OutputPrice  decimal.Decimal `json:"output_price_per_1k"`
	ChangedBy    string          `json:"changed_by"`
	ChangeReason string          `json:"change_reason"`
}

func (s *Server) ApplyPricing(c *gin.Context) {
	var payload applyPricingPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	change, err := s.pricingSvc.Apply(c.Request.Context(), pricingdomain.ApplyPricingRequest{
		ModelID:      payload.ModelID,
		ProviderID:   payload.ProviderID,
		InputPrice:   payload.InputPrice,
		OutputPrice:  payload.OutputPrice,
		Source:       pricingdomain.PricingSourceManual,
		ChangedBy:    payload.ChangedBy,
		ChangeReason: payload.ChangeReason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, change)
}

func (s *Server) RemovePricing(c *gin.Context) {
	change, err := s.pricingSvc.Remove(c.Request.Context(), pricingdomain.RemovePricingRequest{
		ModelID:      c.Param("model"),
		ProviderID:   c.Param("provider"),
		ChangedBy:    strings.TrimSpace(c.Query("changed_by")),
		ChangeReason: strings.TrimSpace(c.Query("reason")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, change)
}

func (s *Server) ListPricingChanges(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.pricingSvc.ListChanges(c.Request.Context(), pricingdomain.ListChangesRequest{
		ModelID:    strings.TrimSpace(c.Query("model_id")),
		ProviderID: strings.TrimSpace(c.Query("provider_id")),
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) TriggerSync(c *gin.Context) {
	var opts syncdomain.Options
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}
	if strings.TrimSpace(opts.TriggeredBy) == "" {
		opts.TriggeredBy = "admin_api"
	}

	result, err := s.orchestrator.Sync(c.Request.Context(), opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) SyncStatus(c *gin.Context) {
	status, err := s.orchestrator.Status(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) ListPendingChanges(c *gin.Context) {
	pending, err := s.orchestrator.ListPending(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"pending_changes": pending})
}

type resolvePendingPayload struct {
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) ApplyPendingChange(c *gin.Context) {
	changeID, payload, err := resolvePendingArgs(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	change, err := s.orchestrator.ApplyChange(c.Request.Context(), changeID, payload.ResolvedBy)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "applied", "change": change})
}

func (s *Server) DismissPendingChange(c *gin.Context) {
	changeID, payload, err := resolvePendingArgs(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.orchestrator.DismissChange(c.Request.Context(), changeID, payload.ResolvedBy); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "dismissed"})
}

func resolvePendingArgs(c *gin.Context) (snowflake.ID, resolvePendingPayload, error) {
	var payload resolvePendingPayload
	changeID, err := snowflake.ParseString(c.Param("id"))
	if err != nil || changeID == 0 {
		return 0, payload, ErrInvalidRequest
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			return 0, payload, ErrInvalidRequest
		}
	}
	if strings.TrimSpace(payload.ResolvedBy) == "" {
		payload.ResolvedBy = "admin_api"
	}
	return changeID, payload, nil
}
