package api

import (
	"errors"
	"io"
	"net/http"

	"bullion-custody-go/internal/custody"
	"bullion-custody-go/internal/ingest"
	"bullion-custody-go/internal/models"
	"bullion-custody-go/internal/pricing"
	"bullion-custody-go/internal/quote"
	"bullion-custody-go/internal/settlement"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "unable to read request body"})
		return
	}

	tx, err := s.ingest.Process(c.Request.Context(), c.Param("provider"), body, c.GetHeader(SignatureHeader))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"transaction": tx})
	case errors.Is(err, custody.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, custody.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, custody.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, custody.ErrUnsupportedAssetNetwork):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ingest.ErrUnresolvableVault):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	default:
		zap.L().Error("Webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
	}
}

func (s *Server) handleCreateQuote(c *gin.Context) {
	var req models.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		return
	}

	q, err := s.quotes.Create(c.Request.Context(), models.QuoteSide(req.Type), req.Metal, req.Grams, req.Address)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, models.QuoteResponse{
			Quote:         q,
			TimeRemaining: s.quotes.TimeRemaining(q).Seconds(),
		})
	case errors.Is(err, quote.ErrInvalidQuoteRequest), errors.Is(err, pricing.ErrPriceUnavailable):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	default:
		zap.L().Error("Quote creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
	}
}

func (s *Server) handleGetQuote(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "id query parameter is required"})
		return
	}

	q, err := s.quotes.Get(c.Request.Context(), id)
	switch {
	case err == nil && q.Status == models.QuoteExpired:
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "quote expired"})
	case err == nil:
		c.JSON(http.StatusOK, models.QuoteResponse{
			Quote:         q,
			TimeRemaining: s.quotes.TimeRemaining(q).Seconds(),
		})
	case errors.Is(err, quote.ErrQuoteNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	default:
		zap.L().Error("Quote lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
	}
}

func (s *Server) handleExecuteQuote(c *gin.Context) {
	var req models.ExecuteQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Id == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "quote id is required"})
		return
	}

	q, err := s.quotes.Execute(c.Request.Context(), req.Id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"quote": q})
	case errors.Is(err, quote.ErrQuoteNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, quote.ErrQuoteAlreadyExecuted), errors.Is(err, quote.ErrQuoteExpired):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	default:
		zap.L().Error("Quote execution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
	}
}

func (s *Server) handleCreateSettlement(c *gin.Context) {
	var req models.SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		return
	}

	var order *models.SettlementOrder
	var err error
	if req.QuoteId != "" {
		var q *models.Quote
		q, err = s.quotes.Get(c.Request.Context(), req.QuoteId)
		if err == nil {
			order, err = s.settlements.CreateFromQuote(c.Request.Context(), q, req.Rail)
		}
	} else {
		order, err = s.settlements.Create(c.Request.Context(), settlement.Params{
			AccountId: req.AccountId,
			Asset:     req.Metal,
			Grams:     req.Grams,
			Rail:      req.Rail,
		})
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"order": order})
	case errors.Is(err, quote.ErrQuoteNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, settlement.ErrQuoteNotExecutable), errors.Is(err, settlement.ErrQuoteAlreadySettled):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, settlement.ErrInvalidSettlementOrder), errors.Is(err, pricing.ErrPriceUnavailable):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	default:
		zap.L().Error("Settlement creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
	}
}

func (s *Server) handleGetSettlement(c *gin.Context) {
	order, err := s.settlements.Get(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"order": order})
	case errors.Is(err, settlement.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	default:
		zap.L().Error("Settlement lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
	}
}

func (s *Server) handleSettlementAction(c *gin.Context) {
	var req models.SettlementActionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OrderId == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "order_id is required"})
		return
	}

	var order *models.SettlementOrder
	var err error
	switch req.Action {
	case "complete":
		order, err = s.settlements.Complete(c.Request.Context(), req.OrderId, req.Reason)
	case "fail":
		order, err = s.settlements.Fail(c.Request.Context(), req.OrderId, req.Reason)
	default:
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "action must be complete or fail"})
		return
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"order": order})
	case errors.Is(err, settlement.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, settlement.ErrInvalidTransition):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	default:
		zap.L().Error("Settlement action failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
	}
}
