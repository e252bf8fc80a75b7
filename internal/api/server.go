package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"bullion-custody-go/internal/ingest"
	"bullion-custody-go/internal/models"
	"bullion-custody-go/internal/quote"
	"bullion-custody-go/internal/settlement"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignatureHeader carries the provider's HMAC over the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

// Server is the HTTP surface: webhook ingestion, quotes, and
// settlement administration.
type Server struct {
	router      *gin.Engine
	ingest      *ingest.Service
	quotes      *quote.Service
	settlements *settlement.Service
	adminToken  string
}

func NewServer(logger *zap.Logger, ing *ingest.Service, quotes *quote.Service, settlements *settlement.Service, cfg models.ServerConfig) *Server {
	server := &Server{
		ingest:      ing,
		quotes:      quotes,
		settlements: settlements,
		adminToken:  cfg.AdminToken,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	server.router = router
	server.registerRoutes()
	return server
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	zap.L().Info("Starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.POST("/webhook/:provider", s.handleWebhook)

	s.router.POST("/quote", s.handleCreateQuote)
	s.router.GET("/quote", s.handleGetQuote)
	s.router.POST("/quote/execute", s.handleExecuteQuote)

	s.router.POST("/settlement", s.handleCreateSettlement)
	s.router.GET("/settlement/:id", s.handleGetSettlement)

	admin := s.router.Group("/", s.requireAdmin)
	admin.POST("/settlement/complete", s.handleSettlementAction)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requireAdmin gates settlement administration behind a bearer token.
// An unconfigured token locks the endpoints entirely.
func (s *Server) requireAdmin(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if s.adminToken == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid or missing admin token"})
		return
	}
	c.Next()
}
