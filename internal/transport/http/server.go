package httpapi

import (
	"context"
	"net/http"
	"time"

	"condor/internal/logger"
	"condor/internal/types"

	"github.com/gin-gonic/gin"
)

// Deps are the read surfaces and commands the API exposes. The dashboard is
// an external consumer; this layer serves JSON snapshots only.
type Deps struct {
	SessionState  func() types.SessionState
	Portfolio     func() types.PortfolioSnapshot
	Orders        func() []types.StrategyOrder
	Quotes        func() []types.Quote
	EmergencyStop func(ctx context.Context)
	ReloadConfig  func() error
	CancelOrder   func(orderID string) (types.OrderState, error)
}

type Server struct {
	addr string
	deps Deps
	srv  *http.Server
}

func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/positions", s.handlePositions)
	api.GET("/orders", s.handleOrders)
	api.GET("/quotes", s.handleQuotes)
	api.POST("/orders/:id/cancel", s.handleCancel)
	api.POST("/emergency-stop", s.handleEmergencyStop)
	api.POST("/config/reload", s.handleReload)
	return router
}

func (s *Server) Start() {
	s.srv = &http.Server{Addr: s.addr, Handler: s.router()}
	go func() {
		logger.Infof("http: listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http: server stopped: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.deps.Portfolio()
	c.JSON(http.StatusOK, gin.H{
		"session":        s.deps.SessionState(),
		"open_contracts": snap.TotalOpenContracts(),
		"daily_pnl":      snap.Account.DailyPnL(),
		"as_of":          snap.TakenAt.Format(time.RFC3339),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	snap := s.deps.Portfolio()
	c.JSON(http.StatusOK, gin.H{"positions": snap.Positions, "account": snap.Account})
}

func (s *Server) handleOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.deps.Orders()})
}

func (s *Server) handleQuotes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"quotes": s.deps.Quotes()})
}

func (s *Server) handleCancel(c *gin.Context) {
	state, err := s.deps.CancelOrder(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	logger.Warnf("http: emergency stop requested from %s", c.ClientIP())
	s.deps.EmergencyStop(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleReload(c *gin.Context) {
	if err := s.deps.ReloadConfig(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}
