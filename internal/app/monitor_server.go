package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-trader/internal/monitor"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

// apiServer 提供运维 HTTP 接口，与 Pipeline 操作一一对应。
type apiServer struct {
	pipeline *Pipeline
	logger   *zap.Logger
	router   *gin.Engine
}

type signalRequest struct {
	Text   string `json:"text" binding:"required"`
	Source string `json:"source"`
}

type forceStopRequest struct {
	Reason string `json:"reason"`
}

func newAPIServer(pipeline *Pipeline, logger *zap.Logger) *apiServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &apiServer{
		pipeline: pipeline,
		logger:   logger.Named("api"),
		router:   router,
	}
	s.registerRoutes()
	return s
}

func (s *apiServer) registerRoutes() {
	api := s.router.Group("/api")
	api.POST("/signals", s.handleSubmit)
	api.POST("/signals/preview", s.handlePreview)
	api.GET("/stats", s.handleStats)
	api.GET("/trades", s.handleTrades)
	api.GET("/pending", s.handlePending)
	api.GET("/recovery", s.handleRecovery)
	api.GET("/risk", s.handleRisk)
	api.GET("/events", s.handleEvents)
	api.POST("/auto-trading/enable", s.handleEnable)
	api.POST("/auto-trading/disable", s.handleDisable)
	api.POST("/force-stop", s.handleForceStop)
	api.POST("/resume", s.handleResume)
}

// Handler 返回路由，便于测试直接驱动。
func (s *apiServer) Handler() http.Handler {
	return s.router
}

// Serve 监听地址直到 ctx 结束。
func (s *apiServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("运维接口已启动", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: 运维接口异常: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("关闭运维接口失败", zap.Error(err))
		}
		<-errCh
		return nil
	}
}

func (s *apiServer) handleSubmit(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	source := "http"
	if req.Source != "" {
		source = "http:" + req.Source
	}
	result := s.pipeline.Submit(source, req.Text)
	c.JSON(submitStatus(result), result)
}

func (s *apiServer) handlePreview(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.pipeline.Preview(req.Text))
}

func submitStatus(result SubmitResult) int {
	switch {
	case result.Accepted:
		return http.StatusAccepted
	case result.Code == CodeStopped:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *apiServer) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.Statistics())
}

func (s *apiServer) handleTrades(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.ActiveTrades())
}

func (s *apiServer) handlePending(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.PendingIntents())
}

func (s *apiServer) handleRecovery(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.RecoverySequences())
}

func (s *apiServer) handleRisk(c *gin.Context) {
	session, _ := s.pipeline.ledger.Session()
	c.JSON(http.StatusOK, gin.H{
		"summary":         s.pipeline.ledger.Summary(),
		"recommendations": s.pipeline.ledger.Recommendations(),
		"session":         session,
	})
}

func (s *apiServer) handleEvents(c *gin.Context) {
	if s.pipeline.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "事件记录未启用"})
		return
	}

	limit := defaultEventLimit
	if qs := c.Query("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			limit = min(v, maxEventLimit)
		}
	}
	eventType := monitor.EventType(strings.ToLower(strings.TrimSpace(c.Query("type"))))

	events, err := s.pipeline.events.ListEvents(c.Request.Context(), eventType, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *apiServer) handleEnable(c *gin.Context) {
	s.pipeline.EnableAutoTrading()
	c.JSON(http.StatusOK, gin.H{"auto_trading": true})
}

func (s *apiServer) handleDisable(c *gin.Context) {
	s.pipeline.DisableAutoTrading()
	c.JSON(http.StatusOK, gin.H{"auto_trading": false})
}

func (s *apiServer) handleForceStop(c *gin.Context) {
	var req forceStopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.pipeline.ForceStopTrading(c.Request.Context(), req.Reason)
	c.JSON(http.StatusOK, s.pipeline.ledger.Summary())
}

func (s *apiServer) handleResume(c *gin.Context) {
	s.pipeline.ResumeTrading(c.Request.Context())
	c.JSON(http.StatusOK, s.pipeline.ledger.Summary())
}
