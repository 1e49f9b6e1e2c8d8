// Package api 通过gin暴露账本、物品登记处和拍卖操作。
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"minter/internal/config"
	"minter/internal/errors"
	"minter/internal/state"
	"minter/internal/validation"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CallerHeader 调用方地址请求头，由部署环境负责认证
const CallerHeader = "X-Caller"

const callerKey = "caller"

// Server API服务器
type Server struct {
	machine       *state.Machine
	validator     *validation.Validator
	logger        *logrus.Logger
	logManager    *LogManager
	configManager *ConfigManager
	router        *gin.Engine
	server        *http.Server
	addr          string
	maxPageSize   int
	startTime     time.Time
}

// NewServer 创建API服务器，并把logrus日志挂到内存缓冲区
func NewServer(machine *state.Machine, cfg *config.Config, validator *validation.Validator, logger *logrus.Logger) *Server {
	serverCfg := cfg.Server
	if serverCfg == nil {
		serverCfg = config.GetDefaultConfig().Server
	}

	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	maxPageSize := 100
	if cfg.Engine != nil && cfg.Engine.MaxBidsPerPage > 0 {
		maxPageSize = cfg.Engine.MaxBidsPerPage
	}

	s := &Server{
		machine:     machine,
		validator:   validator,
		logger:      logger,
		logManager:  logManager,
		addr:        fmt.Sprintf("%s:%d", serverCfg.Host, serverCfg.Port),
		maxPageSize: maxPageSize,
		startTime:   time.Now(),
	}

	switch serverCfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(serverCfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	return s
}

// SetConfigManager 启用配置管理接口，需在 Handler 之前调用
func (s *Server) SetConfigManager(cm *ConfigManager) {
	s.configManager = cm
}

// Handler 返回路由
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.newRouter()
	}
	return s.router
}

func (s *Server) newRouter() *gin.Engine {
	router := gin.New()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, "+CallerHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	s.setupRoutes(router)
	return router
}

// requestLogger 请求日志
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("HTTP请求")
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		ledger := api.Group("/ledger")
		ledger.POST("/mint", s.requireCaller, s.mint)
		ledger.POST("/burn", s.requireCaller, s.burn)
		ledger.POST("/transfer", s.requireCaller, s.transfer)
		ledger.GET("/balance/:address", s.balanceOf)
		ledger.GET("/supply", s.totalSupply)

		items := api.Group("/items")
		items.POST("", s.requireCaller, s.mintItem)
		items.POST("/approval", s.requireCaller, s.setApproval)
		items.GET("/owner/:id", s.ownerOf)
		items.GET("/owned/:address", s.ownedItems)

		auctions := api.Group("/auctions")
		auctions.GET("", s.listAuctions)
		auctions.POST("", s.requireCaller, s.startAuction)
		auctions.GET("/:id", s.getAuction)
		auctions.POST("/:id/bids", s.requireCaller, s.bid)
		auctions.GET("/:id/bids", s.bidsOf)
		auctions.POST("/:id/claim", s.requireCaller, s.claim)

		api.GET("/settlements", s.settlements)
		api.GET("/stats", s.getStats)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		if s.configManager != nil {
			api.GET("/config", s.configManager.ListConfigs)
			api.GET("/config/:key", s.configManager.GetConfig)
			api.PUT("/config", s.configManager.UpdateConfig)
			api.PUT("/config/topics", s.configManager.UpdateTopic)
		}
	}
}

// Start 启动HTTP服务，阻塞直到服务关闭
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP服务异常: %w", err)
	}
	return nil
}

// Stop 停止接受新请求并等待进行中的请求完成
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("正在关闭API服务器")
	return s.server.Shutdown(ctx)
}

// requireCaller 从请求头解析调用方地址
func (s *Server) requireCaller(c *gin.Context) {
	raw := c.GetHeader(CallerHeader)
	if raw == "" {
		s.abortWithError(c, errors.ErrInvalidAddress.Newf("缺少 %s 请求头", CallerHeader))
		return
	}
	caller, err := s.validator.ParseAddress(CallerHeader, raw)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Set(callerKey, caller)
	c.Next()
}

func callerOf(c *gin.Context) common.Address {
	return c.MustGet(callerKey).(common.Address)
}

// statusFor 错误码到HTTP状态码
func statusFor(err error) int {
	le, ok := errors.From(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch le.Code {
	case errors.CodeUnauthorized, errors.CodeNotOwner, errors.CodeNotWinner, errors.CodeOperatorNotApproved:
		return http.StatusForbidden
	case errors.CodeAuctionNotFound, errors.CodeItemNotFound:
		return http.StatusNotFound
	case errors.CodeInsufficientBalance, errors.CodeAmountOverflow, errors.CodeBidTooLow,
		errors.CodeAuctionEnded, errors.CodeAuctionStillActive, errors.CodeAlreadyClaimed,
		errors.CodeItemUnavailable:
		return http.StatusConflict
	}
	if le.Type == errors.ErrorTypeValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// abortWithError 以 {"error": 错误码, "message": 描述} 返回错误
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if le, ok := errors.From(err); ok {
		message = le.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.Errorf("请求 %s %s 处理失败: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   errors.CodeOf(err),
		"message": message,
	})
}

// bindJSON 解析请求体，失败时返回400
func (s *Server) bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		s.abortWithError(c, errors.ErrInvalidArgument.Newf("请求参数错误: %v", err))
		return false
	}
	return true
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "minter-api",
	})
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"machine":    s.machine.Stats(),
		"validation": s.validator.GetValidationStats(),
		"logs":       s.logManager.Len(),
		"uptime":     time.Since(s.startTime).Truncate(time.Second).String(),
	})
}
