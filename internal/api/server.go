package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"backd/internal/config"
	"backd/internal/errors"
	"backd/internal/metrics"
	"backd/internal/progress"
	"backd/internal/protocols/compound"
	"backd/internal/state"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Options 可选组件
type Options struct {
	Metrics  *metrics.Metrics       // 为空时不暴露 /metrics
	DBConfig *config.DatabaseConfig // 为空时不注册数据库配置接口
	MaxLogs  int
}

// Server 快照查询服务，只读
type Server struct {
	config        *config.Config
	store         *progress.Manager
	metrics       *metrics.Metrics
	configManager *ConfigManager
	logger        *logrus.Logger
	logManager    *LogManager
	router        *gin.Engine
	server        *http.Server
	startTime     time.Time

	mu     sync.Mutex
	cached *loadedState
}

// loadedState 已解码的快照，按排序键缓存
type loadedState struct {
	at    state.EventTime
	state *compound.State
}

// NewServer 创建查询服务
func NewServer(cfg *config.Config, store *progress.Manager, opts Options, logger *logrus.Logger) (*Server, error) {
	// 快照恢复预言机时需要地址别名
	if err := compound.RegisterAliases(cfg.Oracles.Aliases, cfg.InterestRateModels.Aliases); err != nil {
		return nil, err
	}

	maxLogs := opts.MaxLogs
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	logManager := NewLogManager(maxLogs)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		config:     cfg,
		store:      store,
		metrics:    opts.Metrics,
		logger:     logger,
		logManager: logManager,
		startTime:  time.Now(),
	}
	if opts.DBConfig != nil {
		s.configManager = NewConfigManager(opts.DBConfig, logger)
	}
	s.router = s.buildRouter()
	return s, nil
}

// Router HTTP 处理器
func (s *Server) Router() http.Handler {
	return s.router
}

// Start 启动服务，阻塞直到 Stop
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止接收请求并等待处理中的请求完成
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	if mode := s.config.API.Mode; mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// 添加CORS中间件
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
	router.Use(s.requestLogger())
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// requestLogger 访问日志写入 logrus
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP 请求")
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.getStatus)
		api.GET("/snapshots", s.getSnapshots)

		// 状态查询，?block= 选择不晚于该区块的快照
		api.GET("/markets", s.getMarkets)
		api.GET("/markets/:address", s.getMarket)
		api.GET("/users", s.getUsers)
		api.GET("/users/:address/position", s.getUserPosition)

		api.GET("/config", s.getConfig)
		api.GET("/nodes", s.getNodes)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}

	if s.configManager != nil {
		db := api.Group("/db")
		{
			db.GET("/config", s.configManager.GetConfig)
			db.PUT("/config", s.configManager.UpdateConfig)
			db.GET("/nodes", s.configManager.GetBlockchainNodes)
			db.POST("/nodes", s.configManager.AddBlockchainNode)
			db.DELETE("/nodes/:name", s.configManager.DeleteBlockchainNode)
			db.GET("/hooks", s.configManager.GetHooks)
			db.PUT("/hooks/:name", s.configManager.UpdateHook)
		}
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "backd-api",
	})
}

// getStatus 重放进度
func (s *Server) getStatus(c *gin.Context) {
	if s.store.ReadOnly() {
		if err := s.store.Reload(); err != nil {
			s.logger.WithError(err).Warn("刷新进度失败")
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"progress":  s.store.GetProgress(),
		"stats":     s.store.GetStats(),
		"read_only": s.store.ReadOnly(),
		"uptime":    time.Since(s.startTime).String(),
	})
}

// getSnapshots 快照列表
func (s *Server) getSnapshots(c *gin.Context) {
	snapshots, err := s.store.ListSnapshots(compound.ProtocolName)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if snapshots == nil {
		snapshots = []progress.SnapshotInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshots": snapshots,
		"total":     len(snapshots),
	})
}

// marketSummary 市场概要，不含用户明细
type marketSummary struct {
	Address           string         `json:"address"`
	Listed            bool           `json:"listed"`
	InterestRateModel string         `json:"interest_rate_model,omitempty"`
	Balances          state.Balances `json:"balances"`
	BorrowIndex       string         `json:"borrow_index"`
	Reserves          string         `json:"reserves"`
	ReserveFactor     string         `json:"reserve_factor"`
	CollateralFactor  string         `json:"collateral_factor"`
	ExchangeRate      string         `json:"exchange_rate"`
	AccrualBlock      uint64         `json:"accrual_block"`
	Users             int            `json:"users"`
}

func summarize(m *state.Market) marketSummary {
	return marketSummary{
		Address:           m.Address,
		Listed:            m.Listed,
		InterestRateModel: m.InterestRateModel,
		Balances:          m.Balances,
		BorrowIndex:       m.BorrowIndex.String(),
		Reserves:          m.Reserves.String(),
		ReserveFactor:     m.ReserveFactor.String(),
		CollateralFactor:  m.CollateralFactor.String(),
		ExchangeRate:      m.UnderlyingExchangeRate().String(),
		AccrualBlock:      m.AccrualBlock,
		Users:             len(m.Users),
	}
}

// getMarkets 市场列表
func (s *Server) getMarkets(c *gin.Context) {
	loaded, ok := s.loadState(c)
	if !ok {
		return
	}

	markets := loaded.state.Markets.List()
	summaries := make([]marketSummary, 0, len(markets))
	for _, market := range markets {
		summaries = append(summaries, summarize(market))
	}
	c.JSON(http.StatusOK, gin.H{
		"event_time":   loaded.at,
		"close_factor": loaded.state.CloseFactor.String(),
		"markets":      summaries,
		"total":        len(summaries),
	})
}

// getMarket 单个市场，含用户明细
func (s *Server) getMarket(c *gin.Context) {
	loaded, ok := s.loadState(c)
	if !ok {
		return
	}
	market, err := loaded.state.Markets.Find(c.Param("address"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"event_time": loaded.at,
		"market":     market,
	})
}

// getUsers 去重后的用户地址，分页
func (s *Server) getUsers(c *gin.Context) {
	loaded, ok := s.loadState(c)
	if !ok {
		return
	}
	page, pageSize := pagination(c, 100)

	users := loaded.state.ComputeUniqueUsers()
	total := len(users)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	c.JSON(http.StatusOK, gin.H{
		"event_time": loaded.at,
		"users":      users[start:end],
		"total":      total,
		"page":       page,
		"pageSize":   pageSize,
	})
}

// getUserPosition 用户存借价值，?usd=true 按美元计价
func (s *Server) getUserPosition(c *gin.Context) {
	loaded, ok := s.loadState(c)
	if !ok {
		return
	}
	user := strings.ToLower(c.Param("address"))
	usd, _ := strconv.ParseBool(c.DefaultQuery("usd", "false"))

	var markets []string
	for _, market := range loaded.state.Markets.List() {
		if _, ok := market.User(user); ok {
			markets = append(markets, market.Address)
		}
	}
	if len(markets) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "用户不存在", "user": user})
		return
	}
	sort.Strings(markets)

	position := loaded.state.ComputeUserPosition(user, usd)
	c.JSON(http.StatusOK, gin.H{
		"event_time": loaded.at,
		"user":       user,
		"usd":        usd,
		"markets":    markets,
		"position":   position,
		"shortfall":  position.Shortfall().String(),
	})
}

// loadState 按 block 参数读取快照，失败时已写入响应
func (s *Server) loadState(c *gin.Context) (*loadedState, bool) {
	var (
		at    state.EventTime
		data  []byte
		found bool
		err   error
	)
	if raw := c.Query("block"); raw != "" {
		block, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的区块号", "block": raw})
			return nil, false
		}
		at, data, found, err = s.store.SnapshotAtBlock(compound.ProtocolName, block)
	} else {
		at, data, found, err = s.store.LatestSnapshot(compound.ProtocolName)
	}
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "没有可用的快照"})
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.cached.at == at {
		return s.cached, true
	}

	decoded := compound.NewState()
	decoded.InterestRateModels.SetFallback(s.config.InterestRateModels.Fallback)
	if err := json.Unmarshal(data, decoded); err != nil {
		s.respondError(c, err)
		return nil, false
	}
	s.cached = &loadedState{at: at, state: decoded}
	return s.cached, true
}

// respondError 按错误类型选择状态码
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errors.TypeOf(err) {
	case errors.ErrorTypeLookup:
		status = http.StatusNotFound
	case errors.ErrorTypeValidation, errors.ErrorTypeConfig:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("请求处理失败")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// getConfig 当前配置，连接串不返回
func (s *Server) getConfig(c *gin.Context) {
	source := *s.config.Source
	if source.DSN != "" {
		source.DSN = "******"
	}
	c.JSON(http.StatusOK, gin.H{
		"protocol":             s.config.Protocol,
		"source":               source,
		"processor":            s.config.Processor,
		"hooks":                s.config.Hooks,
		"snapshot":             s.config.Snapshot,
		"output":               s.config.Output,
		"oracles":              s.config.Oracles,
		"interest_rate_models": s.config.InterestRateModels,
	})
}

// getNodes 已配置的节点
func (s *Server) getNodes(c *gin.Context) {
	if s.config.Blockchain == nil || len(s.config.Blockchain.Nodes) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"nodes":   []gin.H{},
			"total":   0,
			"message": "未配置任何节点",
		})
		return
	}

	nodes := make([]gin.H, 0, len(s.config.Blockchain.Nodes))
	for _, node := range s.config.Blockchain.Nodes {
		nodes = append(nodes, gin.H{
			"name":       node.Name,
			"url":        node.URL,
			"rate_limit": node.RateLimit,
			"priority":   node.Priority,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"total": len(nodes),
	})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	page, pageSize := pagination(c, 20)

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()

	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}

// pagination 解析 page 和 pageSize，非法值使用默认
func pagination(c *gin.Context, defaultSize int) (int, int) {
	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := defaultSize
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}
	return page, pageSize
}
