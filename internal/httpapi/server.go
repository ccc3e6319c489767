// Package httpapi 运维接口：指标、健康状态、本地持久化的查询。
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"medic/internal/controller"
	"medic/pkg/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// HealthReporter 控制器健康状态
type HealthReporter interface {
	Health() controller.Health
}

// Querier 本地持久化的读路径
type Querier interface {
	Query(ctx context.Context, vertex string, f store.Filter) ([]store.Row, error)
}

// ActionLister 集群级动作镜像 (etcd)
type ActionLister interface {
	ListActions(ctx context.Context, limit int) ([]store.ActionRecord, error)
}

// Deps 各路由的数据来源；Actions 可以为 nil
type Deps struct {
	Gatherer prometheus.Gatherer
	Health   HealthReporter
	Store    Querier
	Actions  ActionLister
	Logger   *zap.Logger
}

// Server gin 引擎 + http.Server
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	logger *zap.Logger
}

// NewRouter 注册全部路由
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(deps.Logger))

	h := &handlers{deps: deps}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", h.health)

	v1 := r.Group("/api/v1")
	v1.GET("/flowunits/:vertex", h.flowUnits)
	v1.GET("/actions", h.actions)
	if deps.Actions != nil {
		v1.GET("/cluster/actions", h.clusterActions)
	}
	return r
}

// New 构造函数
func New(addr string, deps Deps) *Server {
	engine := NewRouter(deps)
	return &Server{
		engine: engine,
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: deps.Logger.Named("http"),
	}
}

// Serve 阻塞直到 Shutdown
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("http api listening", zap.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type handlers struct {
	deps Deps
}

// health 调度器在运行时返回 200，否则 503
func (h *handlers) health(c *gin.Context) {
	health := h.deps.Health.Health()
	code := http.StatusOK
	if health.State != controller.Started.String() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

func (h *handlers) flowUnits(c *gin.Context) {
	h.query(c, c.Param("vertex"))
}

func (h *handlers) actions(c *gin.Context) {
	h.query(c, store.ActionsTable)
}

func (h *handlers) query(c *gin.Context, table string) {
	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := h.deps.Store.Query(c.Request.Context(), table, f)
	if err != nil {
		h.deps.Logger.Warn("query persisted rows failed", zap.String("table", table), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []store.Row{}
	}
	c.JSON(http.StatusOK, gin.H{"table": table, "count": len(rows), "rows": rows})
}

func (h *handlers) clusterActions(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recs, err := h.deps.Actions.ListActions(c.Request.Context(), f.Limit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []store.ActionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "actions": recs})
}

// parseFilter since/until 接受 RFC3339 或 Unix 秒
func parseFilter(c *gin.Context) (store.Filter, error) {
	f := store.Filter{Limit: defaultLimit}
	var err error
	if f.Since, err = parseTime(c.Query("since")); err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = parseTime(c.Query("until")); err != nil {
		return f, fmt.Errorf("until: %w", err)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, errors.New("until is before since")
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		f.Limit = min(n, maxLimit)
	}
	return f, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
