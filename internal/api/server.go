package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"avitohunter/internal/api/middleware"
	"avitohunter/internal/crawler"
	"avitohunter/internal/pkg/logger"
	"avitohunter/internal/proxy"
)

// StatsProvider 提供抓取循环统计。
type StatsProvider interface {
	Stats() crawler.Stats
}

// CountersProvider 提供请求计数快照。
type CountersProvider interface {
	Snapshot() crawler.CountersSnapshot
}

// ProxyProvider 提供代理池状态。
type ProxyProvider interface {
	Active() (proxy.Endpoint, bool)
	Size() int
	Rotations() int
}

// Server 是只读的状态服务：健康检查、运行统计和 Prometheus 指标。
type Server struct {
	router   *gin.Engine
	srv      *http.Server
	logger   *slog.Logger
	stats    StatsProvider
	counters CountersProvider
	proxies  ProxyProvider
}

// NewServer 创建状态服务。
//
// 参数:
//
//	addr: 监听地址
//	stats: 抓取循环
//	counters: 请求计数
//	proxies: 代理池，可以为空
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 状态服务
func NewServer(addr string, stats StatsProvider, counters CountersProvider, proxies ProxyProvider, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		router:   r,
		logger:   logger.OrDefault(log),
		stats:    stats,
		counters: counters,
		proxies:  proxies,
	}
	r.Use(middleware.RequestLogger(s.logger, "/healthz", "/metrics"))
	s.registerRoutes()

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/stats", s.handleStats)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Run 启动 HTTP 服务器并阻塞，Shutdown 之后返回 nil。
// 监听地址为空时不启动，直接返回。
func (s *Server) Run() error {
	if s.srv.Addr == "" {
		s.logger.Info("status server disabled")
		return nil
	}
	s.logger.Info("status server listening", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type proxyStatus struct {
	Active    string `json:"active,omitempty"`
	Size      int    `json:"size"`
	Rotations int    `json:"rotations"`
}

type statsResponse struct {
	Crawl    crawler.Stats            `json:"crawl"`
	Counters crawler.CountersSnapshot `json:"counters"`
	Proxy    proxyStatus              `json:"proxy"`
}

func (s *Server) handleStats(c *gin.Context) {
	var resp statsResponse
	if s.stats != nil {
		resp.Crawl = s.stats.Stats()
	}
	if s.counters != nil {
		resp.Counters = s.counters.Snapshot()
	}
	if s.proxies != nil {
		if ep, ok := s.proxies.Active(); ok {
			resp.Proxy.Active = ep.Redacted()
		}
		resp.Proxy.Size = s.proxies.Size()
		resp.Proxy.Rotations = s.proxies.Rotations()
	}
	c.JSON(http.StatusOK, resp)
}
