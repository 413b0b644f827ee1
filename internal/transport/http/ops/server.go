package opshttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"klinekeeper/internal/logger"

	"github.com/gin-gonic/gin"
)

// Server 提供只读的运维 HTTP 接口（健康检查、采集状态、水位、回补记录）。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 ops HTTP 服务依赖。
type ServerConfig struct {
	Addr       string
	Status     StatusProvider
	Watermarks WatermarkReader
	// Runs 可为空，此时 /api/ingest/runs 返回 503。
	Runs RunLister
	// Feed 可为空。
	Feed FeedStats
}

// NewServer 构建 ops HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Status == nil || cfg.Watermarks == nil {
		return nil, errors.New("ops http server requires status provider and watermark reader")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	NewRouter(cfg.Status, cfg.Watermarks, cfg.Runs, cfg.Feed).Register(router.Group("/api"))
	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 以 debug 级别记录请求。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 暴露路由，测试中直接配合 httptest 使用。
func (s *Server) Handler() http.Handler { return s.router }

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
