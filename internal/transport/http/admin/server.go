package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"perpagent/internal/account"
	"perpagent/internal/control"
	"perpagent/internal/logger"
	"perpagent/internal/metrics"
	"perpagent/internal/store"
)

// Server 提供运维接口：状态查询、暂停/恢复/强平、平仓记录与盈亏曲线。
type Server struct {
	addr   string
	router *gin.Engine
}

// ChartRenderer 输出 go-echarts HTML。
type ChartRenderer interface {
	RenderHTML(ctx context.Context, symbol string) ([]byte, error)
}

// AccountView 提供共享账户快照。
type AccountView interface {
	Snapshot() *account.State
}

type ServerConfig struct {
	Addr    string
	Target  control.Target
	Ledger  store.Ledger
	Charts  ChartRenderer
	Account AccountView
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Target == nil {
		return nil, errors.New("admin http server requires a control target")
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
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	NewRouter(cfg).Register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录接口调用，便于追踪人工操作。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 暴露 gin engine，供测试直接驱动。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("admin http listening on %s", s.addr)
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
