// Package web serves the HTTP hook endpoint agents without MCP use to ask
// for advice and report outcomes.
package web

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advisor"
	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/logging"
	"github.com/hpungsan/nudge/internal/packet"
	"github.com/hpungsan/nudge/internal/rank"
)

const shutdownTimeout = 5 * time.Second

// Deps are the components the endpoint calls into.
type Deps struct {
	DB       *sql.DB
	Config   *config.Config
	Pipeline *advisor.Pipeline
	Packets  *packet.Cache
	Trust    *rank.TrustTable
	Logger   *zap.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps, version string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders())

	h := NewHandlers(deps, version)
	router.GET("/healthz", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, h)
	return router
}

// RegisterRoutes registers the /v1 endpoints.
//
//	POST /v1/advise     - advice for a pending tool call
//	POST /v1/feedback   - outcome of a shown advisory
//	POST /v1/invalidate - drop packets mentioning a changed file
//	GET  /v1/packets    - live packets, most effective first
//	GET  /v1/trust      - per-source trust multipliers
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.POST("/advise", h.HandleAdvise)
	rg.POST("/feedback", h.HandleFeedback)
	rg.POST("/invalidate", h.HandleInvalidate)
	rg.GET("/packets", h.HandlePackets)
	rg.GET("/trust", h.HandleTrust)
}

// NewServer creates the HTTP server for the hook endpoint.
func NewServer(deps Deps, version, bind string, port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           NewRouter(deps, version),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	logger = logging.OrNop(logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("hook endpoint listening", zap.String("addr", "http://"+srv.Addr))
	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		logger.Warn("binding to all interfaces; the endpoint may be reachable from the network")
	}

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down hook endpoint")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
