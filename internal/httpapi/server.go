// Package httpapi is a thin status/introspection surface over a
// pipeline.Storage backing: GET /runs/:id reads back a PipelineRun's
// current status and counters. Grounded on the teacher's
// internal/http/server.go + router.go (gin.Engine, CORS middleware)
// and internal/http/middleware/auth.go (bearer-token gate), narrowed to
// the one read-only capability this package needs. It is deliberately
// not a CLI entrypoint (spec.md's Non-goals exclude those) — it's an
// optional HTTP view onto the run ledger a caller can mount alongside
// their own service.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/dataflow/pipeline"
)

// RunReader is the narrow read capability the server needs. Both
// internal/storage/postgres.Store and internal/storage/memory.Storage
// implement it in addition to pipeline.Storage.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (pipeline.PipelineRun, bool, error)
}

// Server wraps a gin.Engine exposing run-status endpoints.
type Server struct {
	engine *gin.Engine
	reader RunReader
}

// Config holds the server's auth settings.
type Config struct {
	// JWTSecret, when non-empty, requires a valid HMAC-signed (HS256,
	// HS384 or HS512) bearer token on every request. Empty disables auth — fine for a loopback-only demo.
	JWTSecret string
	// AllowOrigins is the CORS allowlist, mirroring the teacher's
	// middleware.CORS() default origins.
	AllowOrigins []string
}

// New builds a Server reading through reader.
func New(reader RunReader, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	s := &Server{engine: engine, reader: reader}

	group := engine.Group("/")
	if cfg.JWTSecret != "" {
		group.Use(requireBearer(cfg.JWTSecret))
	}
	group.GET("/runs/:id", s.getRun)
	group.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	return s
}

// Handler returns the underlying http.Handler, for http.Server wiring.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) getRun(c *gin.Context) {
	run, found, err := s.reader.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error(), "code": "internal"}})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "run not found", "code": "not_found"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":          run.RunID,
		"category":        run.Category,
		"name":            run.Name,
		"run_type":        run.RunType,
		"status":          run.Status,
		"start_time":      run.StartTime,
		"end_time":        run.EndTime,
		"duration_ms":     run.DurationMs,
		"total_count":     run.TotalCount,
		"completed_count": run.CompletedCount,
		"failed_count":    run.FailedCount,
		"skipped_count":   run.SkippedCount,
		"parent_run_id":   run.ParentRunID,
	})
}

// requireBearer mirrors the teacher's middleware.AuthMiddleware.RequireAuth:
// extract a bearer token, validate it, reject with 401 on any failure.
func requireBearer(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if len(authHeader) <= 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"}})
			return
		}
		tokenString := authHeader[7:]
		_, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": err.Error(), "code": "unauthorized"}})
			return
		}
		c.Next()
	}
}
