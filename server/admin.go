package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serveAdmin runs the HTTP admin endpoint: Prometheus metrics plus a
// read-only view of the live connections and the plan cache.
func (s *Server) serveAdmin() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/api/v1/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.Connections()})
	})
	router.GET("/api/v1/plancache", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"hits":   s.translator.CacheHits(),
			"misses": s.translator.CacheMisses(),
			"size":   s.translator.CacheSize(),
		})
	})

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.AdminPort)
	slog.Info("Admin endpoint listening.", "addr", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		slog.Warn("Admin endpoint stopped.", "error", err)
	}
}
