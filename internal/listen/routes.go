package listen

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/observability"
)

// StatusHandler returns the status surface for callers that own their
// HTTP server. Run serves it itself when StatusAddr is set.
func (s *Service) StatusHandler() http.Handler {
	return s.statusRouter()
}

// statusRouter builds the listener's status surface. It runs outside the
// engine queue and reads state only through Snapshot.
func (s *Service) statusRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(serviceName))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.AdminOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes(r)
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func (s *Service) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		st := s.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    st.Uptime,
			"component": serviceName,
			"version":   "0.0.1",
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		st := s.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"ready":     st.Running,
			"uptime":    st.Uptime,
			"component": serviceName,
			"version":   "0.0.1",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Snapshot())
	})

	r.POST("/replay", func(c *gin.Context) {
		if err := s.RequestReplay(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/catchup", func(c *gin.Context) {
		if err := s.CatchUp(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/leave", func(c *gin.Context) {
		if err := s.Leave(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
