package whisper

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sotto-dev/sotto/internal/observability"
)

// StatusHandler returns the status and admin surface for callers that
// own their HTTP server. Run serves it itself when StatusAddr is set.
func (s *Service) StatusHandler() http.Handler {
	return s.statusRouter()
}

// statusRouter builds the whisperer's status and admin surface. It runs
// outside the engine queue and reads state only through Snapshot.
func (s *Service) statusRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(serviceName))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.AdminOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
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

	r.GET("/listeners", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"listeners": s.Snapshot().Listeners,
		})
	})

	r.POST("/listeners/:profile/grant", func(c *gin.Context) {
		profile := c.Param("profile")
		username := c.Query("username")
		if username == "" {
			username = profile
		}
		if err := s.Grant(profile, username); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "profile": profile})
	})

	r.POST("/listeners/:profile/revoke", func(c *gin.Context) {
		profile := c.Param("profile")
		if err := s.Revoke(profile); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "profile": profile})
	})

	r.POST("/transcript/share", func(c *gin.Context) {
		id, err := s.SaveTranscript()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "transcript": id})
	})

	r.GET("/transcripts", func(c *gin.Context) {
		ids, err := s.Transcripts()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"transcripts": ids})
	})

	r.GET("/transcripts/:id", func(c *gin.Context) {
		id := c.Param("id")
		lines, err := s.Transcript(id)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, os.ErrNotExist) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"transcript": id, "lines": lines})
	})

	r.DELETE("/transcripts/:id", func(c *gin.Context) {
		id := c.Param("id")
		if err := s.RemoveTranscript(id); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "transcript": id})
	})
}
