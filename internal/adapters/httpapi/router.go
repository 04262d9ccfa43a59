package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"slicetune/internal/core"
)

// RouterConfig wires the router's collaborators. Only Handler is required.
type RouterConfig struct {
	Handler *Handler
	Logger  core.Logger
	// Gatherer backs GET /metrics; nil omits the endpoint.
	Gatherer prometheus.Gatherer
	// FeedbackLimiter throttles feedback submissions; nil disables limiting.
	FeedbackLimiter *rate.Limiter
}

// NewFeedbackLimiter returns a limiter for perSecond submissions with the
// given burst, or nil when perSecond is zero.
func NewFeedbackLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// NewRouter builds the gin engine serving the API.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Logger != nil {
		router.Use(requestLogger(cfg.Logger))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	h := cfg.Handler
	api := router.Group("/api/v1")
	{
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/:device/profiles", h.ListProfiles)
		api.GET("/devices/:device/profiles/:material", h.GetProfile)
		api.PUT("/devices/:device/profiles/:material", h.SaveProfile)
		api.GET("/devices/:device/profiles/:material/history", h.ProfileHistory)
		api.GET("/devices/:device/profiles/:material/resolve", h.ResolveProfile)
		api.POST("/devices/:device/profiles/:material/rollback", h.RollbackProfile)

		api.GET("/devices/:device/filaments", h.ListFilaments)
		api.GET("/devices/:device/filaments/:filament", h.GetFilament)
		api.PUT("/devices/:device/filaments/:filament", h.SaveFilament)

		api.POST("/feedback", rateLimit(cfg.FeedbackLimiter), h.SubmitFeedback)
		api.GET("/feedback", h.ListFeedback)

		api.POST("/calibrations", h.GenerateCalibration)
	}
	return router
}

func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorEnvelope{Error: APIError{
				Code:    "rate_limited",
				Message: "too many feedback submissions",
			}})
			return
		}
		c.Next()
	}
}

func requestLogger(logger core.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		kv := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			logger.Error("request failed", append(kv, "error", errs.String())...)
			return
		}
		logger.Debug("request", kv...)
	}
}
