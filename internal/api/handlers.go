package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cardscan/internal/audit"
	"cardscan/internal/logging"
	"cardscan/internal/models"
	"cardscan/internal/ratelimit"
	"cardscan/internal/scan"
	"cardscan/internal/worker"
)

const (
	msgMethodNotAllowed = "メソッドが許可されていません"
	msgRateLimited      = "リクエストが多すぎます。しばらくしてから再度お試しください"
	msgBusy             = "サーバーが混み合っています。しばらくしてから再度お試しください"

	healthTimeout = 2 * time.Second
)

type Pipeline interface {
	Run(ctx context.Context, req *http.Request, requestID string) scan.Result
}

type Dispatcher interface {
	Do(ctx context.Context, key string, fn func(context.Context)) error
}

type EventLister interface {
	Recent(ctx context.Context, limit int) ([]models.ScanEvent, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Options holds the optional collaborators of a Handler.
type Options struct {
	Events  EventLister
	Limiter ratelimit.Limiter
	Checks  map[string]Pinger
	Logger  *zap.Logger
}

// Handler wires HTTP routes to the extraction pipeline.
type Handler struct {
	pipeline Pipeline
	workers  Dispatcher
	events   EventLister
	limiter  ratelimit.Limiter
	checks   map[string]Pinger
	logger   *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(pipeline Pipeline, workers Dispatcher, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		pipeline: pipeline,
		workers:  workers,
		events:   opts.Events,
		limiter:  opts.Limiter,
		checks:   opts.Checks,
		logger:   logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": msgMethodNotAllowed})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.POST("/analyze_image", h.rateLimit(), h.analyzeImage)
	api.PUT("/analyze_image", h.rateLimit(), h.analyzeImage)
	api.GET("/scans", h.listScans)
}

// rateLimit rejects clients over their quota. Limiter errors let the
// request through.
func (h *Handler) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil {
			c.Next()
			return
		}
		ok, err := h.limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			h.logger.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": msgRateLimited})
			return
		}
		c.Next()
	}
}

func (h *Handler) analyzeImage(c *gin.Context) {
	reqID := logging.RequestID(c)
	req := c.Request

	var res scan.Result
	err := h.workers.Do(req.Context(), c.ClientIP(), func(ctx context.Context) {
		res = h.pipeline.Run(ctx, req, reqID)
	})
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrDispatcherBusy):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": msgBusy})
		case errors.Is(err, worker.ErrDispatcherClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": msgBusy})
		default:
			// the client went away before a worker finished
			h.logger.Info("extraction abandoned", zap.String("request_id", reqID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": scan.KindTransportError.Message()})
		}
		return
	}

	if !res.OK() {
		c.JSON(statusFor(res.Failure.Kind), gin.H{"error": res.Failure.Kind.Message()})
		return
	}
	c.JSON(http.StatusOK, res.Record)
}

func statusFor(kind scan.ErrorKind) int {
	switch kind {
	case scan.KindNoFileProvided, scan.KindInvalidImage:
		return http.StatusBadRequest
	case scan.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) listScans(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": audit.ErrDisabled.Error()})
		return
	}
	limit := audit.DefaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > audit.MaxRecentLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}

	events, err := h.events.Recent(c.Request.Context(), limit)
	if err != nil {
		if errors.Is(err, audit.ErrDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("list scan events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list scan events failed"})
		return
	}
	if events == nil {
		events = []models.ScanEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": failed})
		return
	}

	body := gin.H{"status": "ok"}
	if s, ok := h.workers.(interface{ Stats() worker.Stats }); ok {
		body["workers"] = s.Stats()
	}
	c.JSON(http.StatusOK, body)
}
