package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/deblur/internal/content"
	"github.com/example/deblur/internal/usecase"
)

// multipartOverhead is the slack allowed on top of the image for form
// boundaries and headers.
const multipartOverhead = 1 << 20

// Config controls ingress checks.
type Config struct {
	MaxUploadBytes int64
	AllowedTypes   []string
}

// Handler serves the processing API.
type Handler struct {
	uc       *usecase.DeblurUseCase
	logger   *zap.Logger
	maxBytes int64
	allowed  map[string]struct{}
	gatherer prometheus.Gatherer
}

// NewHandler builds a Handler. gatherer may be nil to skip /metrics.
func NewHandler(uc *usecase.DeblurUseCase, cfg Config, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[content.NormalizeMediaType(t)] = struct{}{}
	}
	return &Handler{
		uc:       uc,
		logger:   logger.Named("http_handler"),
		maxBytes: cfg.MaxUploadBytes,
		allowed:  allowed,
		gatherer: gatherer,
	}
}

// Recovery turns panics into a failure envelope. Artifact cleanup has
// already run by the time it sees the panic.
func (h *Handler) Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		h.logger.Error("panic while handling request",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, failure(msgProcessingFailed, ""))
	})
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware gin.HandlerFunc) {
	router.MaxMultipartMemory = h.maxBytes + multipartOverhead

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/metrics/summary", h.metricsSummary)

	api := router.Group("/api")
	api.Use(authMiddleware)
	{
		api.POST("/deblur", h.deblur)
		api.POST("/validate", h.validate)
		api.POST("/feedback", h.feedback)
		api.GET("/requests/:id", h.requestLog)
	}
}

func (h *Handler) deblur(c *gin.Context) {
	data, mediaType, err := h.readUpload(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.uc.Deblur(c.Request.Context(), usecase.Request{Data: data, MediaType: mediaType})
	if err != nil {
		h.respondError(c, err)
		return
	}

	status, env := outcomeEnvelope(result)
	c.JSON(status, env)
}

func (h *Handler) validate(c *gin.Context) {
	data, _, err := h.readUpload(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	verdict, err := h.uc.CheckContent(data)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "verdict": verdict})
}

type feedbackRequest struct {
	Rating  float64 `json:"rating" binding:"required,min=1,max=5"`
	Comment string  `json:"comment" binding:"max=2000"`
}

// feedback accepts a rating of the result. It is logged, not stored.
func (h *Handler) feedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure("invalid rating", ""))
		return
	}
	h.logger.Info("received feedback", zap.Float64("rating", req.Rating), zap.String("comment", req.Comment))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "feedback received"})
}

func (h *Handler) requestLog(c *gin.Context) {
	entry, err := h.uc.GetProcessingLog(c.Request.Context(), c.Param("id"))
	if errors.Is(err, usecase.ErrSummaryUnavailable) {
		c.JSON(http.StatusServiceUnavailable, failure("processing logs are not enabled", ""))
		return
	}
	if err != nil {
		c.JSON(http.StatusNotFound, failure("request not found", ""))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": entry.RequestID,
		"outcome":    entry.Outcome,
		"cache_hit":  entry.CacheHit,
		"latency_ms": entry.LatencyMs,
		"created_at": entry.CreatedAt,
	})
}

func (h *Handler) metricsSummary(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if errors.Is(err, usecase.ErrSummaryUnavailable) {
		c.JSON(http.StatusServiceUnavailable, failure("processing logs are not enabled", ""))
		return
	}
	if err != nil {
		h.logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, failure("failed to aggregate metrics", ""))
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status, env := errorEnvelope(err, h.maxBytes)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.Int("status", status))
	} else {
		h.logger.Info("request rejected", zap.Error(err), zap.Int("status", status))
	}
	c.JSON(status, env)
}

// readUpload accepts either a multipart form with an "image" field or a
// raw image body, enforcing the size cap and the allowed media types.
func (h *Handler) readUpload(c *gin.Context) ([]byte, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartOverhead)

	var (
		data     []byte
		declared string
		err      error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		data, declared, err = h.readMultipart(c)
	} else {
		declared = c.ContentType()
		data, err = h.readRaw(c.Request.Body)
	}
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", ErrInputMissing
	}

	sniffed := content.NormalizeMediaType(content.DetectMediaType(data))
	if _, ok := h.allowed[sniffed]; !ok {
		return nil, "", ErrUnsupportedMediaType
	}
	if declared = content.NormalizeMediaType(declared); strings.HasPrefix(declared, "image/") {
		if _, ok := h.allowed[declared]; !ok {
			return nil, "", ErrUnsupportedMediaType
		}
	}
	return data, sniffed, nil
}

func (h *Handler) readMultipart(c *gin.Context) ([]byte, string, error) {
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) {
			return nil, "", ErrInputTooLarge
		}
		return nil, "", ErrInputMissing
	}
	if file.Size > h.maxBytes {
		return nil, "", ErrInputTooLarge
	}

	src, err := file.Open()
	if err != nil {
		return nil, "", err
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, "", err
	}
	return data, file.Header.Get("Content-Type"), nil
}

func (h *Handler) readRaw(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, h.maxBytes+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrInputTooLarge
		}
		return nil, err
	}
	if int64(len(data)) > h.maxBytes {
		return nil, ErrInputTooLarge
	}
	return data, nil
}
