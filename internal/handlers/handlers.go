package handlers

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/apperr"
	"github.com/example/cropscan/internal/auth"
	"github.com/example/cropscan/internal/capture"
	"github.com/example/cropscan/internal/imageutil"
	"github.com/example/cropscan/internal/logging"
	"github.com/example/cropscan/internal/platform"
	"github.com/example/cropscan/internal/session"
	"github.com/example/cropscan/internal/usecase"
)

// MaxUploadSize caps multipart request bodies.
const MaxUploadSize = 32 << 20

// Settings is the part of the configuration exposed by GET /config.
type Settings struct {
	MaxImageMB float64
	APIPath    string
}

// Handler serves the capture API.
type Handler struct {
	sessions *session.Registry
	results  *usecase.ResultUseCase
	selector *analysis.Selector
	settings Settings
	logger   *zap.Logger
}

// NewHandler wires the handler dependencies.
func NewHandler(sessions *session.Registry, results *usecase.ResultUseCase, selector *analysis.Selector, settings Settings, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		results:  results,
		selector: selector,
		settings: settings,
		logger:   logger.Named("http_handlers"),
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/config", h.getConfig)

	protected := router.Group("/", authMiddleware)
	protected.POST("/sessions", h.createSession)
	protected.GET("/sessions/:id", h.getSession)
	protected.DELETE("/sessions/:id", h.closeSession)
	protected.POST("/sessions/:id/library", h.pick(capture.SourceLibrary))
	protected.POST("/sessions/:id/camera", h.pick(capture.SourceCamera))
	protected.DELETE("/sessions/:id/selection", h.clearSelection)
	protected.POST("/sessions/:id/reset", h.reset)
	protected.POST("/sessions/:id/upload", h.upload)
	protected.GET("/results/:id", h.getResult)
	protected.GET("/metrics", h.getMetrics)
	protected.GET("/metrics/:id", h.getAuditRecord)
}

func (h *Handler) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mock_mode":    h.selector.MockMode(),
		"source":       h.selector.Source(),
		"max_image_mb": h.settings.MaxImageMB,
		"api_path":     h.settings.APIPath,
	})
}

func subject(c *gin.Context) string {
	if s, ok := auth.GetSubject(c.Request.Context()); ok {
		return s
	}
	return auth.AnonymousSubject
}

func (h *Handler) lookup(c *gin.Context) (*session.Session, bool) {
	s, err := h.sessions.Get(c.Param("id"), subject(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return s, true
}

func (h *Handler) createSession(c *gin.Context) {
	s, err := h.sessions.Create(subject(c))
	if err != nil {
		h.logger.Error("failed to open session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to open session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": s.ID,
		"state":      newStateView(s.Flow.State()),
	})
}

func (h *Handler) getSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": s.ID,
		"state":      newStateView(s.Flow.State()),
	})
}

func (h *Handler) closeSession(c *gin.Context) {
	if err := h.sessions.Close(c.Param("id"), subject(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) pick(source capture.Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.lookup(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		saved := ""
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
		file, err := c.FormFile("image")
		switch {
		case err == nil:
			src, err := file.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
				return
			}
			saved, err = s.Device.SaveUpload(file.Filename, src)
			src.Close()
			if err != nil {
				h.logger.Error("failed to stage upload", zap.Error(logging.NewOperationError("handlers.pick", s.ID, err)))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image"})
				return
			}
			ctx = platform.WithAsset(ctx, saved, file.Header.Get("Content-Type"))
		case isTooLarge(err):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			// no image means the picker was dismissed
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart body"})
			return
		}

		err = s.Flow.Pick(ctx, source)
		if saved != "" && (errors.Is(err, capture.ErrBusy) || errors.Is(err, capture.ErrClosed)) {
			os.Remove(saved)
		}
		h.respondFlow(c, s, err, nil)
	}
}

func (h *Handler) clearSelection(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	s.Flow.ClearSelected()
	c.JSON(http.StatusOK, gin.H{"session_id": s.ID, "state": newStateView(s.Flow.State())})
}

func (h *Handler) reset(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	s.Flow.Reset()
	c.JSON(http.StatusOK, gin.H{"session_id": s.ID, "state": newStateView(s.Flow.State())})
}

func (h *Handler) upload(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	opLogger := logging.WithOperation(h.logger, "handlers.upload", s.ID)

	payload := s.Flow.State().Base64
	start := time.Now()
	result, err := s.Flow.Upload(c.Request.Context())
	if err != nil {
		h.respondFlow(c, s, err, nil)
		return
	}

	resultID, err := h.results.Publish(c.Request.Context(), subject(c), result, usecase.PublishMeta{
		Source:  h.selector.Source(),
		Base64:  payload,
		Elapsed: time.Since(start),
	})
	if err != nil {
		opLogger.Error("failed to hand off result", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store result"})
		return
	}

	h.respondFlow(c, s, nil, gin.H{"result_id": resultID, "result": result})
}

func (h *Handler) getResult(c *gin.Context) {
	result, err := h.results.GetResult(c.Request.Context(), subject(c), c.Param("id"))
	if errors.Is(err, usecase.ErrResultNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load result", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result_id":          c.Param("id"),
		"result":             result,
		"confidence_percent": result.ConfidencePercent(),
	})
}

func (h *Handler) getMetrics(c *gin.Context) {
	summary, err := h.results.GetMetricsSummary(c.Request.Context())
	if errors.Is(err, usecase.ErrMetricsUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) getAuditRecord(c *gin.Context) {
	record, err := h.results.GetAuditRecord(c.Request.Context(), subject(c), c.Param("id"))
	switch {
	case errors.Is(err, usecase.ErrMetricsUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrResultNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "audit record not found"})
	case err != nil:
		h.logger.Error("failed to load audit record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit record"})
	default:
		c.JSON(http.StatusOK, record)
	}
}

func (h *Handler) respondFlow(c *gin.Context, s *session.Session, err error, extra gin.H) {
	body := gin.H{"session_id": s.ID, "state": newStateView(s.Flow.State())}
	for k, v := range extra {
		body[k] = v
	}

	if err == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	switch {
	case errors.Is(err, capture.ErrBusy):
		body["error"] = err.Error()
		c.JSON(http.StatusConflict, body)
		return
	case errors.Is(err, capture.ErrNoSelection):
		body["error"] = err.Error()
		c.JSON(http.StatusBadRequest, body)
		return
	case errors.Is(err, capture.ErrClosed):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	kind := apperr.KindOf(err)
	body["error"] = err.Error()
	body["kind"] = kind
	c.JSON(statusForKind(kind), body)
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.PermissionDenied:
		return http.StatusForbidden
	case apperr.UnsupportedFormat, apperr.ReadFailure:
		return http.StatusUnprocessableEntity
	case apperr.ImageTooLarge:
		return http.StatusOK
	case apperr.HTTPError, apperr.NetworkFailure:
		return http.StatusBadGateway
	case apperr.ConfigurationMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

type errorView struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
	Warning bool        `json:"warning"`
}

type stateView struct {
	Status       capture.Status         `json:"status"`
	HasImage     bool                   `json:"has_image"`
	URI          string                 `json:"uri,omitempty"`
	Mime         string                 `json:"mime,omitempty"`
	PreviewURI   string                 `json:"preview_uri,omitempty"`
	SizeBytes    int64                  `json:"size_bytes,omitempty"`
	SizeLabel    string                 `json:"size_label,omitempty"`
	RequestError string                 `json:"request_error,omitempty"`
	UIError      *errorView             `json:"ui_error,omitempty"`
	Result       *analysis.UploadResult `json:"result,omitempty"`
}

func newStateView(state capture.State) stateView {
	view := stateView{
		Status:       state.Status,
		HasImage:     state.HasSelection(),
		URI:          state.URI,
		Mime:         state.Mime,
		PreviewURI:   state.PreviewURI,
		SizeBytes:    state.Size,
		RequestError: state.RequestError,
		Result:       state.Result,
	}
	if state.Size > 0 {
		view.SizeLabel = imageutil.FormatBytes(state.Size)
	}
	if state.UIError != nil {
		view.UIError = &errorView{
			Kind:    state.UIError.Kind,
			Message: state.UIError.Error(),
			Warning: state.UIError.IsWarning(),
		}
	}
	return view
}
