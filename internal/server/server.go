// Package server exposes the answer engine over a small JSON HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/hurttlocker/owlbee/internal/analytics"
	"github.com/hurttlocker/owlbee/internal/answer"
	"github.com/hurttlocker/owlbee/internal/ingest"
	"github.com/hurttlocker/owlbee/internal/kb"
	"github.com/hurttlocker/owlbee/internal/logging"
	"github.com/hurttlocker/owlbee/internal/metrics"
	"github.com/hurttlocker/owlbee/internal/segment"
	"github.com/hurttlocker/owlbee/internal/store"
)

// Options configures the HTTP surface.
type Options struct {
	MaxUploadBytes int64         // multipart request cap (default: 100 MiB)
	TrainTimeout   time.Duration // default: 10m
	ChatTimeout    time.Duration // default: 60s
}

type Server struct {
	engine  *answer.Engine
	metrics *metrics.Metrics
	opts    Options
	log     zerolog.Logger
	echo    *echo.Echo
}

func New(engine *answer.Engine, m *metrics.Metrics, opts Options, log zerolog.Logger) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	if opts.TrainTimeout <= 0 {
		opts.TrainTimeout = 10 * time.Minute
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 60 * time.Second
	}
	s := &Server{engine: engine, metrics: m, opts: opts, log: logging.Component(log, "server")}
	s.echo = s.routes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug().Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).
				Dur("latency", v.Latency).Msg("request")
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	api := e.Group("/api/chatbots")
	api.GET("", s.list)
	api.GET("/:id", s.status)
	api.DELETE("/:id", s.delete)
	api.POST("/:id/train", s.train, middleware.BodyLimit(strconv.FormatInt(s.opts.MaxUploadBytes, 10)))
	api.POST("/:id/chat", s.chat)
	api.GET("/:id/search", s.search)
	api.GET("/:id/analytics", s.analytics)
	return e
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errc <- s.echo.Start(addr)
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (s *Server) list(c echo.Context) error {
	ids, err := s.engine.List(c.Request().Context())
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, echo.Map{"chatbots": ids})
}

func (s *Server) status(c echo.Context) error {
	id, err := chatbotID(c)
	if err != nil {
		return err
	}
	st, err := s.engine.Status(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) delete(c echo.Context) error {
	id, err := chatbotID(c)
	if err != nil {
		return err
	}
	if err := s.engine.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type trainRequest struct {
	Text        string   `json:"text" form:"text"`
	Sources     []string `json:"sources" form:"sources"`
	Name        string   `json:"name" form:"name"`
	Description string   `json:"description" form:"description"`
	Mode        string   `json:"mode" form:"mode"`
}

func (s *Server) train(c echo.Context) error {
	id, err := chatbotID(c)
	if err != nil {
		return err
	}
	var req trainRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	mode, err := answer.ParseMode(req.Mode)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.opts.TrainTimeout)
	defer cancel()

	var texts []string
	if strings.TrimSpace(req.Text) != "" {
		texts = append(texts, req.Text)
	}
	for _, src := range req.Sources {
		if !ingest.IsURL(src) {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("source %q is not an http(s) URL; upload files as multipart", src))
		}
		text, err := s.engine.Extract(ctx, src)
		if err != nil {
			return err
		}
		texts = append(texts, text)
	}
	uploaded, err := s.extractUploads(ctx, c)
	if err != nil {
		return err
	}
	texts = append(texts, uploaded...)

	res, err := s.engine.Train(ctx, id, strings.Join(texts, "\n\n"),
		kb.Metadata{Name: req.Name, Description: req.Description}, answer.TrainOptions{Mode: mode})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// extractUploads writes multipart "files" to a temporary directory, keeping
// their extensions, and extracts each one.
func (s *Server) extractUploads(ctx context.Context, c echo.Context) ([]string, error) {
	if !strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return nil, nil
	}
	form, err := c.MultipartForm()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form")
	}
	files := form.File["files"]
	if len(files) == 0 {
		return nil, nil
	}

	dir, err := os.MkdirTemp("", "owlbee-upload-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	texts := make([]string, 0, len(files))
	for i, fh := range files {
		path := filepath.Join(dir, fmt.Sprintf("%d_%s", i, filepath.Base(fh.Filename)))
		if err := saveUpload(fh, path); err != nil {
			return nil, fmt.Errorf("saving upload %s: %w", fh.Filename, err)
		}
		text, err := s.engine.Extract(ctx, path)
		if err != nil {
			return nil, err
		}
		texts = append(texts, text)
	}
	return texts, nil
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

type chatRequest struct {
	Message        string `json:"message"`
	Persona        string `json:"persona"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) chat(c echo.Context) error {
	id, err := chatbotID(c)
	if err != nil {
		return err
	}
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.opts.ChatTimeout)
	defer cancel()
	reply, err := s.engine.Converse(ctx, answer.Request{
		ChatbotID:      id,
		Message:        req.Message,
		Persona:        req.Persona,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"response":        reply.Text,
		"conversation_id": reply.ConversationID,
		"source":          reply.Source,
	})
}

func (s *Server) search(c echo.Context) error {
	id, err := chatbotID(c)
	if err != nil {
		return err
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k := 0
	if raw := c.QueryParam("k"); raw != "" {
		if k, err = strconv.Atoi(raw); err != nil || k <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "k must be a positive integer")
		}
	}
	res, err := s.engine.Search(c.Request().Context(), id, q, k)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) analytics(c echo.Context) error {
	id, err := chatbotID(c)
	if err != nil {
		return err
	}
	convs, err := s.engine.Conversations(c.Request().Context(), id, 0)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, analytics.Summarize(convs, nil))
}

func chatbotID(c echo.Context) (string, error) {
	id := c.Param("id")
	if err := store.ValidateID(id); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid chatbot id")
	}
	return id, nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var xerr *ingest.ExtractionError
	var gerr *kb.GenerationError
	switch {
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, segment.ErrNoContent), errors.As(err, &xerr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &gerr):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("request failed")
	}
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	if err := c.JSON(code, echo.Map{"error": msg}); err != nil {
		s.log.Warn().Err(err).Msg("writing error response")
	}
}
