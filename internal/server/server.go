// Package server exposes research jobs over REST and a WebSocket progress
// stream, and runs the cron scheduler that submits recurring research.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kataras/golog"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/stockresearch/config"
	"github.com/mohammad-safakhou/stockresearch/internal/jobs"
	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

// Submitter starts a stored job in the background.
type Submitter interface {
	Submit(ctx context.Context, id string)
}

// Catalog lists the tools the research agent may call.
type Catalog interface {
	Definitions() []tools.Definition
}

// Deps are the collaborators shared by the HTTP handlers and the scheduler.
type Deps struct {
	Store     *jobs.Store
	Runner    Submitter
	Tools     Catalog
	Gatherer  prometheus.Gatherer
	Logger    *golog.Logger
	Heartbeat time.Duration
	Limits    research.RequestLimits
	Origins   []string
}

// DepsFrom fills the config-derived fields of Deps.
func DepsFrom(cfg *config.Config) Deps {
	r := cfg.Research.Normalize()
	return Deps{
		Heartbeat: cfg.Server.HeartbeatInterval,
		Origins:   cfg.Server.AllowOrigins,
		Limits: research.RequestLimits{
			DefaultMaxTopics: r.DefaultMaxTopics,
			MinTopics:        r.MinTopics,
			MaxTopics:        r.MaxTopicsLimit,
			DefaultLanguage:  r.DefaultLanguage,
		},
	}
}

// Server owns the echo instance and the context jobs are submitted with.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *golog.Logger
	ctx    context.Context
}

// New builds the router. ctx outlives requests and bounds in-flight model and
// tool calls of submitted jobs.
func New(ctx context.Context, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 30 * time.Second
	}
	if len(d.Origins) == 0 {
		d.Origins = []string{"*"}
	}
	s := &Server{echo: echo.New(), deps: d, logger: d.Logger, ctx: ctx}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: d.Origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	h := &ResearchHandler{Store: d.Store, Runner: d.Runner, Tools: d.Tools, Limits: d.Limits, ctx: ctx}
	h.Register(e.Group("/research"))
	st := &StreamHandler{Store: d.Store, Heartbeat: d.Heartbeat, Logger: d.Logger}
	st.Register(e.Group("/research"))
	return s
}

// Handler exposes the router, mostly for httptest servers.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.logger.Infof("listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	body := map[string]any{}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		if st, ok := he.Internal.(statusError); ok {
			body["status"] = st.status
		}
	}
	body["error"] = msg
	req := c.Request()
	if code >= http.StatusInternalServerError {
		s.logger.Errorf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
	} else {
		s.logger.Debugf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, body)
	}
}

// statusError carries the job status of a rejected cancel into the error body.
type statusError struct {
	status research.Status
}

func (e statusError) Error() string { return "job is " + string(e.status) }
