package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/stockresearch/internal/agents"
	"github.com/mohammad-safakhou/stockresearch/internal/jobs"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// ResearchHandler serves job submission, polling, cancellation and reports.
type ResearchHandler struct {
	Store  *jobs.Store
	Runner Submitter
	Tools  Catalog
	Limits research.RequestLimits

	ctx context.Context
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/tools", h.tools)
	g.GET("/:id", h.get)
	g.GET("/:id/report", h.report)
	g.POST("/:id/cancel", h.cancel)
	g.DELETE("/:id", h.cancel)
}

type createResponse struct {
	ResearchID string          `json:"research_id"`
	Status     research.Status `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (h *ResearchHandler) create(c echo.Context) error {
	var req research.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req, err := req.Normalize(h.Limits)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := h.Store.Create(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Runner != nil {
		ctx := h.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		h.Runner.Submit(ctx, job.ID)
	}
	return c.JSON(http.StatusAccepted, createResponse{ResearchID: job.ID, Status: job.Status, CreatedAt: job.CreatedAt})
}

type listItem struct {
	ResearchID  string          `json:"research_id"`
	Topic       string          `json:"topic"`
	Status      research.Status `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

func (h *ResearchHandler) list(c echo.Context) error {
	limit := defaultListLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxListLimit)
	}
	snaps := h.Store.List(limit)
	items := make([]listItem, 0, len(snaps))
	for _, j := range snaps {
		items = append(items, listItem{
			ResearchID:  j.ID,
			Topic:       j.Topic,
			Status:      j.Status,
			CreatedAt:   j.CreatedAt,
			CompletedAt: j.CompletedAt,
		})
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ResearchHandler) get(c echo.Context) error {
	job, err := h.Store.Get(c.Param("id"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, job)
}

type cancelResponse struct {
	ResearchID string          `json:"research_id"`
	Status     research.Status `json:"status"`
}

func (h *ResearchHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	status, err := h.Store.Cancel(id)
	if errors.Is(err, jobs.ErrAlreadyTerminal) {
		return echo.NewHTTPError(http.StatusConflict, "research already "+string(status)).SetInternal(statusError{status: status})
	}
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, cancelResponse{ResearchID: id, Status: status})
}

// report renders the stored report in the requested format, defaulting to
// the format the job was submitted with.
func (h *ResearchHandler) report(c echo.Context) error {
	job, err := h.Store.Get(c.Param("id"))
	if err != nil {
		return storeError(err)
	}
	if job.Result == nil || job.Result.Report == "" {
		return echo.NewHTTPError(http.StatusConflict, "report not available").SetInternal(statusError{status: job.Status})
	}
	format := c.QueryParam("format")
	if format == "" {
		format = job.OutputFormat
	}
	out, err := agents.Render(format, job.Result.Report, job.Result.Citations, job.Result.Statistics)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	switch format {
	case research.FormatHTML:
		return c.HTML(http.StatusOK, out)
	case research.FormatJSON:
		return c.JSONBlob(http.StatusOK, []byte(out))
	default:
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(out))
	}
}

func (h *ResearchHandler) tools(c echo.Context) error {
	if h.Tools == nil {
		return c.JSON(http.StatusOK, map[string]any{"tools": []any{}})
	}
	return c.JSON(http.StatusOK, map[string]any{"tools": h.Tools.Definitions()})
}

func storeError(err error) error {
	if errors.Is(err, jobs.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "research not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
