package export

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinex/clinex/internal/platform/auth"
	"github.com/clinex/clinex/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Trigger and read endpoints – researcher, data_steward (admin implied)
	exports := api.Group("", auth.RequireRole("researcher", "data_steward"))
	exports.POST("/exports", h.TriggerResearch)
	exports.POST("/exports/omop", h.TriggerOMOP)
	exports.GET("/exports", h.ListJobs)
	exports.GET("/exports/:id", h.GetJob)

	// Operational endpoints – data_steward only (admin implied)
	ops := api.Group("", auth.RequireRole("data_steward"))
	ops.GET("/exports/stale", h.ListStale)
	ops.GET("/watermarks", h.GetWatermarks)
	ops.POST("/watermarks/reset", h.ResetWatermarks)
}

// -- Trigger Handlers --

func (h *Handler) TriggerResearch(c echo.Context) error {
	return h.trigger(c, KindResearch)
}

func (h *Handler) TriggerOMOP(c echo.Context) error {
	return h.trigger(c, KindOMOP)
}

func (h *Handler) trigger(c echo.Context, kind Kind) error {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	resp, err := h.svc.Trigger(ctx, kind, auth.UserIDFromContext(ctx), auth.OrgIDFromContext(ctx), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		// Row estimation, job insert, or enqueue failed: the request was
		// well-formed, the platform was not.
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set("Location", "/api/v1/exports/"+resp.ID.String())
	return c.JSON(http.StatusAccepted, resp)
}

// -- Job Handlers --

func (h *Handler) GetJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	job, err := h.svc.GetJob(ctx, id, auth.OrgIDFromContext(ctx))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "export job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, job.Projection())
}

func (h *Handler) ListJobs(c echo.Context) error {
	pg := pagination.FromContext(c)
	status := Status(c.QueryParam("status"))
	switch status {
	case "", StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}

	ctx := c.Request().Context()
	jobs, total, err := h.svc.ListJobs(ctx, auth.OrgIDFromContext(ctx), status, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items := make([]StatusProjection, len(jobs))
	for i, j := range jobs {
		items[i] = j.Projection()
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListStale(c echo.Context) error {
	jobs, err := h.svc.StaleJobs(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items := make([]StatusProjection, len(jobs))
	for i, j := range jobs {
		items[i] = j.Projection()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

// -- Watermark Handlers --

func (h *Handler) GetWatermarks(c echo.Context) error {
	marks, err := h.svc.Watermarks(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make(map[string]string, len(marks))
	for table, ts := range marks {
		out[string(table)] = ts.UTC().Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ResetWatermarks(c echo.Context) error {
	if err := h.svc.ResetWatermarks(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
