package rules

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/openclinic/cdss/internal/platform/auth"
	"github.com/openclinic/cdss/pkg/pagination"
)

type Handler struct {
	svc      *Service
	pipeline *Pipeline
	cache    *Cache
	verifier *Verifier
}

func NewHandler(svc *Service, pipeline *Pipeline, cache *Cache, verifier *Verifier) *Handler {
	return &Handler{svc: svc, pipeline: pipeline, cache: cache, verifier: verifier}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Evaluation and read endpoints – any clinical role
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "health_worker"))
	readGroup.POST("/rules/evaluate", h.EvaluateRules)
	readGroup.GET("/rules", h.ListRules)
	readGroup.GET("/rules/:code", h.GetRule)

	// Administration – admin only
	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.POST("/rules/ingest", h.IngestRules)
	adminGroup.POST("/rules/:code/deactivate", h.DeactivateRule)
	adminGroup.GET("/ingestion-jobs", h.ListIngestionJobs)
	adminGroup.GET("/ingestion-jobs/:id", h.GetIngestionJob)
	adminGroup.GET("/integrity-report", h.IntegrityReport)
	adminGroup.GET("/cache/stats", h.CacheStats)
	adminGroup.POST("/cache/invalidate", h.InvalidateCache)
	adminGroup.POST("/cache/warm", h.WarmCache)
}

type evaluateRequest struct {
	ModuleCode   string       `json:"module_code"`
	Observations Observations `json:"observations"`
}

type evaluateResponse struct {
	ModuleCode string   `json:"module_code"`
	Alerts     []*Alert `json:"alerts"`
	AlertCount int      `json:"alert_count"`
}

func (h *Handler) EvaluateRules(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ModuleCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "module_code is required")
	}
	alerts, err := h.svc.Evaluate(c.Request().Context(), req.ModuleCode, req.Observations)
	if err != nil {
		if strings.Contains(err.Error(), "invalid module code") {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if alerts == nil {
		alerts = []*Alert{}
	}
	return c.JSON(http.StatusOK, evaluateResponse{
		ModuleCode: req.ModuleCode,
		Alerts:     alerts,
		AlertCount: len(alerts),
	})
}

func (h *Handler) ListRules(c echo.Context) error {
	pg := pagination.FromContext(c)
	moduleCode := strings.ToUpper(strings.TrimSpace(c.QueryParam("module")))
	activeOnly, _ := strconv.ParseBool(c.QueryParam("active_only"))
	items, total, err := h.svc.ListRules(c.Request().Context(), moduleCode, activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetRule(c echo.Context) error {
	rule, err := h.svc.GetRule(c.Request().Context(), c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "rule not found")
	}
	return c.JSON(http.StatusOK, rule)
}

func (h *Handler) DeactivateRule(c echo.Context) error {
	if err := h.svc.DeactivateRule(c.Request().Context(), c.Param("code")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "rule not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// IngestRules accepts a multipart CSV upload and runs it through the
// ingestion pipeline synchronously, returning the finished job record.
func (h *Handler) IngestRules(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	uploadedBy := auth.UserIDFromContext(c.Request().Context())
	job, err := h.pipeline.Ingest(c.Request().Context(), src, fileHeader.Filename, fileHeader.Size, uploadedBy)
	if err != nil {
		if job != nil {
			return c.JSON(http.StatusUnprocessableEntity, job)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) GetIngestionJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	job, err := h.svc.GetIngestionJob(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "ingestion job not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) ListIngestionJobs(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListIngestionJobs(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) IntegrityReport(c echo.Context) error {
	report, err := h.verifier.Check(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) CacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.cache.Stats())
}

type invalidateRequest struct {
	ModuleCode string `json:"module_code"`
}

// InvalidateCache drops the cached rule sets for one module, or every
// module when module_code is empty.
func (h *Handler) InvalidateCache(c echo.Context) error {
	var req invalidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.cache.Invalidate(strings.ToUpper(strings.TrimSpace(req.ModuleCode)))
	return c.NoContent(http.StatusNoContent)
}

type warmRequest struct {
	ModuleCodes []string `json:"module_codes"`
}

// WarmCache pre-populates the cache, defaulting to every module that has
// active rules when no codes are given.
func (h *Handler) WarmCache(c echo.Context) error {
	var req warmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	modules := req.ModuleCodes
	if len(modules) == 0 {
		var err error
		modules, err = h.svc.ListModuleCodes(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	h.cache.Warm(c.Request().Context(), modules)
	return c.JSON(http.StatusOK, map[string]interface{}{"warmed_modules": modules})
}
