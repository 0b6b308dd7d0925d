package visit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/binding"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the visit routes on an authenticated group. Stage
// ownership is checked per transition, so only creation is gated here.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/visits", h.CreateVisit, auth.RequireRole(CreateRoles))
	api.GET("/visits", h.ListVisits)
	api.GET("/visits/:id", h.GetVisit)
	api.PUT("/visits/:id", h.UpdateVisit)
}

func (h *Handler) CreateVisit(c echo.Context) error {
	var req CreateRequest
	if err := binding.Bind(c, &req, createAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	v, err := h.svc.CreateVisit(ctx, auth.ActorFromContext(ctx), *req.PatientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) ListVisits(c echo.Context) error {
	ctx := c.Request().Context()
	visits, err := h.svc.ListVisits(ctx, auth.ActorFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ListResponse{Visits: visits})
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVisit(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) UpdateVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := binding.Bind(c, &req, updateAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	v, err := h.svc.UpdateVisit(ctx, auth.ActorFromContext(ctx), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.NotFound("visit")
	}
	return id, nil
}
