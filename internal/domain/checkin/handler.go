package checkin

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/binding"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the queue routes. Any authenticated staff member may
// use the queue.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/queue", h.GetQueue)
	api.POST("/queue", h.Enqueue)
	api.POST("/checkin", h.CheckIn)
	api.POST("/checkout", h.CheckOut)
}

func (h *Handler) GetQueue(c echo.Context) error {
	items, err := h.svc.Queue(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, QueueResponse{Queue: items})
}

func (h *Handler) Enqueue(c echo.Context) error {
	var req EnqueueRequest
	if err := binding.Bind(c, &req, enqueueAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	e, err := h.svc.Enqueue(ctx, auth.ActorFromContext(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, EntryResponse{Message: "Added to queue", Entry: e})
}

func (h *Handler) CheckIn(c echo.Context) error {
	var req MoveRequest
	if err := binding.Bind(c, &req, moveAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	e, err := h.svc.CheckIn(ctx, auth.ActorFromContext(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, EntryResponse{Message: "Checked in", Entry: e})
}

func (h *Handler) CheckOut(c echo.Context) error {
	var req MoveRequest
	if err := binding.Bind(c, &req, moveAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	e, err := h.svc.CheckOut(ctx, auth.ActorFromContext(ctx), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, EntryResponse{Message: "Checked out", Entry: e})
}
