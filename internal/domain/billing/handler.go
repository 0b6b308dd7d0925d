package billing

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/binding"
	"github.com/hospital/backoffice/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// ListResponse is one page of invoices.
type ListResponse struct {
	Invoices []*Invoice `json:"invoices"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	Pages    int        `json:"pages"`
	HasMore  bool       `json:"has_more"`
}

// RegisterRoutes mounts the invoice routes. writeMW wraps the mutating
// routes, typically with idempotency-key replay.
func (h *Handler) RegisterRoutes(api *echo.Group, writeMW ...echo.MiddlewareFunc) {
	// Read endpoints – any authenticated actor
	api.GET("/invoices", h.ListInvoices)
	api.GET("/invoices/:id", h.GetInvoice)

	// Write endpoints – billing, admin
	writeGroup := api.Group("", append([]echo.MiddlewareFunc{auth.RequireRole(LedgerRoles)}, writeMW...)...)
	writeGroup.POST("/invoices", h.CreateInvoice)
	writeGroup.PUT("/invoices/:id/pay", h.PayInvoice)
}

func (h *Handler) CreateInvoice(c echo.Context) error {
	var req CreateRequest
	if err := binding.Bind(c, &req, createAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	inv, err := h.svc.CreateInvoice(ctx, auth.ActorFromContext(ctx), CreateInput{
		PatientID:   *req.PatientID,
		VisitID:     *req.VisitID,
		TotalAmount: *req.TotalAmount,
		Services:    req.Services,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContextWithDefault(c, DefaultPageSize)

	var f ListFilter
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return apperr.ValidationFields(map[string]string{"patient_id": "must be an integer"})
		}
		f.PatientID = &pid
	}

	items, total, err := h.svc.ListInvoices(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	pages := (total + pg.Limit - 1) / pg.Limit
	return c.JSON(http.StatusOK, ListResponse{
		Invoices: items,
		Total:    total,
		Page:     pg.Page(),
		Pages:    pages,
		HasMore:  pg.HasNext(total),
	})
}

func (h *Handler) PayInvoice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req PayRequest
	if err := binding.Bind(c, &req, payAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	inv, err := h.svc.SettleManually(ctx, auth.ActorFromContext(ctx), id, req.PaymentMethod)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.NotFound("invoice")
	}
	return id, nil
}
