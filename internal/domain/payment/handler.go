package payment

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/auth"
	"github.com/hospital/backoffice/internal/platform/binding"
	"github.com/hospital/backoffice/pkg/pagination"
)

const callbackPath = "/payments/mpesa/callback"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the authenticated payment routes. writeMW wraps the
// routes that move money.
func (h *Handler) RegisterRoutes(api *echo.Group, writeMW ...echo.MiddlewareFunc) {
	// Read endpoints – any authenticated actor
	api.GET("/payments/transactions", h.ListTransactions)
	api.GET("/payments/transactions/:id", h.GetTransaction)
	api.GET("/payments/mpesa/status/:reference", h.PushStatus)
	api.GET("/payments/stripe/status/:reference", h.CardStatus)

	// Write endpoints – billing, admin
	writeGroup := api.Group("", append([]echo.MiddlewareFunc{auth.RequireRole(PaymentRoles)}, writeMW...)...)
	writeGroup.POST("/payments/create-intent", h.CreateIntent)
	writeGroup.POST("/payments/mpesa/initiate", h.InitiatePush)
	writeGroup.POST("/payments/confirm", h.Confirm)
	writeGroup.POST("/payments/refund", h.Refund)
}

// RegisterCallback mounts the gateway webhook outside authentication. mw
// should verify the caller, e.g. a signature check and a rate limit.
func (h *Handler) RegisterCallback(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.POST(callbackPath, h.Callback, mw...)
}

func (h *Handler) CreateIntent(c echo.Context) error {
	var req CreateIntentRequest
	if err := binding.Bind(c, &req, invoiceAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	resp, err := h.svc.CreateIntent(ctx, auth.ActorFromContext(ctx), *req.InvoiceID, *req.Amount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) InitiatePush(c echo.Context) error {
	var req InitiatePushRequest
	if err := binding.Bind(c, &req, pushAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	resp, err := h.svc.InitiatePush(ctx, auth.ActorFromContext(ctx), *req.InvoiceID, req.PhoneNumber, *req.Amount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Callback(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return apperr.Validation("unreadable callback body")
	}
	if _, err := h.svc.HandleCallback(c.Request().Context(), body); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CallbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}

func (h *Handler) PushStatus(c echo.Context) error {
	ctx := c.Request().Context()
	out, err := h.svc.PollPush(ctx, auth.ActorFromContext(ctx), c.Param("reference"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusResponse(out))
}

func (h *Handler) CardStatus(c echo.Context) error {
	ctx := c.Request().Context()
	out, err := h.svc.PollCard(ctx, auth.ActorFromContext(ctx), c.Param("reference"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusResponse(out))
}

func statusResponse(out *Outcome) StatusResponse {
	return StatusResponse{Status: out.Transaction.Status, Message: out.Message, Transaction: out.Transaction}
}

func (h *Handler) Confirm(c echo.Context) error {
	var req ConfirmRequest
	if err := binding.Bind(c, &req, confirmAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	t, err := h.svc.ConfirmManual(ctx, auth.ActorFromContext(ctx), ConfirmInput{
		TransactionID: req.TransactionID,
		InvoiceID:     req.InvoiceID,
		Method:        req.PaymentMethod,
		Amount:        req.Amount,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TransactionResponse{TransactionID: t.ID, Transaction: t})
}

func (h *Handler) Refund(c echo.Context) error {
	var req RefundTransactionRequest
	if err := binding.Bind(c, &req, refundAliases); err != nil {
		return err
	}
	ctx := c.Request().Context()
	t, err := h.svc.Refund(ctx, auth.ActorFromContext(ctx), RefundInput{
		TransactionID: *req.TransactionID,
		Amount:        *req.Amount,
		Reason:        req.Reason,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TransactionResponse{TransactionID: t.ID, Transaction: t})
}

func (h *Handler) GetTransaction(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return apperr.NotFound("transaction")
	}
	t, err := h.svc.GetTransaction(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	pg := pagination.FromContext(c)

	f := Filter{
		Status:        Status(c.QueryParam("status")),
		PaymentMethod: c.QueryParam("payment_method"),
	}
	switch f.Status {
	case "", StatusPending, StatusCompleted, StatusFailed:
	default:
		return apperr.ValidationFields(map[string]string{"status": "must be pending, completed or failed"})
	}
	for name, dst := range map[string]**int64{"patient_id": &f.PatientID, "invoice_id": &f.InvoiceID} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return apperr.ValidationFields(map[string]string{name: "must be an integer"})
		}
		*dst = &id
	}

	items, total, err := h.svc.ListTransactions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ListResponse{
		Transactions: items,
		Total:        total,
		Limit:        pg.Limit,
		Offset:       pg.Offset,
		HasMore:      pg.HasNext(total),
	})
}
