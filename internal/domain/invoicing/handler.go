package invoicing

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/domain/establishment"
	"github.com/okatech-org/sante-sub008/internal/domain/reimbursement"
	"github.com/okatech-org/sante-sub008/internal/domain/workcontext"
	"github.com/okatech-org/sante-sub008/internal/platform/auth"
	"github.com/okatech-org/sante-sub008/internal/platform/httperr"
	"github.com/okatech-org/sante-sub008/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the authenticated billing routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/invoices", h.Create, workcontext.RequireCapability(affiliation.CapManageBilling))
	api.GET("/invoices", h.List)
	api.GET("/invoices/:id", h.Get)
	api.GET("/invoices/:id/payments", h.Payments)
	api.POST("/invoices/:id/payments", h.RecordPayment, workcontext.RequireCapability(affiliation.CapRecordPayments))
	api.POST("/invoices/:id/cancel", h.Cancel, workcontext.RequireCapability(affiliation.CapManageBilling))
}

// RegisterWebhook mounts the gateway confirmation endpoint behind verify,
// which authenticates the caller in place of a user token.
func (h *Handler) RegisterWebhook(api *echo.Group, verify echo.MiddlewareFunc) {
	api.POST("/payments/:id/confirm", h.Confirm, verify)
}

var invoiceErrors = []httperr.Case{
	{Err: ErrForbidden, Status: http.StatusForbidden},
	{Err: ErrInvalidInput, Status: http.StatusBadRequest},
	{Err: reimbursement.ErrInvalidInput, Status: http.StatusBadRequest},
	{Err: ErrConventionNotAccepted, Status: http.StatusUnprocessableEntity},
	{Err: ErrCannotCancel, Status: http.StatusConflict},
	{Err: ErrInvoiceNotPending, Status: http.StatusConflict},
	{Err: ErrPaymentSettled, Status: http.StatusConflict},
	{Err: ErrNotFound, Status: http.StatusNotFound, Message: "invoice not found"},
	{Err: ErrPaymentNotFound, Status: http.StatusNotFound, Message: "payment not found"},
	{Err: establishment.ErrNotFound, Status: http.StatusNotFound, Message: "establishment not found"},
}

func viewer(c echo.Context) (Viewer, error) {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return Viewer{}, err
	}
	wc, _ := workcontext.FromContext(c.Request().Context())
	return Viewer{IdentityID: id, Context: wc}, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, httperr.BadRequest("invalid id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	wc, err := workcontext.Require(c)
	if err != nil {
		return err
	}
	var d Draft
	if err := c.Bind(&d); err != nil {
		return httperr.BadRequest(err.Error())
	}
	inv, err := h.svc.CreateInvoice(c.Request().Context(), wc, d)
	if err != nil {
		return httperr.Map(err, invoiceErrors...)
	}
	return c.JSON(http.StatusCreated, inv)
}

// List returns the caller's own invoices, or with ?scope=establishment the
// invoices of the working establishment, optionally filtered by ?status=.
func (h *Handler) List(c echo.Context) error {
	v, err := viewer(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	var (
		list  []*Invoice
		total int
	)
	if c.QueryParam("scope") == "establishment" {
		list, total, err = h.svc.ListByEstablishment(ctx, v.Context, Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	} else {
		list, total, err = h.svc.ListByPatient(ctx, v.IdentityID, pg.Limit, pg.Offset)
	}
	if err != nil {
		return httperr.Map(err, invoiceErrors...)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(list, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	v, err := viewer(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.Get(c.Request().Context(), v, id)
	if err != nil {
		return httperr.Map(err, invoiceErrors...)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) Payments(c echo.Context) error {
	v, err := viewer(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	list, err := h.svc.Payments(c.Request().Context(), v, id)
	if err != nil {
		return httperr.Map(err, invoiceErrors...)
	}
	if list == nil {
		list = []*Payment{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": list})
}

func (h *Handler) RecordPayment(c echo.Context) error {
	wc, err := workcontext.Require(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req NewPayment
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(err.Error())
	}
	p, err := h.svc.RecordPayment(c.Request().Context(), wc, id, req)
	if err != nil {
		return httperr.Map(err, invoiceErrors...)
	}
	return c.JSON(http.StatusCreated, p)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	wc, err := workcontext.Require(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(err.Error())
	}
	inv, err := h.svc.Cancel(c.Request().Context(), wc, id, req.Reason)
	if err != nil {
		return httperr.Map(err, invoiceErrors...)
	}
	return c.JSON(http.StatusOK, inv)
}

type confirmRequest struct {
	Outcome     PaymentStatus `json:"outcome"`
	ExternalRef string        `json:"external_ref"`
}

func (h *Handler) Confirm(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(err.Error())
	}
	p, inv, err := h.svc.ConfirmPayment(c.Request().Context(), Confirmation{
		PaymentID:   id,
		Outcome:     req.Outcome,
		ExternalRef: req.ExternalRef,
	})
	if err != nil {
		return httperr.Map(err, invoiceErrors...)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"payment":        p,
		"invoice_status": inv.Status,
	})
}
