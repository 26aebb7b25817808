package reimbursement

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/okatech-org/sante-sub008/internal/platform/httperr"
	"github.com/okatech-org/sante-sub008/internal/platform/telemetry"
)

type Handler struct {
	policy   Policy
	currency string
	metrics  *telemetry.Metrics
}

func NewHandler(policy Policy, currency string) *Handler {
	return &Handler{policy: policy, currency: currency}
}

func (h *Handler) SetMetrics(m *telemetry.Metrics) { h.metrics = m }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/reimbursement/quote", h.Quote)
}

type quoteResponse struct {
	Result
	Currency    string `json:"currency"`
	Overpayment bool   `json:"overpayment"`
}

func (h *Handler) Quote(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return httperr.BadRequest(err.Error())
	}
	res, err := Compute(in, h.policy)
	if err != nil {
		return httperr.Map(err, httperr.Case{Err: ErrInvalidInput, Status: http.StatusBadRequest})
	}
	h.metrics.ReimbursementQuote(int64(res.PatientBalance))
	return c.JSON(http.StatusOK, quoteResponse{Result: res, Currency: h.currency, Overpayment: res.Overpayment()})
}
