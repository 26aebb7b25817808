package establishment

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

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

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/establishments", h.List)
	api.GET("/establishments/:id", h.Get)

	admin := api.Group("", auth.RequirePlatformAdmin())
	admin.POST("/establishments", h.Create)
}

var establishmentErrors = []httperr.Case{
	{Err: ErrInvalidInput, Status: http.StatusBadRequest},
	{Err: ErrCodeTaken, Status: http.StatusConflict},
	{Err: ErrNotFound, Status: http.StatusNotFound, Message: "establishment not found"},
}

func (h *Handler) Create(c echo.Context) error {
	var in NewEstablishment
	if err := c.Bind(&in); err != nil {
		return httperr.BadRequest(err.Error())
	}
	e, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return httperr.Map(err, establishmentErrors...)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.BadRequest("invalid id")
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httperr.Map(err, establishmentErrors...)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	list, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httperr.Map(err, establishmentErrors...)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(list, total, pg))
}
