package identity

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/okatech-org/sante-sub008/internal/platform/auth"
	"github.com/okatech-org/sante-sub008/internal/platform/httperr"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the identity routes. POST /identities is public
// (see auth.AuthSkipper); the others are limited to the identity itself and
// platform administrators.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/identities", h.Register)
	api.GET("/identities/:id", h.Get)
	api.PATCH("/identities/:id", h.UpdateProfile)
	api.POST("/identities/:id/deactivate", h.Deactivate)
}

var identityErrors = []httperr.Case{
	{Err: ErrInvalidInput, Status: http.StatusBadRequest},
	{Err: ErrEmailTaken, Status: http.StatusConflict},
	{Err: ErrNotFound, Status: http.StatusNotFound, Message: "identity not found"},
}

type registerRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(err.Error())
	}
	i, err := h.svc.Register(c.Request().Context(), req.FullName, req.Email, req.Phone)
	if err != nil {
		return httperr.Map(err, identityErrors...)
	}
	return c.JSON(http.StatusCreated, i)
}

// target parses :id and checks the caller may act on it.
func target(c echo.Context) (uuid.UUID, error) {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, httperr.BadRequest("invalid id")
	}
	if id == caller || auth.IsPlatformAdmin(c.Request().Context()) {
		return id, nil
	}
	return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "cannot access another identity")
}

func (h *Handler) Get(c echo.Context) error {
	id, err := target(c)
	if err != nil {
		return err
	}
	i, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httperr.Map(err, identityErrors...)
	}
	return c.JSON(http.StatusOK, i)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	id, err := target(c)
	if err != nil {
		return err
	}
	var p ProfilePatch
	if err := c.Bind(&p); err != nil {
		return httperr.BadRequest(err.Error())
	}
	i, err := h.svc.UpdateProfile(c.Request().Context(), id, p)
	if err != nil {
		return httperr.Map(err, identityErrors...)
	}
	return c.JSON(http.StatusOK, i)
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := target(c)
	if err != nil {
		return err
	}
	i, err := h.svc.Deactivate(c.Request().Context(), id)
	if err != nil {
		return httperr.Map(err, identityErrors...)
	}
	return c.JSON(http.StatusOK, i)
}
