package workcontext

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/platform/auth"
	"github.com/okatech-org/sante-sub008/internal/platform/httperr"
	"github.com/okatech-org/sante-sub008/pkg/pagination"
)

// Handler serves the caller's working-context routes and the affiliation
// routes, which need a resolved context to authorize staff management.
type Handler struct {
	resolver     *Resolver
	affiliations *affiliation.Service
}

func NewHandler(resolver *Resolver, affiliations *affiliation.Service) *Handler {
	return &Handler{resolver: resolver, affiliations: affiliations}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/me/context", h.GetContext)
	api.GET("/me/context/default", h.GetDefaultContext)
	api.GET("/me/establishments", h.ListEstablishments)
	api.GET("/me/affiliations", h.ListMyAffiliations)

	staff := api.Group("", RequireCapability(affiliation.CapManageStaff))
	staff.GET("/establishments/:id/affiliations", h.ListEstablishmentAffiliations)
	staff.PATCH("/affiliations/:id", h.UpdateAffiliation)
	staff.POST("/affiliations/:id/deactivate", h.DeactivateAffiliation)
}

var affiliationErrors = []httperr.Case{
	{Err: affiliation.ErrDuplicateAffiliation, Status: http.StatusConflict},
	{Err: affiliation.ErrUnsupportedRole, Status: http.StatusBadRequest},
	{Err: affiliation.ErrInvalidPermission, Status: http.StatusBadRequest},
	{Err: affiliation.ErrInvalidInput, Status: http.StatusBadRequest},
	{Err: affiliation.ErrForbidden, Status: http.StatusForbidden},
	{Err: affiliation.ErrNotFound, Status: http.StatusNotFound},
}

type ambiguousBody struct {
	Message string             `json:"message"`
	Roles   []affiliation.Role `json:"roles"`
}

// GetContext resolves the context for ?establishment_id=&role= explicitly,
// independent of any header-selected context.
func (h *Handler) GetContext(c echo.Context) error {
	identityID, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	establishmentID, err := uuid.Parse(c.QueryParam("establishment_id"))
	if err != nil {
		return httperr.BadRequest("invalid establishment_id")
	}
	var role *affiliation.Role
	if raw := c.QueryParam("role"); raw != "" {
		parsed, err := affiliation.ParseRole(raw)
		if err != nil {
			return httperr.Map(err, resolveErrors...)
		}
		role = &parsed
	}

	wc, err := h.resolver.Resolve(c.Request().Context(), identityID, establishmentID, role)
	if err != nil {
		var amb *AmbiguousRoleError
		if errors.As(err, &amb) {
			return c.JSON(http.StatusConflict, ambiguousBody{Message: ErrAmbiguousRole.Error(), Roles: amb.Roles})
		}
		return httperr.Map(err, resolveErrors...)
	}
	return c.JSON(http.StatusOK, wc)
}

func (h *Handler) GetDefaultContext(c echo.Context) error {
	identityID, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	wc, err := h.resolver.ResolveDefault(c.Request().Context(), identityID)
	if err != nil {
		return httperr.Map(err, append(resolveErrors,
			httperr.Case{Err: ErrSelectionRequired, Status: http.StatusConflict})...)
	}
	return c.JSON(http.StatusOK, wc)
}

func (h *Handler) ListEstablishments(c echo.Context) error {
	identityID, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	list, err := h.resolver.Establishments(c.Request().Context(), identityID)
	if err != nil {
		return httperr.Map(err)
	}
	if list == nil {
		list = []EstablishmentRoles{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) ListMyAffiliations(c echo.Context) error {
	identityID, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	list, err := h.affiliations.ListByIdentity(c.Request().Context(), identityID)
	if err != nil {
		return httperr.Map(err, affiliationErrors...)
	}
	if list == nil {
		list = []*affiliation.Affiliation{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) ListEstablishmentAffiliations(c echo.Context) error {
	wc, err := Require(c)
	if err != nil {
		return err
	}
	establishmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.BadRequest("invalid establishment id")
	}
	filter := affiliation.ListFilter{Status: affiliation.Status(c.QueryParam("status"))}
	if raw := c.QueryParam("role"); raw != "" {
		if filter.Role, err = affiliation.ParseRole(raw); err != nil {
			return httperr.Map(err, affiliationErrors...)
		}
	}

	pg := pagination.FromContext(c)
	list, total, err := h.affiliations.ListByEstablishment(c.Request().Context(), wc, establishmentID, filter, pg.Limit, pg.Offset)
	if err != nil {
		return httperr.Map(err, affiliationErrors...)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(list, total, pg))
}

func (h *Handler) UpdateAffiliation(c echo.Context) error {
	wc, err := Require(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.BadRequest("invalid id")
	}
	var patch affiliation.Patch
	if err := c.Bind(&patch); err != nil {
		return httperr.Map(err, affiliationErrors...)
	}
	a, err := h.affiliations.Update(c.Request().Context(), wc, id, patch)
	if err != nil {
		return httperr.Map(err, affiliationErrors...)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeactivateAffiliation(c echo.Context) error {
	wc, err := Require(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.BadRequest("invalid id")
	}
	a, err := h.affiliations.Deactivate(c.Request().Context(), wc, id)
	if err != nil {
		return httperr.Map(err, affiliationErrors...)
	}
	return c.JSON(http.StatusOK, a)
}
