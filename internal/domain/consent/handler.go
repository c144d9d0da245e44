package consent

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/platform/auth"
	"github.com/caregate/caregate/internal/platform/fhir"
	"github.com/caregate/caregate/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/Consent", h.ListConsents)
	fhirGroup.GET("/Consent/:id", h.GetConsent)
	fhirGroup.POST("/Consent", h.CreateConsent)
	fhirGroup.PUT("/Consent/:id", h.UpdateConsent)
	fhirGroup.DELETE("/Consent/:id", h.DeleteConsent)
}

func (h *Handler) GetConsent(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == nil {
		return c.JSON(http.StatusUnauthorized, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeLogin, "authentication required"))
	}

	consent, err := h.svc.Get(c.Request().Context(), p, c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, consent.ToFHIR())
}

func (h *Handler) ListConsents(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == nil {
		return c.JSON(http.StatusUnauthorized, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeLogin, "authentication required"))
	}

	pg := pagination.FromContext(c)

	if patientRef := c.QueryParam("patient"); patientRef != "" {
		patientID := auth.ExtractPatientID(patientRef)
		items, total, err := h.svc.ListByPatient(c.Request().Context(), p, patientID, pg.Limit, pg.Offset)
		if err != nil {
			return h.writeError(c, err)
		}
		return c.JSON(http.StatusOK, searchBundle(c.Path(), items, total, pg))
	}

	items, total, err := h.svc.List(c.Request().Context(), p, pg.Limit, pg.Offset)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, searchBundle(c.Path(), items, total, pg))
}

func (h *Handler) CreateConsent(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == nil {
		return c.JSON(http.StatusUnauthorized, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeLogin, "authentication required"))
	}

	var consent Consent
	if err := c.Bind(&consent); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "invalid request body"))
	}

	if err := h.svc.Create(c.Request().Context(), p, &consent); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, consent.ToFHIR())
}

func (h *Handler) UpdateConsent(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == nil {
		return c.JSON(http.StatusUnauthorized, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeLogin, "authentication required"))
	}

	var consent Consent
	if err := c.Bind(&consent); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "invalid request body"))
	}
	consent.FHIRID = c.Param("id")

	if err := h.svc.Update(c.Request().Context(), p, &consent); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, consent.ToFHIR())
}

func (h *Handler) DeleteConsent(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == nil {
		return c.JSON(http.StatusUnauthorized, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeLogin, "authentication required"))
	}

	if err := h.svc.Delete(c.Request().Context(), p, c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// writeError maps service errors to OperationOutcome responses. Only
// validation errors echo their message; anything else is a store or
// upstream failure whose detail goes to the log, not the caller.
func (h *Handler) writeError(c echo.Context, err error) error {
	var forbidden *auth.ForbiddenError
	switch {
	case errors.As(err, &forbidden):
		return c.JSON(http.StatusForbidden, fhir.ForbiddenOutcome(forbidden.Reason))
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Consent", c.Param("id")))
	case errors.Is(err, ErrInvalid):
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
	default:
		h.logger.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("consent request failed")
		return c.JSON(http.StatusInternalServerError, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeException, "consent store unavailable"))
	}
}

// searchBundle wraps matched consents in a FHIR searchset Bundle with
// self/next/previous paging links.
func searchBundle(basePath string, items []*Consent, total int, pg pagination.Params) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(items))
	for _, c := range items {
		entries = append(entries, map[string]interface{}{
			"resource": c.ToFHIR(),
			"search":   map[string]interface{}{"mode": "match"},
		})
	}
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        total,
		"link":         pg.FHIRLinks(basePath, total),
		"entry":        entries,
	}
}
