package auth

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/platform/fhir"
)

// FlowHandler exposes the launch, authorization and token legs of the flow
// over HTTP.
type FlowHandler struct {
	coordinator *FlowCoordinator
	issuer      string
	logger      zerolog.Logger
}

// NewFlowHandler creates the HTTP handler. issuer is the gateway's own
// externally reachable base URL, used in the discovery document.
func NewFlowHandler(coordinator *FlowCoordinator, issuer string, logger zerolog.Logger) *FlowHandler {
	return &FlowHandler{coordinator: coordinator, issuer: issuer, logger: logger}
}

// RegisterRoutes registers the authorization endpoints on the echo instance.
func (h *FlowHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/auth/launch", h.handleLaunch)
	e.GET("/auth/authorize", h.handleAuthorize)
	e.POST("/auth/token", h.handleToken)
	e.GET("/auth/callback", h.handleCallback)
	e.GET("/.well-known/smart-configuration", h.handleSMARTConfiguration)
}

// handleLaunch handles POST /auth/launch (EHR launch notification).
func (h *FlowHandler) handleLaunch(c echo.Context) error {
	var req LaunchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "invalid request body"))
	}

	lc, err := h.coordinator.Launch(c.Request().Context(), &req)
	if err != nil {
		var oe *OutcomeError
		if errors.As(err, &oe) {
			return c.JSON(http.StatusBadRequest, oe.Outcome)
		}
		h.logger.Error().Err(err).Msg("launch failed")
		return c.JSON(http.StatusInternalServerError, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeException, "failed to store launch context"))
	}

	resp := map[string]string{"launch": req.LaunchToken}
	if lc.Patient != "" {
		resp["patient"] = lc.Patient
	}
	if lc.Encounter != "" {
		resp["encounter"] = lc.Encounter
	}
	return c.JSON(http.StatusOK, resp)
}

// handleAuthorize handles GET /auth/authorize.
func (h *FlowHandler) handleAuthorize(c echo.Context) error {
	req := &AuthorizeRequest{
		ResponseType: c.QueryParam("response_type"),
		ClientID:     c.QueryParam("client_id"),
		RedirectURI:  c.QueryParam("redirect_uri"),
		Scope:        c.QueryParam("scope"),
		State:        c.QueryParam("state"),
		LaunchToken:  c.QueryParam("launch"),
	}

	location, err := h.coordinator.Authorize(c.Request().Context(), req)
	if err != nil {
		var oe *OutcomeError
		if errors.As(err, &oe) {
			return c.JSON(http.StatusBadRequest, oe.Outcome)
		}
		h.logger.Error().Err(err).Msg("authorize failed")
		return c.JSON(http.StatusInternalServerError, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeException, "authorization redirect could not be built"))
	}

	return c.Redirect(http.StatusFound, location)
}

// handleToken handles POST /auth/token.
func (h *FlowHandler) handleToken(c echo.Context) error {
	clientID := h.extractClientID(c)

	req := &TokenRequest{
		GrantType:    c.FormValue("grant_type"),
		Code:         c.FormValue("code"),
		RedirectURI:  c.FormValue("redirect_uri"),
		State:        c.FormValue("state"),
		RefreshToken: c.FormValue("refresh_token"),
		ClientID:     clientID,
	}

	return h.exchange(c, req)
}

// handleCallback handles GET /auth/callback, the identity provider's
// redirect back to the gateway. It performs the same exchange as the token
// endpoint with the code and state carried in the query string.
func (h *FlowHandler) handleCallback(c echo.Context) error {
	if errCode := c.QueryParam("error"); errCode != "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        errCode,
			Description: c.QueryParam("error_description"),
		})
	}

	req := &TokenRequest{
		GrantType: "authorization_code",
		Code:      c.QueryParam("code"),
		State:     c.QueryParam("state"),
	}

	return h.exchange(c, req)
}

func (h *FlowHandler) exchange(c echo.Context, req *TokenRequest) error {
	resp, err := h.coordinator.ExchangeToken(c.Request().Context(), req)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			status := http.StatusBadRequest
			if oauthErr.Code == OAuthErrInvalidClient {
				status = http.StatusUnauthorized
			}
			return c.JSON(status, oauthErr)
		}
		// Anything else is an upstream failure. Details stay in the log,
		// the client gets a generic error document.
		h.logger.Error().Err(err).Str("grant_type", req.GrantType).Msg("token exchange failed")
		return c.JSON(http.StatusBadGateway, &OAuthError{
			Code:        OAuthErrServerError,
			Description: "identity provider exchange failed",
		})
	}

	return c.JSON(http.StatusOK, resp)
}

// extractClientID extracts the client id from the request, supporting both
// form body and HTTP Basic authentication.
func (h *FlowHandler) extractClientID(c echo.Context) string {
	if clientID, _, ok := c.Request().BasicAuth(); ok && clientID != "" {
		return clientID
	}
	return c.FormValue("client_id")
}

// handleSMARTConfiguration handles GET /.well-known/smart-configuration.
func (h *FlowHandler) handleSMARTConfiguration(c echo.Context) error {
	cfg := map[string]interface{}{
		"issuer":                 h.issuer,
		"authorization_endpoint": h.issuer + "/auth/authorize",
		"token_endpoint":         h.issuer + "/auth/token",
		"scopes_supported": []string{
			"patient:read", "patient:write", "patient:share",
			"practitioner:read", "practitioner:write", "practitioner:share",
			"encounter:read", "encounter:write", "encounter:share",
			"document:read", "document:write", "document:share",
			"consent:read", "consent:write", "consent:share",
			"launch", "openid", "fhirUser", "offline_access",
		},
		"response_types_supported": []string{"code"},
		"grant_types_supported":    []string{"authorization_code", "refresh_token"},
		"capabilities": []string{
			"launch-ehr",
			"launch-standalone",
			"context-ehr-patient",
			"context-ehr-encounter",
			"sso-openid-connect",
		},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	}

	return c.JSON(http.StatusOK, cfg)
}
