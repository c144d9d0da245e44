package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/platform/fhir"
)

// ErrClientNotFound is returned by a ClientRegistry when the client id is
// not registered.
var ErrClientNotFound = errors.New("client not registered")

// RegisteredClient is an OAuth2 client application known to the gateway.
type RegisteredClient struct {
	ClientID     string   `json:"client_id"`
	Name         string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	Scope        string   `json:"scope"`
}

// AllowsRedirect reports whether uri is one of the client's registered
// redirect URIs. Matching is exact.
func (c *RegisteredClient) AllowsRedirect(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// ClientRegistry resolves registered client applications. Lookup failures
// other than ErrClientNotFound indicate an upstream registry problem.
type ClientRegistry interface {
	FindClient(ctx context.Context, clientID string) (*RegisteredClient, error)
}

// MemoryClientRegistry is an in-memory ClientRegistry.
type MemoryClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*RegisteredClient
}

// NewMemoryClientRegistry creates an empty registry.
func NewMemoryClientRegistry() *MemoryClientRegistry {
	return &MemoryClientRegistry{clients: make(map[string]*RegisteredClient)}
}

// Register adds a client. Re-registering an existing client id fails.
func (r *MemoryClientRegistry) Register(client *RegisteredClient) error {
	if client.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[client.ClientID]; exists {
		return fmt.Errorf("client_id %q already registered", client.ClientID)
	}
	r.clients[client.ClientID] = client
	return nil
}

// FindClient implements ClientRegistry.
func (r *MemoryClientRegistry) FindClient(_ context.Context, clientID string) (*RegisteredClient, error) {
	r.mu.RLock()
	client, ok := r.clients[clientID]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrClientNotFound
	}
	return client, nil
}

// OutcomeError carries a structured multi-issue error document for the
// launch and authorization legs of the flow, which are resource-API-shaped
// rather than token-endpoint-shaped.
type OutcomeError struct {
	Outcome *fhir.OperationOutcome
}

func (e *OutcomeError) Error() string {
	if len(e.Outcome.Issue) > 0 {
		return e.Outcome.Issue[0].Diagnostics
	}
	return "flow validation failed"
}

// FlowCoordinator drives the SMART-on-FHIR three-leg exchange: EHR launch
// validation, authorization redirect construction, and authorization-code /
// refresh-token exchange. The launch context survives the redirect
// round-trip through the external identity provider inside the opaque state
// parameter plus the launch-context store.
type FlowCoordinator struct {
	clients           ClientRegistry
	store             LaunchContextStorer
	codec             StateCodec
	idp               IdentityProviderClient
	authorizeEndpoint string
	logger            zerolog.Logger
}

// NewFlowCoordinator wires the coordinator's collaborators.
// authorizeEndpoint is the external identity provider's authorization URL.
func NewFlowCoordinator(clients ClientRegistry, store LaunchContextStorer, idp IdentityProviderClient, authorizeEndpoint string, logger zerolog.Logger) *FlowCoordinator {
	return &FlowCoordinator{
		clients:           clients,
		store:             store,
		idp:               idp,
		authorizeEndpoint: authorizeEndpoint,
		logger:            logger,
	}
}

// LaunchRequest carries the parameters an EHR supplies when launching a
// client application against the gateway.
type LaunchRequest struct {
	Issuer      string `json:"iss" form:"iss" query:"iss"`
	LaunchToken string `json:"launch" form:"launch" query:"launch"`
	ClientID    string `json:"client_id" form:"client_id" query:"client_id"`
	RedirectURI string `json:"redirect_uri" form:"redirect_uri" query:"redirect_uri"`
	Scope       string `json:"scope" form:"scope" query:"scope"`
}

// Launch validates an EHR launch request, decodes the launch token into its
// clinical context, and stores the context keyed by the raw token for the
// later token exchange. Validation failures come back as an *OutcomeError
// listing every offending parameter.
func (f *FlowCoordinator) Launch(ctx context.Context, req *LaunchRequest) (*LaunchContext, error) {
	b := fhir.NewOutcomeBuilder()

	if req.Issuer == "" {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeRequired, "iss is required", "iss")
	} else if !isAbsoluteURL(req.Issuer) {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeValue, "iss must be an absolute URL", "iss")
	}
	if req.LaunchToken == "" {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeRequired, "launch is required", "launch")
	}
	if req.ClientID == "" {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeRequired, "client_id is required", "client_id")
	}
	if req.RedirectURI == "" {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeRequired, "redirect_uri is required", "redirect_uri")
	} else if !isAbsoluteURL(req.RedirectURI) {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeValue, "redirect_uri must be an absolute URL", "redirect_uri")
	}
	if req.Scope == "" {
		b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeRequired, "scope is required", "scope")
	}
	if !b.Empty() {
		return nil, &OutcomeError{Outcome: b.Build()}
	}

	lc, ok := DecodeLaunchToken(req.LaunchToken)
	if !ok {
		return nil, &OutcomeError{Outcome: fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeSecurity, "launch token could not be decoded")}
	}

	if err := f.store.Save(ctx, req.LaunchToken, lc); err != nil {
		return nil, fmt.Errorf("storing launch context: %w", err)
	}

	f.logger.Info().
		Str("client_id", req.ClientID).
		Bool("has_patient", lc.Patient != "").
		Bool("has_encounter", lc.Encounter != "").
		Msg("launch context stored")

	return lc, nil
}

// AuthorizeRequest carries the OAuth2 authorization parameters supplied by
// the client application, either directly (standalone launch) or following
// an EHR launch.
type AuthorizeRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
	LaunchToken  string
}

// Authorize validates the requesting client against the registry and builds
// the redirect to the external identity provider's authorization endpoint.
// The returned URL carries the original scope and response type plus an
// opaque state embedding the client's redirect URI and, for EHR launches,
// the launch-token reference.
func (f *FlowCoordinator) Authorize(ctx context.Context, req *AuthorizeRequest) (string, error) {
	if req.ResponseType != "code" {
		return "", &OutcomeError{Outcome: fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeValue, `response_type must be "code"`)}
	}
	if req.Scope == "" {
		return "", &OutcomeError{Outcome: fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeRequired, "scope is required")}
	}

	client, err := f.clients.FindClient(ctx, req.ClientID)
	if errors.Is(err, ErrClientNotFound) {
		return "", &OutcomeError{Outcome: fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeSecurity, "unknown client_id")}
	}
	if err != nil {
		return "", fmt.Errorf("client registry lookup: %w", err)
	}
	if !client.AllowsRedirect(req.RedirectURI) {
		return "", &OutcomeError{Outcome: fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeSecurity, "redirect_uri is not registered for this client")}
	}

	inner := req.State
	if inner == "" {
		inner, err = f.codec.Generate()
		if err != nil {
			return "", fmt.Errorf("generating state: %w", err)
		}
	}
	state, err := f.codec.Encode(StatePayload{
		State:             inner,
		ClientRedirectURI: req.RedirectURI,
		LaunchToken:       req.LaunchToken,
	})
	if err != nil {
		return "", fmt.Errorf("encoding state: %w", err)
	}

	u, err := url.Parse(f.authorizeEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", req.ResponseType)
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("scope", req.Scope)
	q.Set("state", state)
	u.RawQuery = q.Encode()

	f.logger.Info().
		Str("client_id", req.ClientID).
		Str("client_name", client.Name).
		Bool("from_launch", req.LaunchToken != "").
		Msg("authorization redirect issued")

	return u.String(), nil
}

// TokenRequest carries the parameters of a token-exchange call: either a
// direct token-endpoint body or a provider callback with code and state.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	State        string
	RefreshToken string
	ClientID     string
}

// ExchangeToken validates the token request, recovers the client redirect
// URI from the state when the body omitted it, consumes the launch context
// exactly once when the state references one, and delegates the actual
// exchange to the identity provider. A launch-sourced patient context is
// merged into the response when the provider did not already supply one.
//
// Identity-provider failures are propagated unwrapped in kind: the code is
// one-time-use, so the caller decides whether anything is retryable.
func (f *FlowCoordinator) ExchangeToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "authorization_code":
		if req.Code == "" {
			return nil, &OAuthError{Code: OAuthErrInvalidRequest, Description: "code is required"}
		}
	case "refresh_token":
		if req.RefreshToken == "" {
			return nil, &OAuthError{Code: OAuthErrInvalidRequest, Description: "refresh_token is required"}
		}
	case "":
		return nil, &OAuthError{Code: OAuthErrInvalidRequest, Description: "grant_type is required"}
	default:
		return nil, &OAuthError{Code: OAuthErrUnsupportedGrantType,
			Description: `grant_type must be "authorization_code" or "refresh_token"`}
	}

	// The launch context must be in hand before the token response is
	// built: the merge below depends on it.
	var launch *LaunchContext
	redirectURI := req.RedirectURI
	if req.State != "" {
		payload, ok := f.codec.Decode(req.State)
		switch {
		case ok:
			if redirectURI == "" {
				redirectURI = payload.ClientRedirectURI
			}
			if payload.LaunchToken != "" {
				lc, err := f.store.Consume(ctx, payload.LaunchToken)
				if err != nil {
					return nil, fmt.Errorf("consuming launch context: %w", err)
				}
				launch = lc
			}
		case redirectURI == "":
			return nil, &OAuthError{Code: OAuthErrInvalidRequest,
				Description: "state is malformed and redirect_uri is absent"}
		}
	}

	var resp *TokenResponse
	var err error
	switch req.GrantType {
	case "authorization_code":
		if redirectURI == "" {
			return nil, &OAuthError{Code: OAuthErrInvalidRequest,
				Description: "redirect_uri is required for the authorization_code grant"}
		}
		resp, err = f.idp.ExchangeCode(ctx, req.Code, redirectURI)
	case "refresh_token":
		resp, err = f.idp.Refresh(ctx, req.RefreshToken)
	}
	if err != nil {
		return nil, err
	}

	if launch != nil {
		if resp.Patient == "" && launch.Patient != "" {
			resp.Patient = launch.Patient
		}
		if resp.Encounter == "" && launch.Encounter != "" {
			resp.Encounter = launch.Encounter
		}
	}

	f.auditExchange(ctx, req.ClientID, req.GrantType, resp)
	return resp, nil
}

// auditExchange emits a best-effort audit event for a completed exchange.
// The client display-name lookup is a side path: a registry failure here is
// logged and swallowed, never surfaced.
func (f *FlowCoordinator) auditExchange(ctx context.Context, clientID, grantType string, resp *TokenResponse) {
	clientName := ""
	if clientID != "" {
		client, err := f.clients.FindClient(ctx, clientID)
		if err != nil {
			f.logger.Warn().Err(err).Str("client_id", clientID).
				Msg("client display-name lookup failed during audit")
		} else {
			clientName = client.Name
		}
	}

	f.logger.Info().
		Str("client_id", clientID).
		Str("client_name", clientName).
		Str("grant_type", grantType).
		Bool("has_patient_context", resp.Patient != "").
		Msg("token exchange completed")
}

// isAbsoluteURL reports whether s parses as an absolute URL.
func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}
