// Package providers defines the multi-provider authentication abstraction.
//
// Each identity provider (Google, Facebook, Apple, Azure B2C) lives in its own
// sub-package implementing Provider. The Registry selects instances by name or
// capability and owns their lifecycle.
//
// Design:
//   - Strategy: each provider is one authentication strategy
//   - Factory: the Registry builds instances from registered factories
//   - Adapter: provider responses are normalized into one UserInfo shape
package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	tokens "github.com/dropDatabas3/knockknock/internal/security/token"
)

// Capability names an optional feature a provider supports.
type Capability string

const (
	CapPasswordReset  Capability = "password_reset"
	CapProfileEdit    Capability = "profile_edit"
	CapBusinessAssets Capability = "business_assets"
	CapOfflineAccess  Capability = "offline_access"
)

// Descriptor describes a provider instance. Built from configuration at
// startup and immutable afterwards; the registry may still refuse to serve a
// provider that keeps failing health checks.
type Descriptor struct {
	Name         string // unique, matched case-insensitively
	DisplayName  string
	Enabled      bool
	Capabilities []Capability
}

// Has reports whether the descriptor lists the capability.
func (d Descriptor) Has(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// AuthorizeOptions carries per-login inputs to the authorization URL builder.
type AuthorizeOptions struct {
	// ReturnURL is the post-login destination. Values that could smuggle an
	// executable URI are discarded, not escaped.
	ReturnURL string

	// ExtraParams are additional query parameters. Reserved OAuth parameters
	// (state, nonce, client_id, ...) cannot be overridden through here.
	ExtraParams map[string]string
}

// Authorization is the result of building an authorization URL. State and
// nonce are freshly generated per call and never repeat.
type Authorization struct {
	URL   string
	State string
	Nonce string
}

// TokenResponse is the result of a successful code exchange. It lives for the
// duration of one authentication operation only.
type TokenResponse struct {
	AccessToken  string
	IDToken      string // present when the provider returns identity claims in a signed token
	RefreshToken string
	TokenType    string
	ExpiresIn    int // seconds
}

// UserInfo is the canonical identity produced once per successful
// authentication. Claims preserves every claim the provider returned,
// including all claims consumed to derive UserID and Email.
type UserInfo struct {
	UserID            string
	Email             string
	DisplayName       string
	FirstName         string
	LastName          string
	ProfilePictureURL string
	AuthProvider      string
	IsAuthenticated   bool
	Claims            map[string]string
}

// Provider is the contract every identity provider variant implements.
type Provider interface {
	Name() string
	Descriptor() Descriptor

	// BuildAuthorizationURL constructs the provider authorization endpoint URL
	// with response_type=code, the configured scopes and a fresh state (and
	// nonce where the provider requires replay protection). The client secret
	// never appears in the output.
	BuildAuthorizationURL(ctx context.Context, opts AuthorizeOptions) (*Authorization, error)

	// ExchangeCode trades an authorization code for tokens. Authorization
	// codes are single-use: a failed exchange must not be retried with the
	// same code.
	ExchangeCode(ctx context.Context, code string) (*TokenResponse, error)

	// FetchIdentity resolves the canonical identity from a token response,
	// validating any signed token it carries.
	FetchIdentity(ctx context.Context, tr *TokenResponse) (*UserInfo, error)

	// ValidateConfiguration reports configuration problems. Called at startup
	// for every enabled provider; errors are aggregated, never fail-fast.
	ValidateConfiguration() error

	// HealthCheck probes the provider's reachability.
	HealthCheck(ctx context.Context) error
}

// Doer is the pluggable HTTP transport for provider network calls.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// DefaultHTTPClient is what providers fall back to when no Doer is injected.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// NewState generates a fresh unguessable state value.
func NewState() (string, error) {
	return tokens.GenerateOpaqueToken(tokens.StateBytes)
}

// NewNonce generates a fresh nonce for providers requiring replay protection.
func NewNonce() (string, error) {
	return tokens.GenerateOpaqueToken(tokens.StateBytes)
}

// SafeReturnURL drops return URLs capable of producing executable URIs.
// Only http(s) absolute URLs and local paths survive; everything else maps to
// the empty string so the provider URL is still valid without it.
func SafeReturnURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "javascript:") || strings.Contains(lower, "data:") || strings.Contains(lower, "<script") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return raw
}

// reservedParams cannot be overridden via AuthorizeOptions.ExtraParams.
var reservedParams = map[string]bool{
	"response_type": true, "client_id": true, "client_secret": true,
	"redirect_uri": true, "scope": true, "state": true, "nonce": true,
}

// ApplyExtraParams merges caller extras into q, skipping reserved keys.
func ApplyExtraParams(q url.Values, extra map[string]string) {
	for k, v := range extra {
		if reservedParams[strings.ToLower(k)] {
			continue
		}
		q.Set(k, v)
	}
}

// PostForm performs a form POST and returns the response body. Network errors
// map to ErrProviderUnavailable so callers can tell transient failures from
// protocol rejections.
func PostForm(ctx context.Context, c Doer, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(c, req)
}

// GetJSON performs a GET with optional bearer auth and returns the body.
func GetJSON(ctx context.Context, c Doer, endpoint, bearer string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return do(c, req)
}

func do(c Doer, req *http.Request) ([]byte, int, error) {
	if c == nil {
		c = DefaultHTTPClient()
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", autherr.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read body: %v", autherr.ErrProviderUnavailable, err)
	}
	return body, resp.StatusCode, nil
}
