// Package azureb2c implements the Azure AD B2C enterprise provider.
//
// B2C routes every flow through a named user-flow policy selected with the
// dedicated "p" parameter. The client authenticates with a short-lived signed
// assertion minted per exchange, not a static shared secret. Tenant id and
// custom extension_* attributes pass through to the identity verbatim.
package azureb2c

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	"github.com/dropDatabas3/knockknock/internal/claims"
	"github.com/dropDatabas3/knockknock/internal/providers"
	"github.com/dropDatabas3/knockknock/internal/token"
)

const ProviderName = "azureb2c"

const (
	assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionTTL  = 5 * time.Minute

	// PolicyParam selects the user flow on the authorization URL.
	PolicyParam = "p"

	// FlowParam is the AuthorizeOptions.ExtraParams key callers use to pick a
	// flow; it maps to a configured policy and never reaches the wire as-is.
	FlowParam = "flow"

	FlowSignIn        = "sign_in"
	FlowPasswordReset = "password_reset"
	FlowProfileEdit   = "profile_edit"
)

// uiLocaleAllowList bounds the configurable ui_locales setting.
var uiLocaleAllowList = map[string]bool{
	"": true, "en": true, "en-US": true, "en-GB": true,
	"es": true, "es-ES": true, "fr": true, "fr-FR": true,
	"de": true, "de-DE": true, "pt": true, "pt-BR": true,
}

// Policies names the configured B2C user flows.
type Policies struct {
	SignIn        string // e.g. B2C_1_signup_signin
	PasswordReset string
	ProfileEdit   string
}

// Config configures the B2C provider.
type Config struct {
	TenantName   string // e.g. "contoso" -> contoso.b2clogin.com
	TenantDomain string // e.g. "contoso.onmicrosoft.com"
	ClientID     string
	KeyID        string
	PrivateKey   string // PEM, ECDSA P-256, registered with the app
	RedirectURI  string
	Scopes       []string
	Policies     Policies

	// ExpectedIssuer is the exact issuer B2C stamps on id_tokens for this
	// tenant, e.g. https://contoso.b2clogin.com/<tenant-guid>/v2.0/.
	ExpectedIssuer string

	UILocale    string
	DisplayName string
	Enabled     bool
	ClockSkew   time.Duration
	HTTP        providers.Doer
}

type Provider struct {
	cfg  Config
	http providers.Doer
	jwks *token.RemoteKeys
}

func New(cfg Config) *Provider {
	h := cfg.HTTP
	if h == nil {
		h = providers.DefaultHTTPClient()
	}
	p := &Provider{cfg: cfg, http: h}
	p.jwks = token.NewRemoteKeys(p.policyURL(cfg.Policies.SignIn, "/discovery/v2.0/keys"), h)
	return p
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Descriptor() providers.Descriptor {
	name := p.cfg.DisplayName
	if name == "" {
		name = "Enterprise sign-in"
	}
	var caps []providers.Capability
	if p.cfg.Policies.PasswordReset != "" {
		caps = append(caps, providers.CapPasswordReset)
	}
	if p.cfg.Policies.ProfileEdit != "" {
		caps = append(caps, providers.CapProfileEdit)
	}
	return providers.Descriptor{
		Name:         ProviderName,
		DisplayName:  name,
		Enabled:      p.cfg.Enabled,
		Capabilities: caps,
	}
}

func (p *Provider) policyURL(policy, suffix string) string {
	return fmt.Sprintf("https://%s.b2clogin.com/%s/%s%s",
		p.cfg.TenantName, p.cfg.TenantDomain, policy, suffix)
}

// policyFor maps a requested flow to a configured policy. Unknown or
// unconfigured flows fall back to the sign-in policy.
func (p *Provider) policyFor(flow string) string {
	switch flow {
	case FlowPasswordReset:
		if p.cfg.Policies.PasswordReset != "" {
			return p.cfg.Policies.PasswordReset
		}
	case FlowProfileEdit:
		if p.cfg.Policies.ProfileEdit != "" {
			return p.cfg.Policies.ProfileEdit
		}
	}
	return p.cfg.Policies.SignIn
}

// BuildAuthorizationURL constructs the policy-scoped authorization URL.
func (p *Provider) BuildAuthorizationURL(ctx context.Context, opts providers.AuthorizeOptions) (*providers.Authorization, error) {
	state, err := providers.NewState()
	if err != nil {
		return nil, err
	}
	nonce, err := providers.NewNonce()
	if err != nil {
		return nil, err
	}

	policy := p.policyFor(opts.ExtraParams[FlowParam])
	u, err := url.Parse(p.policyURL(policy, "/oauth2/v2.0/authorize"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad tenant configuration", autherr.ErrConfigurationInvalid)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set(PolicyParam, policy)
	if p.cfg.UILocale != "" {
		q.Set("ui_locales", p.cfg.UILocale)
	}
	if ret := providers.SafeReturnURL(opts.ReturnURL); ret != "" {
		q.Set("return_to", ret)
	}
	extra := make(map[string]string, len(opts.ExtraParams))
	for k, v := range opts.ExtraParams {
		if k != FlowParam && k != PolicyParam {
			extra[k] = v
		}
	}
	providers.ApplyExtraParams(q, extra)
	u.RawQuery = q.Encode()

	return &providers.Authorization{URL: u.String(), State: state, Nonce: nonce}, nil
}

// mintAssertion builds the per-exchange client assertion, scoped to this
// tenant's token endpoint. Never reused across exchanges.
func (p *Provider) mintAssertion(now time.Time, audience string) (string, error) {
	key, err := parseECPrivateKey(p.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("%w: signing key unusable", autherr.ErrConfigurationInvalid)
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, jwtv5.MapClaims{
		"iss": p.cfg.ClientID,
		"sub": p.cfg.ClientID,
		"aud": audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(assertionTTL).Unix(),
	})
	tk.Header["kid"] = p.cfg.KeyID
	signed, err := tk.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: assertion signing failed", autherr.ErrConfigurationInvalid)
	}
	return signed, nil
}

type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Err          string `json:"error"`
	ErrDesc      string `json:"error_description"`
}

// ExchangeCode trades the authorization code for tokens under the sign-in policy.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenResponse, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", autherr.ErrInvalidArgument)
	}

	endpoint := p.policyURL(p.cfg.Policies.SignIn, "/oauth2/v2.0/token")
	assertion, err := p.mintAssertion(time.Now(), endpoint)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("redirect_uri", p.cfg.RedirectURI)
	form.Set("client_assertion_type", assertionType)
	form.Set("client_assertion", assertion)

	body, status, err := providers.PostForm(ctx, p.http, endpoint, form)
	if err != nil {
		return nil, err
	}
	var tr tokenEndpointResponse
	_ = json.Unmarshal(body, &tr)
	if status/100 != 2 {
		if status >= 500 {
			return nil, fmt.Errorf("%w: token http %d", autherr.ErrProviderUnavailable, status)
		}
		return nil, fmt.Errorf("%w: token endpoint rejected exchange: %s %s", autherr.ErrUnauthorized, tr.Err, tr.ErrDesc)
	}
	if tr.IDToken == "" || tr.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: token response incomplete", autherr.ErrProviderUnavailable)
	}
	return &providers.TokenResponse{
		AccessToken:  tr.AccessToken,
		IDToken:      tr.IDToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresIn:    tr.ExpiresIn,
	}, nil
}

// FetchIdentity takes identity claims from the validated id_token. B2C has no
// general userinfo endpoint; tenant id (tid) and extension_* attributes ride
// along verbatim in the claim map.
func (p *Provider) FetchIdentity(ctx context.Context, tr *providers.TokenResponse) (*providers.UserInfo, error) {
	if tr == nil || strings.TrimSpace(tr.IDToken) == "" {
		return nil, fmt.Errorf("%w: token response with id_token is required", autherr.ErrInvalidArgument)
	}
	res, err := token.Validate(ctx, tr.IDToken, token.Options{
		ExpectedIssuer:   p.cfg.ExpectedIssuer,
		ExpectedAudience: p.cfg.ClientID,
		Keys:             p.jwks,
		ClockSkew:        p.cfg.ClockSkew,
	})
	if err != nil {
		return nil, err
	}
	return claims.Normalize(ProviderName, res.Claims), nil
}

// ValidateConfiguration aggregates every configuration problem.
func (p *Provider) ValidateConfiguration() error {
	var errs []error
	if strings.TrimSpace(p.cfg.TenantName) == "" {
		errs = append(errs, errors.New("tenant_name is required"))
	}
	if strings.TrimSpace(p.cfg.TenantDomain) == "" {
		errs = append(errs, errors.New("tenant_domain is required"))
	}
	if strings.TrimSpace(p.cfg.ClientID) == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if strings.TrimSpace(p.cfg.RedirectURI) == "" {
		errs = append(errs, errors.New("redirect_uri is required"))
	}
	if strings.TrimSpace(p.cfg.Policies.SignIn) == "" {
		errs = append(errs, errors.New("sign-in policy is required"))
	}
	if strings.TrimSpace(p.cfg.ExpectedIssuer) == "" {
		errs = append(errs, errors.New("expected issuer is required"))
	}
	if len(p.cfg.Scopes) == 0 {
		errs = append(errs, errors.New("at least one scope is required"))
	}
	for _, s := range p.cfg.Scopes {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, errors.New("scopes must be non-empty strings"))
			break
		}
	}
	if !uiLocaleAllowList[p.cfg.UILocale] {
		errs = append(errs, fmt.Errorf("ui locale %q not allowed", p.cfg.UILocale))
	}
	if _, err := parseECPrivateKey(p.cfg.PrivateKey); err != nil {
		errs = append(errs, errors.New("private key is not a usable ECDSA P-256 key"))
	}
	if p.cfg.ClockSkew < 0 || p.cfg.ClockSkew > token.MaxClockSkew {
		errs = append(errs, fmt.Errorf("clock skew out of range [0, %s]", token.MaxClockSkew))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", autherr.ErrConfigurationInvalid, errors.Join(errs...))
	}
	return nil
}

// HealthCheck fetches the sign-in policy's JWKS.
func (p *Provider) HealthCheck(ctx context.Context) error {
	endpoint := p.policyURL(p.cfg.Policies.SignIn, "/discovery/v2.0/keys")
	_, status, err := providers.GetJSON(ctx, p.http, endpoint, "")
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return fmt.Errorf("%w: jwks http %d", autherr.ErrProviderUnavailable, status)
	}
	return nil
}

func parseECPrivateKey(pemStr string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no pem block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if ecKey, ecErr := x509.ParseECPrivateKey(block.Bytes); ecErr == nil {
			return ecKey, nil
		}
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an ecdsa key")
	}
	return ecKey, nil
}
