// Package google implements the Google OIDC provider.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	"github.com/dropDatabas3/knockknock/internal/claims"
	"github.com/dropDatabas3/knockknock/internal/observability/logger"
	"github.com/dropDatabas3/knockknock/internal/providers"
	"github.com/dropDatabas3/knockknock/internal/token"
)

const ProviderName = "google"

const discoveryURL = "https://accounts.google.com/.well-known/openid-configuration"

// Google publishes both forms in the wild.
var validIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// promptAllowList bounds the configurable prompt setting.
var promptAllowList = map[string]bool{"": true, "none": true, "consent": true, "select_account": true}

type discoveryDoc struct {
	Issuer        string `json:"issuer"`
	AuthEndpoint  string `json:"authorization_endpoint"`
	TokenEndpoint string `json:"token_endpoint"`
	UserinfoURL   string `json:"userinfo_endpoint"`
	JWKSURI       string `json:"jwks_uri"`
}

// Config configures the Google provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	DisplayName  string
	Enabled      bool
	Prompt       string // "", "none", "consent", "select_account"
	ClockSkew    time.Duration
	HTTP         providers.Doer
}

type Provider struct {
	cfg  Config
	http providers.Doer

	mu    sync.RWMutex
	disc  *discoveryDoc
	discU time.Time

	jwksOnce sync.Once
	jwks     *token.RemoteKeys
}

// New creates a Google provider from config.
func New(cfg Config) *Provider {
	h := cfg.HTTP
	if h == nil {
		h = providers.DefaultHTTPClient()
	}
	return &Provider{cfg: cfg, http: h}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Descriptor() providers.Descriptor {
	name := p.cfg.DisplayName
	if name == "" {
		name = "Google"
	}
	return providers.Descriptor{
		Name:         ProviderName,
		DisplayName:  name,
		Enabled:      p.cfg.Enabled,
		Capabilities: []providers.Capability{providers.CapOfflineAccess},
	}
}

func (p *Provider) discovery(ctx context.Context) (*discoveryDoc, error) {
	p.mu.RLock()
	disc := p.disc
	stale := time.Since(p.discU) > 24*time.Hour
	p.mu.RUnlock()
	if disc != nil && !stale {
		return disc, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery: %v", autherr.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: discovery http %d", autherr.ErrProviderUnavailable, resp.StatusCode)
	}
	var dd discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&dd); err != nil {
		return nil, fmt.Errorf("%w: discovery decode: %v", autherr.ErrProviderUnavailable, err)
	}

	p.mu.Lock()
	p.disc = &dd
	p.discU = time.Now()
	p.mu.Unlock()
	return &dd, nil
}

func (p *Provider) keySource(jwksURI string) *token.RemoteKeys {
	p.jwksOnce.Do(func() {
		p.jwks = token.NewRemoteKeys(jwksURI, p.http)
	})
	return p.jwks
}

// BuildAuthorizationURL constructs the Google authorization endpoint URL.
func (p *Provider) BuildAuthorizationURL(ctx context.Context, opts providers.AuthorizeOptions) (*providers.Authorization, error) {
	disc, err := p.discovery(ctx)
	if err != nil {
		return nil, err
	}
	state, err := providers.NewState()
	if err != nil {
		return nil, err
	}
	nonce, err := providers.NewNonce()
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(disc.AuthEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: bad authorization endpoint", autherr.ErrProviderUnavailable)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("access_type", "offline")
	q.Set("include_granted_scopes", "true")
	if p.cfg.Prompt != "" {
		q.Set("prompt", p.cfg.Prompt)
	}
	if ret := providers.SafeReturnURL(opts.ReturnURL); ret != "" {
		q.Set("return_to", ret)
	}
	providers.ApplyExtraParams(q, opts.ExtraParams)
	u.RawQuery = q.Encode()

	return &providers.Authorization{URL: u.String(), State: state, Nonce: nonce}, nil
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

// ExchangeCode trades the authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenResponse, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", autherr.ErrInvalidArgument)
	}
	disc, err := p.discovery(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("redirect_uri", p.cfg.RedirectURI)

	body, status, err := providers.PostForm(ctx, p.http, disc.TokenEndpoint, form)
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
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
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

// FetchIdentity validates the id_token and completes the claim set from the
// userinfo endpoint. Every claim either source returns is preserved.
func (p *Provider) FetchIdentity(ctx context.Context, tr *providers.TokenResponse) (*providers.UserInfo, error) {
	if tr == nil || strings.TrimSpace(tr.AccessToken) == "" {
		return nil, fmt.Errorf("%w: token response with access token is required", autherr.ErrInvalidArgument)
	}
	disc, err := p.discovery(ctx)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	if tr.IDToken != "" {
		res, err := p.verifyIDToken(ctx, tr.IDToken, disc.JWKSURI)
		if err != nil {
			return nil, err
		}
		for k, v := range res.Claims {
			raw[k] = v
		}
	}

	// Userinfo completes profile claims (locale, picture, ...) the id_token
	// may not carry under the granted scopes.
	body, status, err := providers.GetJSON(ctx, p.http, disc.UserinfoURL, tr.AccessToken)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("%w: userinfo http %d", autherr.ErrProviderUnavailable, status)
	}
	var profile map[string]any
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("%w: userinfo decode: %v", autherr.ErrProviderUnavailable, err)
	}
	for k, v := range profile {
		raw[k] = v
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: sub", autherr.ErrMissingRequiredClaim)
	}

	info := claims.Normalize(ProviderName, raw)
	if info.UserID == "" {
		return nil, fmt.Errorf("%w: sub", autherr.ErrMissingRequiredClaim)
	}
	logger.From(ctx).Debug("identity resolved",
		logger.Component("providers.google"), logger.Op("FetchIdentity"), logger.UserID(info.UserID))
	return info, nil
}

func (p *Provider) verifyIDToken(ctx context.Context, idToken, jwksURI string) (*token.Result, error) {
	keys := p.keySource(jwksURI)
	var lastErr error
	for _, iss := range validIssuers {
		res, err := token.Validate(ctx, idToken, token.Options{
			ExpectedIssuer:   iss,
			ExpectedAudience: p.cfg.ClientID,
			Keys:             keys,
			ClockSkew:        p.cfg.ClockSkew,
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, autherr.ErrInvalidIssuer) {
			break
		}
	}
	return nil, lastErr
}

// ValidateConfiguration aggregates every configuration problem.
func (p *Provider) ValidateConfiguration() error {
	var errs []error
	if strings.TrimSpace(p.cfg.ClientID) == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if strings.TrimSpace(p.cfg.ClientSecret) == "" {
		errs = append(errs, errors.New("client_secret is required"))
	}
	if strings.TrimSpace(p.cfg.RedirectURI) == "" {
		errs = append(errs, errors.New("redirect_uri is required"))
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
	if !promptAllowList[p.cfg.Prompt] {
		errs = append(errs, fmt.Errorf("prompt %q not allowed", p.cfg.Prompt))
	}
	if p.cfg.ClockSkew < 0 || p.cfg.ClockSkew > token.MaxClockSkew {
		errs = append(errs, fmt.Errorf("clock skew out of range [0, %s]", token.MaxClockSkew))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", autherr.ErrConfigurationInvalid, errors.Join(errs...))
	}
	return nil
}

// HealthCheck fetches the discovery document.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.discovery(ctx)
	return err
}
