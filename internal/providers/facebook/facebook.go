// Package facebook implements the Facebook OAuth2 provider.
//
// Facebook has no OIDC id_token; identity is completed via Graph API calls
// with the access token. An optional business mode adds business-scoped
// claims and a required-role check.
package facebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	"github.com/dropDatabas3/knockknock/internal/claims"
	"github.com/dropDatabas3/knockknock/internal/observability/logger"
	"github.com/dropDatabas3/knockknock/internal/providers"
)

const ProviderName = "facebook"

const defaultGraphVersion = "v19.0"

// BusinessConfig enables business-scoped identity resolution.
type BusinessConfig struct {
	Enabled bool

	// RequiredRole, when set, fails FetchIdentity with Unauthorized unless the
	// authenticated principal holds this business role (case-insensitive
	// exact match).
	RequiredRole string

	// MaxPages bounds how many linked pages are enumerated. Valid range 1-100.
	MaxPages int

	// IncludeAdAccounts also enumerates ad accounts, up to MaxPages.
	IncludeAdAccounts bool
}

// Config configures the Facebook provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	DisplayName  string
	Enabled      bool

	// ExchangeLongLivedToken trades the short-lived token for a long-lived one
	// after the code exchange. The reported expiry never shrinks below the
	// short-lived value.
	ExchangeLongLivedToken bool

	GraphVersion string
	Business     BusinessConfig
	HTTP         providers.Doer
}

type Provider struct {
	cfg  Config
	http providers.Doer
}

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
		name = "Facebook"
	}
	caps := []providers.Capability{}
	if p.cfg.Business.Enabled {
		caps = append(caps, providers.CapBusinessAssets)
	}
	return providers.Descriptor{
		Name:         ProviderName,
		DisplayName:  name,
		Enabled:      p.cfg.Enabled,
		Capabilities: caps,
	}
}

func (p *Provider) graphVersion() string {
	if p.cfg.GraphVersion != "" {
		return p.cfg.GraphVersion
	}
	return defaultGraphVersion
}

func (p *Provider) dialogURL() string {
	return "https://www.facebook.com/" + p.graphVersion() + "/dialog/oauth"
}

func (p *Provider) graphURL(path string) string {
	return "https://graph.facebook.com/" + p.graphVersion() + path
}

// BuildAuthorizationURL constructs the Facebook login dialog URL.
func (p *Provider) BuildAuthorizationURL(ctx context.Context, opts providers.AuthorizeOptions) (*providers.Authorization, error) {
	state, err := providers.NewState()
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(p.dialogURL())
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	q.Set("scope", strings.Join(p.cfg.Scopes, ","))
	q.Set("state", state)
	if ret := providers.SafeReturnURL(opts.ReturnURL); ret != "" {
		q.Set("return_to", ret)
	}
	providers.ApplyExtraParams(q, opts.ExtraParams)
	u.RawQuery = q.Encode()

	// Facebook ignores nonces; replay protection is carried by state alone.
	return &providers.Authorization{URL: u.String(), State: state}, nil
}

type graphTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// ExchangeCode trades the authorization code for an access token, optionally
// upgrading it to a long-lived one.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenResponse, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", autherr.ErrInvalidArgument)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("redirect_uri", p.cfg.RedirectURI)

	tr, err := p.tokenCall(ctx, form)
	if err != nil {
		return nil, err
	}

	expiresIn := tr.ExpiresIn
	accessToken := tr.AccessToken
	if p.cfg.ExchangeLongLivedToken {
		long, err := p.exchangeLongLived(ctx, tr.AccessToken)
		if err != nil {
			// A failed upgrade is not fatal; the short-lived token works.
			logger.From(ctx).Warn("long-lived token exchange failed",
				logger.Component("providers.facebook"), logger.Err(err))
		} else {
			accessToken = long.AccessToken
			if long.ExpiresIn > expiresIn {
				expiresIn = long.ExpiresIn
			}
		}
	}

	return &providers.TokenResponse{
		AccessToken: accessToken,
		TokenType:   nonEmpty(tr.TokenType, "bearer"),
		ExpiresIn:   expiresIn,
	}, nil
}

func (p *Provider) exchangeLongLived(ctx context.Context, shortToken string) (*graphTokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "fb_exchange_token")
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("fb_exchange_token", shortToken)
	return p.tokenCall(ctx, form)
}

func (p *Provider) tokenCall(ctx context.Context, form url.Values) (*graphTokenResponse, error) {
	body, status, err := providers.PostForm(ctx, p.http, p.graphURL("/oauth/access_token"), form)
	if err != nil {
		return nil, err
	}
	var tr graphTokenResponse
	_ = json.Unmarshal(body, &tr)
	if status/100 != 2 {
		if status >= 500 {
			return nil, fmt.Errorf("%w: token http %d", autherr.ErrProviderUnavailable, status)
		}
		msg := ""
		if tr.Error != nil {
			msg = tr.Error.Message
		}
		return nil, fmt.Errorf("%w: graph rejected exchange: %s", autherr.ErrUnauthorized, msg)
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: token response incomplete", autherr.ErrProviderUnavailable)
	}
	return &tr, nil
}

// FetchIdentity resolves the profile via the Graph API, applying business-mode
// enrichment and the required-role check when configured.
func (p *Provider) FetchIdentity(ctx context.Context, tr *providers.TokenResponse) (*providers.UserInfo, error) {
	if tr == nil || strings.TrimSpace(tr.AccessToken) == "" {
		return nil, fmt.Errorf("%w: token response with access token is required", autherr.ErrInvalidArgument)
	}

	fields := "id,name,first_name,last_name,email,picture.type(large),languages,timezone,locale"
	raw, err := p.graphGet(ctx, "/me?fields="+url.QueryEscape(fields), tr.AccessToken)
	if err != nil {
		return nil, err
	}

	// Flatten the nested picture payload into a plain claim before
	// normalization so the structured field picks it up.
	if pic, ok := raw["picture"].(map[string]any); ok {
		if data, ok := pic["data"].(map[string]any); ok {
			if u, ok := data["url"].(string); ok {
				raw["picture"] = u
			}
		}
	}

	if p.cfg.Business.Enabled {
		if err := p.enrichBusiness(ctx, raw, tr.AccessToken); err != nil {
			return nil, err
		}
	}

	info := claims.Normalize(ProviderName, raw)
	if info.UserID == "" {
		return nil, fmt.Errorf("%w: id", autherr.ErrMissingRequiredClaim)
	}
	return info, nil
}

// enrichBusiness adds business claims to raw and enforces the required role.
func (p *Provider) enrichBusiness(ctx context.Context, raw map[string]any, accessToken string) error {
	if role := p.cfg.Business.RequiredRole; role != "" {
		held, err := p.principalRole(ctx, accessToken)
		if err != nil {
			return err
		}
		if !strings.EqualFold(held, role) {
			return fmt.Errorf("%w: business role %q required", autherr.ErrUnauthorized, role)
		}
		raw["business_role"] = held
	}

	biz, err := p.graphGet(ctx, "/me/businesses?fields=id,name,verification_status&limit=1", accessToken)
	if err != nil {
		return err
	}
	if data, ok := biz["data"].([]any); ok && len(data) > 0 {
		if first, ok := data[0].(map[string]any); ok {
			raw["business_id"], _ = first["id"].(string)
			raw["business_name"], _ = first["name"].(string)
			raw["business_verification"], _ = first["verification_status"].(string)
		}
	}

	limit := p.cfg.Business.MaxPages
	pages, err := p.graphGet(ctx, fmt.Sprintf("/me/accounts?fields=id,name&limit=%d", limit), accessToken)
	if err != nil {
		return err
	}
	if data, ok := pages["data"].([]any); ok && len(data) > 0 {
		raw["business_pages"] = data
	}

	if p.cfg.Business.IncludeAdAccounts {
		ads, err := p.graphGet(ctx, fmt.Sprintf("/me/adaccounts?fields=id,name&limit=%d", limit), accessToken)
		if err != nil {
			return err
		}
		if data, ok := ads["data"].([]any); ok && len(data) > 0 {
			raw["business_ad_accounts"] = data
		}
	}
	return nil
}

func (p *Provider) principalRole(ctx context.Context, accessToken string) (string, error) {
	res, err := p.graphGet(ctx, "/me/business_users?fields=role&limit=1", accessToken)
	if err != nil {
		return "", err
	}
	if data, ok := res["data"].([]any); ok && len(data) > 0 {
		if first, ok := data[0].(map[string]any); ok {
			if role, ok := first["role"].(string); ok {
				return role, nil
			}
		}
	}
	return "", nil
}

func (p *Provider) graphGet(ctx context.Context, path, accessToken string) (map[string]any, error) {
	body, status, err := providers.GetJSON(ctx, p.http, p.graphURL(path), accessToken)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		if status >= 500 {
			return nil, fmt.Errorf("%w: graph http %d", autherr.ErrProviderUnavailable, status)
		}
		return nil, fmt.Errorf("%w: graph http %d", autherr.ErrUnauthorized, status)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: graph decode: %v", autherr.ErrProviderUnavailable, err)
	}
	return out, nil
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
	if p.cfg.Business.Enabled {
		if p.cfg.Business.MaxPages < 1 || p.cfg.Business.MaxPages > 100 {
			errs = append(errs, errors.New("business max_pages must be in 1-100"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", autherr.ErrConfigurationInvalid, errors.Join(errs...))
	}
	return nil
}

// HealthCheck probes the Graph API root.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, status, err := providers.GetJSON(ctx, p.http, p.graphURL("/"), "")
	if err != nil {
		return err
	}
	if status >= 500 {
		return fmt.Errorf("%w: graph http %d", autherr.ErrProviderUnavailable, status)
	}
	return nil
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
