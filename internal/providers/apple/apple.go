// Package apple implements the Sign in with Apple provider.
//
// Apple is a confidential client whose secret is not a static string but a
// short-lived ES256 assertion signed with the registered key. The assertion is
// minted fresh for every exchange and never cached beyond its validity.
// Identity comes from the validated id_token; there is no userinfo endpoint.
package apple

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

	"github.com/dropDatabas3/knockknock/internal/autherr"
	"github.com/dropDatabas3/knockknock/internal/claims"
	"github.com/dropDatabas3/knockknock/internal/providers"
	"github.com/dropDatabas3/knockknock/internal/token"
)

const ProviderName = "apple"

const (
	issuer       = "https://appleid.apple.com"
	authEndpoint = "https://appleid.apple.com/auth/authorize"
	tokenURL     = "https://appleid.apple.com/auth/token"
	jwksURL      = "https://appleid.apple.com/auth/keys"

	// assertionTTL keeps the minted client secret short-lived. Apple allows up
	// to 6 months; nothing here needs more than the one exchange in flight.
	assertionTTL = 5 * time.Minute

	relayMarker = "@privaterelay."
)

// PrivateRelaySuffix is appended to the display name when the account uses an
// Apple privacy-relay address.
const PrivateRelaySuffix = " (private relay)"

// Config configures the Apple provider.
type Config struct {
	ClientID    string // the registered Services ID
	TeamID      string
	KeyID       string
	PrivateKey  string // PEM, PKCS#8 ECDSA P-256
	RedirectURI string
	Scopes      []string
	DisplayName string
	Enabled     bool

	// StoreRelayEmail controls whether privacy-relay addresses are kept on the
	// identity. Off means the identity still authenticates with an empty email.
	StoreRelayEmail bool

	ClockSkew time.Duration
	HTTP      providers.Doer
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
	return &Provider{cfg: cfg, http: h, jwks: token.NewRemoteKeys(jwksURL, h)}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Descriptor() providers.Descriptor {
	name := p.cfg.DisplayName
	if name == "" {
		name = "Apple"
	}
	return providers.Descriptor{
		Name:        ProviderName,
		DisplayName: name,
		Enabled:     p.cfg.Enabled,
	}
}

// BuildAuthorizationURL constructs the Apple authorization URL. The minted
// client secret is for the token endpoint only and never appears here.
func (p *Provider) BuildAuthorizationURL(ctx context.Context, opts providers.AuthorizeOptions) (*providers.Authorization, error) {
	state, err := providers.NewState()
	if err != nil {
		return nil, err
	}
	nonce, err := providers.NewNonce()
	if err != nil {
		return nil, err
	}

	u, _ := url.Parse(authEndpoint)
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	// Apple requires form_post whenever name or email scopes are requested.
	q.Set("response_mode", "form_post")
	if ret := providers.SafeReturnURL(opts.ReturnURL); ret != "" {
		q.Set("return_to", ret)
	}
	providers.ApplyExtraParams(q, opts.ExtraParams)
	u.RawQuery = q.Encode()

	return &providers.Authorization{URL: u.String(), State: state, Nonce: nonce}, nil
}

// mintClientSecret builds the per-exchange signed assertion. Deliberately not
// memoized: a cached assertion outliving its window is exactly the bug this
// shape of secret exists to prevent.
func (p *Provider) mintClientSecret(now time.Time) (string, error) {
	key, err := parseECPrivateKey(p.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("%w: signing key unusable", autherr.ErrConfigurationInvalid)
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, jwtv5.MapClaims{
		"iss": p.cfg.TeamID,
		"sub": p.cfg.ClientID,
		"aud": issuer,
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
}

// ExchangeCode trades the authorization code for tokens using a freshly
// minted client assertion.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.TokenResponse, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", autherr.ErrInvalidArgument)
	}
	secret, err := p.mintClientSecret(time.Now())
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", secret)
	form.Set("redirect_uri", p.cfg.RedirectURI)

	body, status, err := providers.PostForm(ctx, p.http, tokenURL, form)
	if err != nil {
		return nil, err
	}
	var tr tokenEndpointResponse
	if jsonErr := json.Unmarshal(body, &tr); jsonErr != nil && status/100 == 2 {
		return nil, fmt.Errorf("%w: token decode: %v", autherr.ErrProviderUnavailable, jsonErr)
	}
	if status/100 != 2 {
		if status >= 500 {
			return nil, fmt.Errorf("%w: token http %d", autherr.ErrProviderUnavailable, status)
		}
		return nil, fmt.Errorf("%w: token endpoint rejected exchange: %s", autherr.ErrUnauthorized, tr.Err)
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

// FetchIdentity takes identity claims from the validated id_token.
func (p *Provider) FetchIdentity(ctx context.Context, tr *providers.TokenResponse) (*providers.UserInfo, error) {
	if tr == nil || strings.TrimSpace(tr.IDToken) == "" {
		return nil, fmt.Errorf("%w: token response with id_token is required", autherr.ErrInvalidArgument)
	}

	res, err := token.Validate(ctx, tr.IDToken, token.Options{
		ExpectedIssuer:   issuer,
		ExpectedAudience: p.cfg.ClientID,
		Keys:             p.jwks,
		ClockSkew:        p.cfg.ClockSkew,
	})
	if err != nil {
		return nil, err
	}

	info := claims.Normalize(ProviderName, res.Claims)
	if info.DisplayName == "" {
		info.DisplayName = info.Email
	}

	if isPrivateRelay(info.Email) {
		if info.DisplayName != "" {
			info.DisplayName += PrivateRelaySuffix
		} else {
			info.DisplayName = "Apple user" + PrivateRelaySuffix
		}
		if !p.cfg.StoreRelayEmail {
			// Relay storage disabled: the identity still authenticates, the
			// address just never leaves this function as a structured field.
			info.Email = ""
		}
	}
	return info, nil
}

func isPrivateRelay(email string) bool {
	return strings.Contains(strings.ToLower(email), relayMarker)
}

// ValidateConfiguration aggregates every configuration problem, including an
// unusable signing key.
func (p *Provider) ValidateConfiguration() error {
	var errs []error
	if strings.TrimSpace(p.cfg.ClientID) == "" {
		errs = append(errs, errors.New("client_id (services id) is required"))
	}
	if strings.TrimSpace(p.cfg.TeamID) == "" {
		errs = append(errs, errors.New("team_id is required"))
	}
	if strings.TrimSpace(p.cfg.KeyID) == "" {
		errs = append(errs, errors.New("key_id is required"))
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

// HealthCheck fetches Apple's published JWKS.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, status, err := providers.GetJSON(ctx, p.http, jwksURL, "")
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
		// Some keys ship as SEC1 instead of PKCS#8.
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
