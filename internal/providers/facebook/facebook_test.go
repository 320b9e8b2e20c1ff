package facebook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	"github.com/dropDatabas3/knockknock/internal/providers"
)

// graphDoer serves canned Graph API responses keyed by path substring, in
// registration order.
type graphDoer struct {
	routes []graphRoute
	// form values of every /oauth/access_token call, in order
	tokenCalls []url.Values
}

type graphRoute struct {
	match  string
	status int
	body   string
}

func (g *graphDoer) on(match string, status int, body string) *graphDoer {
	g.routes = append(g.routes, graphRoute{match, status, body})
	return g
}

func (g *graphDoer) Do(req *http.Request) (*http.Response, error) {
	// the token endpoint is shared by both grant types; dispatch on the form
	if strings.Contains(req.URL.Path, "/oauth/access_token") && req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		vals, _ := url.ParseQuery(string(b))
		g.tokenCalls = append(g.tokenCalls, vals)
		grantMatch := "grant_type=" + vals.Get("grant_type")
		for _, r := range g.routes {
			if r.match == grantMatch || r.match == "/oauth/access_token" {
				return canned(r), nil
			}
		}
		return nil, fmt.Errorf("no route for %s", grantMatch)
	}
	for _, r := range g.routes {
		if strings.Contains(req.URL.String(), r.match) {
			return canned(r), nil
		}
	}
	return nil, fmt.Errorf("unexpected url %s", req.URL)
}

func canned(r graphRoute) *http.Response {
	return &http.Response{
		StatusCode: r.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(r.body)),
	}
}

func baseConfig(doer providers.Doer) Config {
	return Config{
		ClientID:     "app-1",
		ClientSecret: "secret",
		RedirectURI:  "https://example.com/auth/facebook/callback",
		Scopes:       []string{"email", "public_profile"},
		Enabled:      true,
		HTTP:         doer,
	}
}

const profileBody = `{"id":"fb-1","name":"Jane Doe","first_name":"Jane","last_name":"Doe","email":"jane@example.com","picture":{"data":{"url":"https://img.test/p.jpg"}}}`

func TestExchangeCodeShortLived(t *testing.T) {
	doer := (&graphDoer{}).on("/oauth/access_token", 200,
		`{"access_token":"short-tok","token_type":"bearer","expires_in":5000}`)
	p := New(baseConfig(doer))

	tr, err := p.ExchangeCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tr.AccessToken != "short-tok" || tr.ExpiresIn != 5000 {
		t.Fatalf("tr = %+v", tr)
	}
}

func TestLongLivedUpgradeNeverShrinksExpiry(t *testing.T) {
	doer := &graphDoer{}
	doer.on("grant_type=authorization_code", 200,
		`{"access_token":"short-tok","token_type":"bearer","expires_in":5000}`)
	doer.on("grant_type=fb_exchange_token", 200,
		`{"access_token":"long-tok","token_type":"bearer","expires_in":3600}`)

	cfg := baseConfig(doer)
	cfg.ExchangeLongLivedToken = true
	p := New(cfg)

	tr, err := p.ExchangeCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tr.AccessToken != "long-tok" {
		t.Fatalf("AccessToken = %q, want upgraded token", tr.AccessToken)
	}
	// upgraded token reported a shorter expiry: the original one wins
	if tr.ExpiresIn != 5000 {
		t.Fatalf("ExpiresIn = %d, want 5000", tr.ExpiresIn)
	}
}

func TestLongLivedUpgradeFailureIsNotFatal(t *testing.T) {
	doer := &graphDoer{}
	doer.on("grant_type=authorization_code", 200,
		`{"access_token":"short-tok","token_type":"bearer","expires_in":5000}`)
	doer.on("grant_type=fb_exchange_token", 500, `{}`)

	cfg := baseConfig(doer)
	cfg.ExchangeLongLivedToken = true
	p := New(cfg)

	tr, err := p.ExchangeCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tr.AccessToken != "short-tok" {
		t.Fatalf("AccessToken = %q, want short-lived fallback", tr.AccessToken)
	}
}

func TestFetchIdentityFlattensPicture(t *testing.T) {
	doer := (&graphDoer{}).on("/me?", 200, profileBody)
	p := New(baseConfig(doer))

	info, err := p.FetchIdentity(context.Background(), &providers.TokenResponse{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("FetchIdentity: %v", err)
	}
	if info.UserID != "fb-1" || info.Email != "jane@example.com" {
		t.Fatalf("info = %+v", info)
	}
	if info.ProfilePictureURL != "https://img.test/p.jpg" {
		t.Fatalf("ProfilePictureURL = %q", info.ProfilePictureURL)
	}
	if info.AuthProvider != ProviderName || !info.IsAuthenticated {
		t.Fatalf("info = %+v", info)
	}
}

func businessConfig(doer providers.Doer, requiredRole string) Config {
	cfg := baseConfig(doer)
	cfg.Business = BusinessConfig{Enabled: true, RequiredRole: requiredRole, MaxPages: 10}
	return cfg
}

func TestBusinessRoleMismatchRejected(t *testing.T) {
	doer := (&graphDoer{}).
		on("/me/business_users", 200, `{"data":[{"role":"Editor"}]}`).
		on("/me?", 200, profileBody)
	p := New(businessConfig(doer, "Admin"))

	_, err := p.FetchIdentity(context.Background(), &providers.TokenResponse{AccessToken: "tok"})
	if !errors.Is(err, autherr.ErrUnauthorized) {
		t.Fatalf("Editor vs required Admin: err = %v, want ErrUnauthorized", err)
	}
}

func TestBusinessRoleMatchIsCaseInsensitive(t *testing.T) {
	doer := (&graphDoer{}).
		on("/me/business_users", 200, `{"data":[{"role":"ADMIN"}]}`).
		on("/me/businesses", 200, `{"data":[{"id":"biz-1","name":"Acme","verification_status":"verified"}]}`).
		on("/me/accounts", 200, `{"data":[{"id":"page-1","name":"Acme Page"}]}`).
		on("/me?", 200, profileBody)
	p := New(businessConfig(doer, "Admin"))

	info, err := p.FetchIdentity(context.Background(), &providers.TokenResponse{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("FetchIdentity: %v", err)
	}
	if info.Claims["business_role"] != "ADMIN" {
		t.Fatalf("business_role = %q", info.Claims["business_role"])
	}
	if info.Claims["business_id"] != "biz-1" || info.Claims["business_name"] != "Acme" {
		t.Fatalf("business claims = %v", info.Claims)
	}
	if _, ok := info.Claims["business_pages"]; !ok {
		t.Fatalf("business_pages missing: %v", info.Claims)
	}
}

func TestBusinessDescriptorAdvertisesCapability(t *testing.T) {
	p := New(businessConfig(&graphDoer{}, ""))
	if !p.Descriptor().Has(providers.CapBusinessAssets) {
		t.Fatal("business mode must advertise the business_assets capability")
	}

	plain := New(baseConfig(&graphDoer{}))
	if plain.Descriptor().Has(providers.CapBusinessAssets) {
		t.Fatal("non-business provider must not advertise business_assets")
	}
}

func TestValidateConfigurationBusinessBounds(t *testing.T) {
	cfg := baseConfig(&graphDoer{})
	cfg.Business = BusinessConfig{Enabled: true, MaxPages: 0}
	if err := New(cfg).ValidateConfiguration(); !errors.Is(err, autherr.ErrConfigurationInvalid) {
		t.Fatalf("max_pages=0: err = %v", err)
	}

	cfg.Business.MaxPages = 101
	if err := New(cfg).ValidateConfiguration(); !errors.Is(err, autherr.ErrConfigurationInvalid) {
		t.Fatalf("max_pages=101: err = %v", err)
	}

	cfg.Business.MaxPages = 25
	if err := New(cfg).ValidateConfiguration(); err != nil {
		t.Fatalf("valid business config rejected: %v", err)
	}
}

func TestExchangeErrorMapping(t *testing.T) {
	doer := (&graphDoer{}).on("/oauth/access_token", 500, `{}`)
	p := New(baseConfig(doer))
	if _, err := p.ExchangeCode(context.Background(), "code"); !errors.Is(err, autherr.ErrProviderUnavailable) {
		t.Fatalf("5xx: err = %v", err)
	}

	doer = (&graphDoer{}).on("/oauth/access_token", 400,
		`{"error":{"message":"Invalid verification code","type":"OAuthException","code":100}}`)
	p = New(baseConfig(doer))
	if _, err := p.ExchangeCode(context.Background(), "code"); !errors.Is(err, autherr.ErrUnauthorized) {
		t.Fatalf("4xx: err = %v", err)
	}
}
