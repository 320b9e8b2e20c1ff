package apple

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	"github.com/dropDatabas3/knockknock/internal/providers"
)

func tokenResponse(idToken string) *providers.TokenResponse {
	return &providers.TokenResponse{AccessToken: "at", IDToken: idToken, ExpiresIn: 3600}
}

func authorizeOptions() providers.AuthorizeOptions {
	return providers.AuthorizeOptions{}
}

const testKID = "test-key-1"

// fakeDoer routes token and JWKS requests without a network.
type fakeDoer struct {
	tokenStatus int
	tokenBody   string
	jwksBody    string

	// captured form values of every token request
	exchanges []map[string]string
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	switch {
	case strings.Contains(req.URL.String(), "/auth/token"):
		if req.Body != nil {
			b, _ := io.ReadAll(req.Body)
			parsed, _ := url.ParseQuery(string(b))
			vals := map[string]string{}
			for k := range parsed {
				vals[k] = parsed.Get(k)
			}
			f.exchanges = append(f.exchanges, vals)
		}
		status := f.tokenStatus
		if status == 0 {
			status = 200
		}
		return jsonResponse(status, f.tokenBody), nil
	case strings.Contains(req.URL.String(), "/auth/keys"):
		return jsonResponse(200, f.jwksBody), nil
	}
	return nil, fmt.Errorf("unexpected url %s", req.URL)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newSigningKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	return key, pemStr
}

func jwksFor(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	x := key.PublicKey.X.FillBytes(make([]byte, 32))
	y := key.PublicKey.Y.FillBytes(make([]byte, 32))
	doc := map[string]any{
		"keys": []map[string]string{{
			"kty": "EC",
			"crv": "P-256",
			"alg": "ES256",
			"kid": testKID,
			"x":   base64.RawURLEncoding.EncodeToString(x),
			"y":   base64.RawURLEncoding.EncodeToString(y),
		}},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return string(b)
}

func signIDToken(t *testing.T, key *ecdsa.PrivateKey, clientID, email string) string {
	t.Helper()
	now := time.Now()
	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, jwtv5.MapClaims{
		"iss":   "https://appleid.apple.com",
		"aud":   clientID,
		"sub":   "apple-user-1",
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = testKID
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return raw
}

func testProvider(t *testing.T, doer *fakeDoer, storeRelay bool) (*Provider, *ecdsa.PrivateKey) {
	t.Helper()
	key, pemStr := newSigningKey(t)
	doer.jwksBody = jwksFor(t, key)
	p := New(Config{
		ClientID:        "com.example.signin",
		TeamID:          "TEAM123456",
		KeyID:           "ABC123",
		PrivateKey:      pemStr,
		RedirectURI:     "https://example.com/auth/apple/callback",
		Scopes:          []string{"name", "email"},
		Enabled:         true,
		StoreRelayEmail: storeRelay,
		HTTP:            doer,
	})
	return p, key
}

func TestExchangeMintsFreshAssertionEachTime(t *testing.T) {
	doer := &fakeDoer{tokenBody: `{"access_token":"at","id_token":"idt","expires_in":3600,"token_type":"Bearer"}`}
	p, key := testProvider(t, doer, false)
	ctx := context.Background()

	if _, err := p.ExchangeCode(ctx, "code-1"); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := p.ExchangeCode(ctx, "code-2"); err != nil {
		t.Fatalf("second exchange: %v", err)
	}
	if len(doer.exchanges) != 2 {
		t.Fatalf("exchanges = %d, want 2", len(doer.exchanges))
	}

	first := doer.exchanges[0]["client_secret"]
	second := doer.exchanges[1]["client_secret"]
	if first == "" || second == "" {
		t.Fatal("client_secret missing from token request")
	}
	if first == second {
		t.Fatal("client assertion was reused across exchanges")
	}

	// the assertion is a short-lived ES256 token with the right parties
	parsed, err := jwtv5.Parse(first, func(*jwtv5.Token) (any, error) { return &key.PublicKey, nil },
		jwtv5.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("parse assertion: %v", err)
	}
	mc := parsed.Claims.(jwtv5.MapClaims)
	if mc["iss"] != "TEAM123456" || mc["sub"] != "com.example.signin" || mc["aud"] != "https://appleid.apple.com" {
		t.Fatalf("assertion claims = %v", mc)
	}
	if parsed.Header["kid"] != "ABC123" {
		t.Fatalf("assertion kid = %v", parsed.Header["kid"])
	}
	iat, _ := mc["iat"].(float64)
	exp, _ := mc["exp"].(float64)
	if time.Duration(exp-iat)*time.Second != 5*time.Minute {
		t.Fatalf("assertion lifetime = %vs, want 300", exp-iat)
	}
}

func TestExchangeErrorMapping(t *testing.T) {
	doer := &fakeDoer{tokenStatus: 503, tokenBody: `{}`}
	p, _ := testProvider(t, doer, false)

	if _, err := p.ExchangeCode(context.Background(), "code"); !errors.Is(err, autherr.ErrProviderUnavailable) {
		t.Fatalf("5xx: err = %v, want ErrProviderUnavailable", err)
	}

	doer.tokenStatus = 400
	doer.tokenBody = `{"error":"invalid_grant"}`
	if _, err := p.ExchangeCode(context.Background(), "code"); !errors.Is(err, autherr.ErrUnauthorized) {
		t.Fatalf("4xx: err = %v, want ErrUnauthorized", err)
	}

	if _, err := p.ExchangeCode(context.Background(), "  "); !errors.Is(err, autherr.ErrInvalidArgument) {
		t.Fatalf("empty code: err = %v, want ErrInvalidArgument", err)
	}
}

func TestPrivateRelayEmailSuppressed(t *testing.T) {
	doer := &fakeDoer{}
	p, key := testProvider(t, doer, false)

	idToken := signIDToken(t, key, "com.example.signin", "xyz123@privaterelay.appleid.com")
	info, err := p.FetchIdentity(context.Background(), tokenResponse(idToken))
	if err != nil {
		t.Fatalf("FetchIdentity: %v", err)
	}
	if !info.IsAuthenticated {
		t.Fatal("relay user must still authenticate")
	}
	if info.Email != "" {
		t.Fatalf("Email = %q, want suppressed", info.Email)
	}
	if !strings.HasSuffix(info.DisplayName, PrivateRelaySuffix) {
		t.Fatalf("DisplayName = %q, want relay suffix", info.DisplayName)
	}
}

func TestPrivateRelayEmailKeptWhenConfigured(t *testing.T) {
	doer := &fakeDoer{}
	p, key := testProvider(t, doer, true)

	idToken := signIDToken(t, key, "com.example.signin", "xyz123@privaterelay.appleid.com")
	info, err := p.FetchIdentity(context.Background(), tokenResponse(idToken))
	if err != nil {
		t.Fatalf("FetchIdentity: %v", err)
	}
	if info.Email != "xyz123@privaterelay.appleid.com" {
		t.Fatalf("Email = %q, want relay address kept", info.Email)
	}
	if !strings.HasSuffix(info.DisplayName, PrivateRelaySuffix) {
		t.Fatalf("DisplayName = %q, want relay suffix", info.DisplayName)
	}
}

func TestRegularEmailUntouched(t *testing.T) {
	doer := &fakeDoer{}
	p, key := testProvider(t, doer, false)

	idToken := signIDToken(t, key, "com.example.signin", "real@example.com")
	info, err := p.FetchIdentity(context.Background(), tokenResponse(idToken))
	if err != nil {
		t.Fatalf("FetchIdentity: %v", err)
	}
	if info.Email != "real@example.com" {
		t.Fatalf("Email = %q", info.Email)
	}
	if strings.Contains(info.DisplayName, PrivateRelaySuffix) {
		t.Fatalf("DisplayName = %q, relay suffix on a regular address", info.DisplayName)
	}
}

func TestFetchIdentityRequiresIDToken(t *testing.T) {
	doer := &fakeDoer{}
	p, _ := testProvider(t, doer, false)

	if _, err := p.FetchIdentity(context.Background(), nil); !errors.Is(err, autherr.ErrInvalidArgument) {
		t.Fatalf("nil response: err = %v", err)
	}
	if _, err := p.FetchIdentity(context.Background(), tokenResponse("")); !errors.Is(err, autherr.ErrInvalidArgument) {
		t.Fatalf("empty id_token: err = %v", err)
	}
}

func TestValidateConfigurationAggregates(t *testing.T) {
	p := New(Config{Enabled: true, HTTP: &fakeDoer{}})
	err := p.ValidateConfiguration()
	if !errors.Is(err, autherr.ErrConfigurationInvalid) {
		t.Fatalf("err = %v, want ErrConfigurationInvalid", err)
	}
	for _, want := range []string{"client_id", "team_id", "key_id", "redirect_uri", "scope", "private key"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("aggregate %q lacks %q", err.Error(), want)
		}
	}
}

func TestAuthorizationURLUsesFormPost(t *testing.T) {
	doer := &fakeDoer{}
	p, _ := testProvider(t, doer, false)

	auth, err := p.BuildAuthorizationURL(context.Background(), authorizeOptions())
	if err != nil {
		t.Fatalf("BuildAuthorizationURL: %v", err)
	}
	if !strings.Contains(auth.URL, "response_mode=form_post") {
		t.Fatalf("url %q lacks form_post", auth.URL)
	}
	if auth.State == "" || auth.Nonce == "" {
		t.Fatal("state and nonce must be set")
	}
	if strings.Contains(auth.URL, "client_secret") {
		t.Fatal("authorization url must never carry the client secret")
	}
}
