// Package token validates signed identity tokens (ID tokens and provider
// assertions). Validation is stateless and idempotent: the same token with the
// same options always yields the same outcome.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/knockknock/internal/autherr"
)

// MaxClockSkew bounds the configurable skew tolerance. Anything above an hour
// is a misconfiguration, not a tolerance.
const MaxClockSkew = time.Hour

// ValidMethods lists the signing algorithms we accept. "none" is absent on
// purpose and must stay absent.
var ValidMethods = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384", "EdDSA"}

// KeySource resolves the verification key for a token header.
type KeySource interface {
	KeyFor(ctx context.Context, kid, alg string) (any, error)
}

// StaticKeys is a KeySource backed by a fixed kid -> public key map.
// An entry under the empty kid acts as the fallback key.
type StaticKeys map[string]any

func (s StaticKeys) KeyFor(_ context.Context, kid, _ string) (any, error) {
	if k, ok := s[kid]; ok {
		return k, nil
	}
	if k, ok := s[""]; ok {
		return k, nil
	}
	return nil, errors.New("kid not found")
}

// Options configures a validation pass.
type Options struct {
	ExpectedIssuer   string
	ExpectedAudience string
	Keys             KeySource

	// ClockSkew is the tolerance applied to exp/iat/nbf. Must be in [0, MaxClockSkew].
	ClockSkew time.Duration

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Validate rejects option sets a deployment must never run with.
func (o Options) Validate() error {
	if o.ClockSkew < 0 {
		return fmt.Errorf("%w: clock skew must not be negative", autherr.ErrConfigurationInvalid)
	}
	if o.ClockSkew > MaxClockSkew {
		return fmt.Errorf("%w: clock skew above %s", autherr.ErrConfigurationInvalid, MaxClockSkew)
	}
	if o.Keys == nil {
		return fmt.Errorf("%w: key source is required", autherr.ErrConfigurationInvalid)
	}
	return nil
}

// Result is a successful validation outcome.
type Result struct {
	Subject string
	Claims  map[string]any
}

// Validate runs the ordered rule set against raw. Each rule maps to exactly
// one autherr sentinel so callers can distinguish rejection kinds. Error
// messages never include key material.
func Validate(ctx context.Context, raw string, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	// Rule 1: three dot-separated segments.
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want 3 segments, got %d", autherr.ErrMalformedToken, len(parts))
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad header encoding", autherr.ErrMalformedToken)
	}
	if err := json.Unmarshal(hb, &header); err != nil {
		return nil, fmt.Errorf("%w: bad header json", autherr.ErrMalformedToken)
	}

	// Rule 2: signature. An unsigned token never passes, whatever it claims.
	if header.Alg == "" || strings.EqualFold(header.Alg, "none") {
		return nil, fmt.Errorf("%w: unsigned token", autherr.ErrInvalidSignature)
	}

	keyfunc := func(t *jwtv5.Token) (any, error) {
		return opts.Keys.KeyFor(ctx, header.Kid, header.Alg)
	}
	parser := jwtv5.NewParser(
		jwtv5.WithValidMethods(ValidMethods),
		jwtv5.WithoutClaimsValidation(), // lifetime rules run below with our skew
	)
	tok, err := parser.Parse(raw, keyfunc)
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: unparseable", autherr.ErrMalformedToken)
		}
		return nil, fmt.Errorf("%w: verification failed", autherr.ErrInvalidSignature)
	}
	claims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("%w: verification failed", autherr.ErrInvalidSignature)
	}

	// Rule 3: issuer, exact match.
	if iss, _ := claims["iss"].(string); iss != opts.ExpectedIssuer {
		return nil, fmt.Errorf("%w: got %q", autherr.ErrInvalidIssuer, iss)
	}

	// Rule 4: audience must include our client id.
	if !audienceMatches(claims["aud"], opts.ExpectedAudience) {
		return nil, autherr.ErrInvalidAudience
	}

	// Rule 5: lifetime window [iat-skew, exp+skew].
	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}
	if exp, ok := numericClaim(claims, "exp"); ok {
		if now.After(exp.Add(opts.ClockSkew)) {
			return nil, autherr.ErrExpired
		}
	}
	if iat, ok := numericClaim(claims, "iat"); ok {
		if now.Before(iat.Add(-opts.ClockSkew)) {
			return nil, autherr.ErrNotYetValid
		}
	}
	if nbf, ok := numericClaim(claims, "nbf"); ok {
		if now.Before(nbf.Add(-opts.ClockSkew)) {
			return nil, autherr.ErrNotYetValid
		}
	}

	// Rule 6: minimal claim set.
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: sub", autherr.ErrMissingRequiredClaim)
	}

	out := make(map[string]any, len(claims))
	for k, v := range claims {
		out[k] = v
	}
	return &Result{Subject: sub, Claims: out}, nil
}

func audienceMatches(aud any, want string) bool {
	switch a := aud.(type) {
	case string:
		return a == want
	case []any:
		for _, v := range a {
			if s, _ := v.(string); s == want {
				return true
			}
		}
	case []string:
		for _, s := range a {
			if s == want {
				return true
			}
		}
	}
	return false
}

func numericClaim(m jwtv5.MapClaims, k string) (time.Time, bool) {
	switch v := m[k].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0), true
		}
	case int64:
		return time.Unix(v, 0), true
	}
	return time.Time{}, false
}
