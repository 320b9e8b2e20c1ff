package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/knockknock/internal/autherr"
)

const (
	testIssuer   = "https://issuer.test"
	testAudience = "client-123"
)

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func signToken(t *testing.T, key *ecdsa.PrivateKey, kid string, claims jwtv5.MapClaims) string {
	t.Helper()
	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func baseClaims(now time.Time) jwtv5.MapClaims {
	return jwtv5.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

func optsFor(key *ecdsa.PrivateKey, now time.Time) Options {
	return Options{
		ExpectedIssuer:   testIssuer,
		ExpectedAudience: testAudience,
		Keys:             StaticKeys{"": &key.PublicKey},
		ClockSkew:        2 * time.Minute,
		Now:              func() time.Time { return now },
	}
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	key := newTestKey(t)
	now := time.Now()
	claims := baseClaims(now)
	claims["email"] = "user@example.com"
	raw := signToken(t, key, "k1", claims)

	res, err := Validate(context.Background(), raw, optsFor(key, now))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", res.Subject)
	}
	if res.Claims["email"] != "user@example.com" {
		t.Fatalf("claims not carried through: %v", res.Claims)
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	key := newTestKey(t)
	now := time.Now()
	raw := signToken(t, key, "", baseClaims(now))
	opts := optsFor(key, now)

	first, err1 := Validate(context.Background(), raw, opts)
	second, err2 := Validate(context.Background(), raw, opts)
	if err1 != nil || err2 != nil {
		t.Fatalf("errs: %v, %v", err1, err2)
	}
	if first.Subject != second.Subject {
		t.Fatalf("subjects differ: %q vs %q", first.Subject, second.Subject)
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	key := newTestKey(t)
	for _, raw := range []string{"", "onlyone", "two.parts", "a.b.c.d", "!!!.b.c"} {
		_, err := Validate(context.Background(), raw, optsFor(key, time.Now()))
		if !errors.Is(err, autherr.ErrMalformedToken) {
			t.Fatalf("raw=%q: err = %v, want ErrMalformedToken", raw, err)
		}
	}
}

func TestValidateRejectsUnsignedToken(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"user-1"}`))
	raw := header + "." + payload + "."

	key := newTestKey(t)
	_, err := Validate(context.Background(), raw, optsFor(key, time.Now()))
	if !errors.Is(err, autherr.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	signer := newTestKey(t)
	verifier := newTestKey(t)
	now := time.Now()
	raw := signToken(t, signer, "", baseClaims(now))

	_, err := Validate(context.Background(), raw, optsFor(verifier, now))
	if !errors.Is(err, autherr.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	key := newTestKey(t)
	now := time.Now()
	claims := baseClaims(now)
	claims["iss"] = "https://evil.test"
	raw := signToken(t, key, "", claims)

	_, err := Validate(context.Background(), raw, optsFor(key, now))
	if !errors.Is(err, autherr.ErrInvalidIssuer) {
		t.Fatalf("err = %v, want ErrInvalidIssuer", err)
	}
}

func TestValidateAudience(t *testing.T) {
	key := newTestKey(t)
	now := time.Now()

	claims := baseClaims(now)
	claims["aud"] = []string{"other", testAudience}
	raw := signToken(t, key, "", claims)
	if _, err := Validate(context.Background(), raw, optsFor(key, now)); err != nil {
		t.Fatalf("aud list containing client should pass: %v", err)
	}

	claims["aud"] = []string{"other", "another"}
	raw = signToken(t, key, "", claims)
	_, err := Validate(context.Background(), raw, optsFor(key, now))
	if !errors.Is(err, autherr.ErrInvalidAudience) {
		t.Fatalf("err = %v, want ErrInvalidAudience", err)
	}
}

func TestValidateLifetimeWindow(t *testing.T) {
	key := newTestKey(t)
	now := time.Now()

	// expired beyond skew
	claims := baseClaims(now)
	claims["exp"] = now.Add(-5 * time.Minute).Unix()
	raw := signToken(t, key, "", claims)
	if _, err := Validate(context.Background(), raw, optsFor(key, now)); !errors.Is(err, autherr.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}

	// expired within skew passes
	claims["exp"] = now.Add(-time.Minute).Unix()
	raw = signToken(t, key, "", claims)
	if _, err := Validate(context.Background(), raw, optsFor(key, now)); err != nil {
		t.Fatalf("expiry within skew should pass: %v", err)
	}

	// issued in the future beyond skew
	claims = baseClaims(now)
	claims["iat"] = now.Add(10 * time.Minute).Unix()
	raw = signToken(t, key, "", claims)
	if _, err := Validate(context.Background(), raw, optsFor(key, now)); !errors.Is(err, autherr.ErrNotYetValid) {
		t.Fatalf("err = %v, want ErrNotYetValid", err)
	}

	// nbf in the future
	claims = baseClaims(now)
	claims["nbf"] = now.Add(10 * time.Minute).Unix()
	raw = signToken(t, key, "", claims)
	if _, err := Validate(context.Background(), raw, optsFor(key, now)); !errors.Is(err, autherr.ErrNotYetValid) {
		t.Fatalf("err = %v, want ErrNotYetValid", err)
	}
}

func TestValidateRejectsMissingSubject(t *testing.T) {
	key := newTestKey(t)
	now := time.Now()
	claims := baseClaims(now)
	delete(claims, "sub")
	raw := signToken(t, key, "", claims)

	_, err := Validate(context.Background(), raw, optsFor(key, now))
	if !errors.Is(err, autherr.ErrMissingRequiredClaim) {
		t.Fatalf("err = %v, want ErrMissingRequiredClaim", err)
	}
}

func TestValidateOptionBounds(t *testing.T) {
	key := newTestKey(t)
	now := time.Now()
	raw := signToken(t, key, "", baseClaims(now))

	opts := optsFor(key, now)
	opts.ClockSkew = -time.Second
	if _, err := Validate(context.Background(), raw, opts); !errors.Is(err, autherr.ErrConfigurationInvalid) {
		t.Fatalf("negative skew: err = %v, want ErrConfigurationInvalid", err)
	}

	opts = optsFor(key, now)
	opts.ClockSkew = MaxClockSkew + time.Second
	if _, err := Validate(context.Background(), raw, opts); !errors.Is(err, autherr.ErrConfigurationInvalid) {
		t.Fatalf("oversized skew: err = %v, want ErrConfigurationInvalid", err)
	}

	opts = optsFor(key, now)
	opts.Keys = nil
	if _, err := Validate(context.Background(), raw, opts); !errors.Is(err, autherr.ErrConfigurationInvalid) {
		t.Fatalf("nil key source: err = %v, want ErrConfigurationInvalid", err)
	}
}
