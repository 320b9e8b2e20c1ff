package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/dropDatabas3/knockknock/internal/autherr"
)

// Doer is the HTTP client surface needed to fetch key material.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"` // RSA modulus, base64url
	E   string `json:"e"` // RSA exponent, base64url
	X   string `json:"x"` // EC x / OKP public key, base64url
	Y   string `json:"y"` // EC y, base64url
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

// RemoteKeys is a KeySource that fetches a provider's published JWKS and
// caches it with ETag revalidation. Safe for concurrent use.
type RemoteKeys struct {
	URL    string
	HTTP   Doer
	MaxAge time.Duration // refetch interval, default 1h

	mu      sync.RWMutex
	byKID   map[string]any
	fetched time.Time
	etag    string
}

func NewRemoteKeys(url string, client Doer) *RemoteKeys {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteKeys{URL: url, HTTP: client, MaxAge: time.Hour}
}

// KeyFor implements KeySource.
func (r *RemoteKeys) KeyFor(ctx context.Context, kid, _ string) (any, error) {
	r.mu.RLock()
	key, ok := r.byKID[kid]
	stale := time.Since(r.fetched) > r.maxAge()
	r.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}

	if err := r.refresh(ctx); err != nil {
		// A stale hit beats a hard failure when the provider wobbles.
		if ok {
			return key, nil
		}
		return nil, err
	}

	r.mu.RLock()
	key, ok = r.byKID[kid]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New("kid not found in jwks")
	}
	return key, nil
}

func (r *RemoteKeys) maxAge() time.Duration {
	if r.MaxAge <= 0 {
		return time.Hour
	}
	return r.MaxAge
}

func (r *RemoteKeys) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return err
	}
	r.mu.RLock()
	if r.etag != "" {
		req.Header.Set("If-None-Match", r.etag)
	}
	r.mu.RUnlock()

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: jwks fetch: %v", autherr.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		r.mu.Lock()
		r.fetched = time.Now()
		r.mu.Unlock()
		return nil
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: jwks http %d", autherr.ErrProviderUnavailable, resp.StatusCode)
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: jwks decode: %v", autherr.ErrProviderUnavailable, err)
	}

	byKID := make(map[string]any, len(doc.Keys))
	for _, k := range doc.Keys {
		pub, err := parseJWK(k)
		if err != nil {
			continue // skip unusable entries, keep the rest
		}
		byKID[k.Kid] = pub
	}

	r.mu.Lock()
	r.byKID = byKID
	r.fetched = time.Now()
	r.etag = resp.Header.Get("ETag")
	r.mu.Unlock()
	return nil
}

func parseJWK(k jwk) (any, error) {
	switch k.Kty {
	case "RSA":
		nb, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		eb, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		e := 65537
		if len(eb) > 0 {
			e = 0
			for _, b := range eb {
				e = (e << 8) | int(b)
			}
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil

	case "EC":
		if k.Crv != "P-256" {
			return nil, fmt.Errorf("unsupported curve %s", k.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, err
		}
		yb, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(xb),
			Y:     new(big.Int).SetBytes(yb),
		}, nil

	case "OKP":
		if k.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported curve %s", k.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(xb), nil
	}
	return nil, fmt.Errorf("unsupported kty %s", k.Kty)
}
