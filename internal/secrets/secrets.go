// Package secrets defines the resolver the core uses to obtain client secrets
// and signing keys. Fallback ordering (vault, env, file) is the host's call;
// the core only consumes the interface.
package secrets

import "os"

// Resolver resolves a named secret. The second return is false when absent.
type Resolver interface {
	GetSecret(key string) (string, bool)
}

// Env resolves secrets from environment variables, optionally prefixed.
type Env struct {
	Prefix string
}

func (e Env) GetSecret(key string) (string, bool) {
	v, ok := os.LookupEnv(e.Prefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Static resolves from a fixed map. Used by tests and file-based config.
type Static map[string]string

func (s Static) GetSecret(key string) (string, bool) {
	v, ok := s[key]
	return v, ok && v != ""
}

// Chain tries each resolver in order and returns the first hit.
type Chain []Resolver

func (c Chain) GetSecret(key string) (string, bool) {
	for _, r := range c {
		if v, ok := r.GetSecret(key); ok {
			return v, true
		}
	}
	return "", false
}
