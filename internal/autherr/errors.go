// Package autherr defines the error taxonomy shared by the authentication core.
//
// Callers classify failures with errors.Is against the sentinels below; wrapped
// detail is carried via fmt.Errorf("%w: ..."). Messages must never include key
// material or client secrets.
package autherr

import "errors"

var (
	// ErrInvalidArgument indicates bad caller input (empty code, nil token response).
	ErrInvalidArgument = errors.New("invalid_argument")

	// ErrInvalidProvider indicates an unknown or disabled provider name.
	ErrInvalidProvider = errors.New("invalid_provider")

	// ErrInvalidCallback indicates a missing, already consumed or expired state.
	ErrInvalidCallback = errors.New("invalid_callback")

	// Token validation outcomes, one per rejection kind.
	ErrMalformedToken       = errors.New("malformed_token")
	ErrInvalidSignature     = errors.New("invalid_signature")
	ErrInvalidIssuer        = errors.New("invalid_issuer")
	ErrInvalidAudience      = errors.New("invalid_audience")
	ErrExpired              = errors.New("token_expired")
	ErrNotYetValid          = errors.New("token_not_yet_valid")
	ErrMissingRequiredClaim = errors.New("missing_required_claim")

	// ErrUnauthorized indicates a failed business-role or permission check.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProviderUnavailable indicates a network failure or timeout talking to
	// the provider. Retryable by the caller with a fresh flow.
	ErrProviderUnavailable = errors.New("provider_unavailable")

	// ErrRateLimited indicates the caller exceeded a rate limit window.
	ErrRateLimited = errors.New("rate_limited")

	// ErrConfigurationInvalid indicates a misconfigured provider or component.
	// Detected at startup; individual causes are aggregated, never fail-fast.
	ErrConfigurationInvalid = errors.New("configuration_invalid")
)

// Retryable reports whether the caller may retry the operation. Only transient
// network failures qualify; validation rejections are always terminal.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
