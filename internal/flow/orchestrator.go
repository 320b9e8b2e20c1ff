// Package flow owns the OAuth authorization-code state machine tying
// authorization-request issuance to callback handling, and exposes the
// host-facing surface of the auth core.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	"github.com/dropDatabas3/knockknock/internal/cache"
	"github.com/dropDatabas3/knockknock/internal/metrics"
	"github.com/dropDatabas3/knockknock/internal/observability/logger"
	"github.com/dropDatabas3/knockknock/internal/providers"
	tokens "github.com/dropDatabas3/knockknock/internal/security/token"
	"github.com/dropDatabas3/knockknock/internal/session"
)

// State names a step of one authentication attempt.
type State string

const (
	StateStart               State = "start"
	StateAuthorizationIssued State = "authorization_issued"
	StateCallbackReceived    State = "callback_received"
	StateCodeExchanged       State = "code_exchanged"
	StateIdentityResolved    State = "identity_resolved"
	StateSessionEstablished  State = "session_established"
	StateRejected            State = "rejected"
)

// DefaultStateTTL bounds how long an issued authorization request stays valid.
const DefaultStateTTL = 10 * time.Minute

const stateKeyPrefix = "authreq:"

// authRequest is the stored record behind one issued state value. Consumed
// exactly once on callback.
type authRequest struct {
	Provider  string    `json:"provider"`
	ReturnURL string    `json:"return_url,omitempty"`
	Nonce     string    `json:"nonce,omitempty"`
	Retried   bool      `json:"retried,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result is a completed authentication: the canonical identity plus the
// session established for it.
type Result struct {
	User    *providers.UserInfo
	Session *session.Info
}

// Deps contains the orchestrator's collaborators.
type Deps struct {
	Registry *providers.Registry
	Cache    cache.Cache
	Sessions session.Store

	// StateTTL overrides DefaultStateTTL when positive.
	StateTTL time.Duration
}

// Orchestrator drives login attempts from StartLogin through session
// establishment. Safe for concurrent use.
type Orchestrator struct {
	reg      *providers.Registry
	cache    cache.Cache
	sessions session.Store
	stateTTL time.Duration
}

func New(d Deps) *Orchestrator {
	ttl := d.StateTTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &Orchestrator{reg: d.Registry, cache: d.Cache, sessions: d.Sessions, stateTTL: ttl}
}

// StartLogin issues an authorization request for the provider and returns the
// URL to redirect the caller to. The state recorded here is single-use.
func (o *Orchestrator) StartLogin(ctx context.Context, provider, returnURL string) (string, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"), logger.Component("flow"), logger.Op("StartLogin"),
		logger.Provider(provider))

	p, err := o.reg.Get(provider)
	if err != nil {
		return "", err
	}

	auth, err := p.BuildAuthorizationURL(ctx, providers.AuthorizeOptions{ReturnURL: returnURL})
	if err != nil {
		log.Warn("authorization url build failed", logger.Err(err))
		return "", err
	}

	now := time.Now()
	req := authRequest{
		Provider:  p.Name(),
		ReturnURL: providers.SafeReturnURL(returnURL),
		Nonce:     auth.Nonce,
		CreatedAt: now,
		ExpiresAt: now.Add(o.stateTTL),
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	o.cache.Set(stateKey(auth.State), b, o.stateTTL)

	metrics.LoginStarted(p.Name())
	log.Debug("authorization issued", logger.String("state_hash", tokens.SHA256Base64URL(auth.State)[:8]))
	return auth.URL, nil
}

// HandleCallback consumes the state, exchanges the code and resolves the
// identity, establishing a session on success. Calling it twice with the same
// state succeeds at most once; the loser gets ErrInvalidCallback.
func (o *Orchestrator) HandleCallback(ctx context.Context, provider, code, state string) (*Result, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"), logger.Component("flow"), logger.Op("HandleCallback"),
		logger.Provider(provider))

	if strings.TrimSpace(state) == "" {
		return nil, o.reject(provider, StateCallbackReceived, fmt.Errorf("%w: state is required", autherr.ErrInvalidCallback))
	}
	if strings.TrimSpace(code) == "" {
		return nil, o.reject(provider, StateCallbackReceived, fmt.Errorf("%w: code is required", autherr.ErrInvalidArgument))
	}

	p, err := o.reg.Get(provider)
	if err != nil {
		return nil, o.reject(provider, StateCallbackReceived, err)
	}

	// Atomic check-and-invalidate: two racing callbacks with a replayed state
	// cannot both observe the record.
	key := stateKey(state)
	raw, ok := o.cache.Take(key)
	if !ok {
		return nil, o.reject(provider, StateCallbackReceived,
			fmt.Errorf("%w: unknown, expired or already consumed state", autherr.ErrInvalidCallback))
	}
	var req authRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, o.reject(provider, StateCallbackReceived, fmt.Errorf("%w: stored request unreadable", autherr.ErrInvalidCallback))
	}
	if time.Now().After(req.ExpiresAt) {
		return nil, o.reject(provider, StateCallbackReceived, fmt.Errorf("%w: state expired", autherr.ErrInvalidCallback))
	}
	if !strings.EqualFold(req.Provider, p.Name()) {
		return nil, o.reject(provider, StateCallbackReceived,
			fmt.Errorf("%w: state was issued for another provider", autherr.ErrInvalidCallback))
	}

	tr, err := p.ExchangeCode(ctx, code)
	if err != nil {
		// Caller-side cancellation must not burn the attempt: the state gets
		// one legitimate retry while it is still within its own expiry.
		// Authorization codes stay single-use either way.
		if ctx.Err() != nil && !req.Retried && time.Now().Before(req.ExpiresAt) {
			req.Retried = true
			if b, mErr := json.Marshal(req); mErr == nil {
				o.cache.Set(key, b, time.Until(req.ExpiresAt))
			}
		}
		return nil, o.reject(provider, StateCodeExchanged, err)
	}

	info, err := p.FetchIdentity(ctx, tr)
	if err != nil {
		return nil, o.reject(provider, StateIdentityResolved, err)
	}

	// Replay protection: when a nonce was issued the identity must echo it.
	// A token without the claim is just as untrusted as one with the wrong
	// value; it was not minted for this authorization request.
	if req.Nonce != "" {
		if got, present := info.Claims["nonce"]; !present || got != req.Nonce {
			return nil, o.reject(provider, StateIdentityResolved,
				fmt.Errorf("%w: nonce missing or mismatched", autherr.ErrInvalidCallback))
		}
	}

	sess, err := o.sessions.Create(ctx, info.UserID, p.Name())
	if err != nil {
		return nil, o.reject(provider, StateSessionEstablished, err)
	}

	metrics.LoginCompleted(p.Name())
	log.Info("login completed", logger.UserID(info.UserID))
	return &Result{User: info, Session: sess}, nil
}

// ValidateSession checks a session through the external store.
func (o *Orchestrator) ValidateSession(ctx context.Context, sessionID string) (*session.Info, error) {
	return session.NewValidator(o.sessions).ValidateSession(ctx, sessionID)
}

// SignOut invalidates a session. Best-effort: false with no error means the
// session was already gone.
func (o *Orchestrator) SignOut(ctx context.Context, sessionID string) (bool, error) {
	return session.NewValidator(o.sessions).SignOut(ctx, sessionID)
}

// ListProviders returns descriptors for every registered provider.
func (o *Orchestrator) ListProviders() []providers.Descriptor {
	return o.reg.List()
}

func (o *Orchestrator) reject(provider string, at State, err error) error {
	metrics.LoginRejected(provider, string(at))
	logger.L().Debug("login rejected",
		logger.Component("flow"), logger.Provider(provider),
		logger.String("at", string(at)), logger.Err(err))
	return err
}

func stateKey(state string) string {
	return stateKeyPrefix + tokens.SHA256Base64URL(state)
}
