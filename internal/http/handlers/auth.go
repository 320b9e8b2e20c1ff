// Package handlers exposes the auth core over HTTP.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/knockknock/internal/flow"
	"github.com/dropDatabas3/knockknock/internal/http/helpers"
	"github.com/dropDatabas3/knockknock/internal/metrics"
	"github.com/dropDatabas3/knockknock/internal/observability/logger"
	"github.com/dropDatabas3/knockknock/internal/security/csrf"
)

const sessionCookie = "kk_sid"

// Auth serves the login endpoints on top of the flow orchestrator. Cookie
// lifetime follows the established session's expiry.
type Auth struct {
	Flow *flow.Orchestrator
	CSRF *csrf.Guard
	// Secure controls the cookie Secure flag; off only in dev.
	Secure bool
}

// StartLogin handles GET /auth/{provider}/login and redirects to the
// provider's authorization endpoint.
func (h *Auth) StartLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	returnURL := r.URL.Query().Get("return_to")

	url, err := h.Flow.StartLogin(r.Context(), provider, returnURL)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// Callback handles the provider redirect, establishing a session on success.
// Apple posts its response (response_mode=form_post), so both GET and POST
// land here.
func (h *Auth) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" && r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			code = r.PostForm.Get("code")
			state = r.PostForm.Get("state")
		}
	}

	started := time.Now()
	res, err := h.Flow.HandleCallback(r.Context(), provider, code, state)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	metrics.ObserveExchange(provider, time.Since(started))

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    res.Session.SessionID,
		Path:     "/",
		Expires:  res.Session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	helpers.WriteJSON(w, http.StatusOK, map[string]any{
		"user":       res.User,
		"expires_at": res.Session.ExpiresAt,
	})
}

// Session handles GET /session: echoes the authenticated identity or 401.
func (h *Auth) Session(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		helpers.WriteErrorJSON(w, http.StatusUnauthorized, "no session")
		return
	}
	info, err := h.Flow.ValidateSession(r.Context(), c.Value)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":    info.UserID,
		"provider":   info.Provider,
		"expires_at": info.ExpiresAt,
	})
}

// Logout handles POST /logout. Requires a valid anti-forgery token when a
// guard is configured. Always clears the cookie.
func (h *Auth) Logout(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		helpers.WriteJSON(w, http.StatusOK, map[string]bool{"signed_out": false})
		return
	}
	if h.CSRF != nil {
		if err := h.CSRF.Validate(r.Context(), c.Value, r.Header.Get("X-CSRF-Token")); err != nil {
			helpers.WriteError(w, err)
			return
		}
	}

	ok, err := h.Flow.SignOut(r.Context(), c.Value)
	if err != nil {
		logger.From(r.Context()).Warn("sign out failed", logger.Err(err))
	}
	http.SetCookie(w, &http.Cookie{
		Name: sessionCookie, Value: "", Path: "/", MaxAge: -1,
		HttpOnly: true, Secure: h.Secure, SameSite: http.SameSiteLaxMode,
	})
	helpers.WriteJSON(w, http.StatusOK, map[string]bool{"signed_out": ok})
}

// CSRFToken handles GET /csrf: issues the anti-forgery token for the current
// session, for clients about to call a mutating endpoint.
func (h *Auth) CSRFToken(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		helpers.WriteErrorJSON(w, http.StatusUnauthorized, "no session")
		return
	}
	if _, err := h.Flow.ValidateSession(r.Context(), c.Value); err != nil {
		helpers.WriteError(w, err)
		return
	}
	tok, err := h.CSRF.Issue(r.Context(), c.Value)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSON(w, http.StatusOK, map[string]string{"csrf_token": tok})
}

// Providers handles GET /providers: the enabled provider descriptors.
func (h *Auth) Providers(w http.ResponseWriter, r *http.Request) {
	type item struct {
		Name         string   `json:"name"`
		DisplayName  string   `json:"display_name"`
		Enabled      bool     `json:"enabled"`
		Capabilities []string `json:"capabilities,omitempty"`
	}
	out := make([]item, 0)
	for _, d := range h.Flow.ListProviders() {
		caps := make([]string, 0, len(d.Capabilities))
		for _, c := range d.Capabilities {
			caps = append(caps, string(c))
		}
		out = append(out, item{
			Name:         d.Name,
			DisplayName:  d.DisplayName,
			Enabled:      d.Enabled,
			Capabilities: caps,
		})
	}
	helpers.WriteJSON(w, http.StatusOK, map[string]any{"providers": out})
}
