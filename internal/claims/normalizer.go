// Package claims maps validated provider claim sets into the canonical
// UserInfo record. Every raw claim is preserved verbatim in UserInfo.Claims;
// only the structured fields derived from them go through a defensive
// sanitize pass.
package claims

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dropDatabas3/knockknock/internal/providers"
)

// markers that must never reach a structured identity field. This is a
// defensive strip, not an HTML parser.
var executableMarkers = []string{"<script", "javascript:", "data:"}

// Sanitize strips executable-content markers from a structured field value.
// Claims stored in UserInfo.Claims bypass this and stay verbatim.
func Sanitize(s string) string {
	out := s
	for _, marker := range executableMarkers {
		for {
			idx := strings.Index(strings.ToLower(out), marker)
			if idx < 0 {
				break
			}
			out = out[:idx] + out[idx+len(marker):]
		}
	}
	return out
}

// Stringify renders a claim value for the Claims map without losing content.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers arrive as float64; ints must not grow a ".000000".
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// Normalize builds the canonical identity from a validated claim set.
// The subject claim ("sub", falling back to "id" and "oid") becomes UserID.
func Normalize(provider string, raw map[string]any) *providers.UserInfo {
	out := &providers.UserInfo{
		AuthProvider:    provider,
		IsAuthenticated: true,
		Claims:          make(map[string]string, len(raw)),
	}
	for k, v := range raw {
		out.Claims[k] = Stringify(v)
	}

	out.UserID = firstString(raw, "sub", "id", "oid")
	out.Email = Sanitize(firstString(raw, "email", "preferred_username"))
	out.FirstName = Sanitize(firstString(raw, "given_name", "first_name"))
	out.LastName = Sanitize(firstString(raw, "family_name", "last_name"))
	out.DisplayName = Sanitize(firstString(raw, "name"))
	if out.DisplayName == "" {
		out.DisplayName = strings.TrimSpace(out.FirstName + " " + out.LastName)
	}
	out.ProfilePictureURL = Sanitize(firstString(raw, "picture"))
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, _ := m[k].(string); s != "" {
			return s
		}
	}
	return ""
}
