package logger

import (
	"time"

	"go.uber.org/zap"
)

// Standard fields used across the auth core. Keeping field names in one place
// keeps log output greppable.

// Component tags the emitting component/module.
func Component(v string) zap.Field { return zap.String("component", v) }

// Op tags the current operation.
func Op(v string) zap.Field { return zap.String("op", v) }

// Layer tags the layer (handler, service, store).
func Layer(v string) zap.Field { return zap.String("layer", v) }

// Provider tags the identity provider involved.
func Provider(v string) zap.Field { return zap.String("provider", v) }

// UserID tags the provider-scoped user id.
func UserID(v string) zap.Field { return zap.String("user_id", v) }

// SessionID should only ever carry hashed values or prefixes.
func SessionID(v string) zap.Field { return zap.String("session_id", v) }

// ClientIP tags the caller address used for rate limiting.
func ClientIP(v string) zap.Field { return zap.String("client_ip", v) }

// Duration tags an elapsed time.
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// Status tags an HTTP status code.
func Status(v int) zap.Field { return zap.Int("status", v) }

// Count tags a generic count.
func Count(v int) zap.Field { return zap.Int("count", v) }

// Int is a generic int field.
func Int(key string, v int) zap.Field { return zap.Int(key, v) }

// Err tags an error.
func Err(err error) zap.Field { return zap.Error(err) }

// String is a generic string field.
func String(key, v string) zap.Field { return zap.String(key, v) }
