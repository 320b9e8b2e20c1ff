package csrf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dropDatabas3/knockknock/internal/autherr"
	memcache "github.com/dropDatabas3/knockknock/internal/cache/memory"
)

func TestIssueAndValidate(t *testing.T) {
	g := New(memcache.New(time.Minute), time.Minute)
	ctx := context.Background()

	tok, err := g.Issue(ctx, "session-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok == "" {
		t.Fatal("empty token")
	}
	if err := g.Validate(ctx, "session-1", tok); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// a valid token stays valid until replaced or expired
	if err := g.Validate(ctx, "session-1", tok); err != nil {
		t.Fatalf("second Validate: %v", err)
	}
}

func TestValidateRejectsMismatch(t *testing.T) {
	g := New(memcache.New(time.Minute), time.Minute)
	ctx := context.Background()

	if _, err := g.Issue(ctx, "session-1"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := g.Validate(ctx, "session-1", "forged"); !errors.Is(err, autherr.ErrUnauthorized) {
		t.Fatalf("forged token: err = %v, want ErrUnauthorized", err)
	}
	if err := g.Validate(ctx, "session-1", ""); !errors.Is(err, autherr.ErrUnauthorized) {
		t.Fatalf("empty token: err = %v, want ErrUnauthorized", err)
	}
}

func TestValidateRejectsForeignSession(t *testing.T) {
	g := New(memcache.New(time.Minute), time.Minute)
	ctx := context.Background()

	tok, err := g.Issue(ctx, "session-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := g.Validate(ctx, "session-2", tok); !errors.Is(err, autherr.ErrUnauthorized) {
		t.Fatalf("foreign session: err = %v, want ErrUnauthorized", err)
	}
}

func TestIssueReplacesPreviousToken(t *testing.T) {
	g := New(memcache.New(time.Minute), time.Minute)
	ctx := context.Background()

	first, _ := g.Issue(ctx, "session-1")
	second, err := g.Issue(ctx, "session-1")
	if err != nil {
		t.Fatalf("second Issue: %v", err)
	}
	if first == second {
		t.Fatal("tokens must differ")
	}
	if err := g.Validate(ctx, "session-1", first); !errors.Is(err, autherr.ErrUnauthorized) {
		t.Fatalf("replaced token: err = %v, want ErrUnauthorized", err)
	}
	if err := g.Validate(ctx, "session-1", second); err != nil {
		t.Fatalf("current token: %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	g := New(memcache.New(time.Minute), 10*time.Millisecond)
	ctx := context.Background()

	tok, err := g.Issue(ctx, "session-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := g.Validate(ctx, "session-1", tok); !errors.Is(err, autherr.ErrUnauthorized) {
		t.Fatalf("expired token: err = %v, want ErrUnauthorized", err)
	}
}
