package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loftboard/relay/models"
)

func testRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), ttl)
	t.Cleanup(r.Stop)
	return r
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	alice := models.Principal{UserID: "alice", TokenUUID: "tok-alice"}

	t.Run("UnregisteredTopicIsOpen", func(t *testing.T) {
		r := testRegistry(t, time.Minute)
		granted, err := r.Authorize(ctx, alice, models.ScopeOf(models.TopicGlobal, ""))
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if !granted {
			t.Error("topic with no validator should authorize unconditionally")
		}
	})

	t.Run("ValidatorDenies", func(t *testing.T) {
		r := testRegistry(t, time.Minute)
		r.RegisterValidator(models.TopicBoard, func(_ context.Context, _ models.Principal, _ string) (bool, error) {
			return false, nil
		})

		granted, err := r.Authorize(ctx, alice, models.ScopeOf(models.TopicBoard, "b1"))
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if granted {
			t.Error("denying validator should not grant")
		}
	})

	t.Run("DuplicateValidator", func(t *testing.T) {
		r := testRegistry(t, time.Minute)
		allow := func(context.Context, models.Principal, string) (bool, error) { return true, nil }

		if err := r.RegisterValidator(models.TopicBoard, allow); err != nil {
			t.Fatalf("first RegisterValidator() error = %v", err)
		}
		err := r.RegisterValidator(models.TopicBoard, allow)
		if !errors.Is(err, ErrValidatorRegistered) {
			t.Errorf("second RegisterValidator() error = %v, want %v", err, ErrValidatorRegistered)
		}
	})

	t.Run("DecisionCached", func(t *testing.T) {
		r := testRegistry(t, time.Minute)
		var calls atomic.Int32
		r.RegisterValidator(models.TopicBoard, func(context.Context, models.Principal, string) (bool, error) {
			calls.Add(1)
			return true, nil
		})

		scope := models.ScopeOf(models.TopicBoard, "b1")
		for i := 0; i < 3; i++ {
			if granted, err := r.Authorize(ctx, alice, scope); err != nil || !granted {
				t.Fatalf("Authorize() #%d = (%v, %v), want (true, nil)", i, granted, err)
			}
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("validator ran %d times, want 1 (cached afterwards)", got)
		}
	})

	t.Run("DenialCachedToo", func(t *testing.T) {
		r := testRegistry(t, time.Minute)
		var calls atomic.Int32
		r.RegisterValidator(models.TopicBoard, func(context.Context, models.Principal, string) (bool, error) {
			calls.Add(1)
			return false, nil
		})

		scope := models.ScopeOf(models.TopicBoard, "b1")
		for i := 0; i < 3; i++ {
			if granted, _ := r.Authorize(ctx, alice, scope); granted {
				t.Fatal("denied pair became granted on retry")
			}
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("validator ran %d times, want 1", got)
		}
	})

	t.Run("CacheKeyedPerTokenAndScope", func(t *testing.T) {
		r := testRegistry(t, time.Minute)
		var calls atomic.Int32
		r.RegisterValidator(models.TopicBoard, func(context.Context, models.Principal, string) (bool, error) {
			calls.Add(1)
			return true, nil
		})

		bob := models.Principal{UserID: "bob", TokenUUID: "tok-bob"}
		r.Authorize(ctx, alice, models.ScopeOf(models.TopicBoard, "b1"))
		r.Authorize(ctx, bob, models.ScopeOf(models.TopicBoard, "b1"))
		r.Authorize(ctx, alice, models.ScopeOf(models.TopicBoard, "b2"))

		if got := calls.Load(); got != 3 {
			t.Errorf("validator ran %d times, want 3 (distinct token/scope pairs)", got)
		}
	})

	t.Run("ValidatorErrorNotCached", func(t *testing.T) {
		r := testRegistry(t, time.Minute)
		wantErr := errors.New("store unavailable")
		var calls atomic.Int32
		r.RegisterValidator(models.TopicBoard, func(context.Context, models.Principal, string) (bool, error) {
			calls.Add(1)
			return false, wantErr
		})

		scope := models.ScopeOf(models.TopicBoard, "b1")
		for i := 0; i < 2; i++ {
			granted, err := r.Authorize(ctx, alice, scope)
			if granted {
				t.Fatal("failed validation must not grant")
			}
			if !errors.Is(err, wantErr) {
				t.Fatalf("Authorize() error = %v, want %v", err, wantErr)
			}
		}
		if got := calls.Load(); got != 2 {
			t.Errorf("validator ran %d times, want 2 (errors bypass the cache)", got)
		}
	})

	t.Run("ExpiredDecisionRevalidates", func(t *testing.T) {
		r := testRegistry(t, 20*time.Millisecond)
		var calls atomic.Int32
		r.RegisterValidator(models.TopicBoard, func(context.Context, models.Principal, string) (bool, error) {
			calls.Add(1)
			return true, nil
		})

		scope := models.ScopeOf(models.TopicBoard, "b1")
		r.Authorize(ctx, alice, scope)
		time.Sleep(60 * time.Millisecond)
		r.Authorize(ctx, alice, scope)

		if got := calls.Load(); got != 2 {
			t.Errorf("validator ran %d times, want 2 after ttl expiry", got)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		r := testRegistry(t, time.Minute)
		r.RegisterValidator(models.TopicBoard, func(context.Context, models.Principal, string) (bool, error) {
			return false, nil
		})
		r.Reset()

		granted, err := r.Authorize(ctx, alice, models.ScopeOf(models.TopicBoard, "b1"))
		if err != nil || !granted {
			t.Errorf("Authorize() after Reset = (%v, %v), want open topic", granted, err)
		}
	})
}
