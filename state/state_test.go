package state

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loftboard/relay/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(slog.New(slog.NewTextHandler(io.Discard, nil)), t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMembership(t *testing.T) {
	s := openTestStore(t)

	t.Run("AddAndCheck", func(t *testing.T) {
		if err := s.AddMember("b1", "alice"); err != nil {
			t.Fatalf("AddMember() error = %v", err)
		}
		ok, err := s.IsMember("b1", "alice")
		if err != nil {
			t.Fatalf("IsMember() error = %v", err)
		}
		if !ok {
			t.Error("alice should be a member of b1")
		}
	})

	t.Run("NonMember", func(t *testing.T) {
		ok, err := s.IsMember("b1", "mallory")
		if err != nil {
			t.Fatalf("IsMember() error = %v", err)
		}
		if ok {
			t.Error("mallory should not be a member of b1")
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if err := s.AddMember("b2", "bob"); err != nil {
			t.Fatalf("AddMember() error = %v", err)
		}
		if err := s.RemoveMember("b2", "bob"); err != nil {
			t.Fatalf("RemoveMember() error = %v", err)
		}
		ok, _ := s.IsMember("b2", "bob")
		if ok {
			t.Error("bob should no longer be a member of b2")
		}
	})

	t.Run("EmptyIDsRejected", func(t *testing.T) {
		if err := s.AddMember("", "alice"); err == nil {
			t.Error("AddMember with empty board id should fail")
		}
		if err := s.AddMember("b1", ""); err == nil {
			t.Error("AddMember with empty user id should fail")
		}
	})
}

func TestTokens(t *testing.T) {
	s := openTestStore(t)

	t.Run("CreateAndResolve", func(t *testing.T) {
		token, err := s.CreateToken(models.Principal{UserID: "alice"})
		if err != nil {
			t.Fatalf("CreateToken() error = %v", err)
		}
		if !strings.Contains(token, ".") {
			t.Fatalf("token %q is not in uuid.secret form", token)
		}

		p, err := s.ResolveToken(token)
		if err != nil {
			t.Fatalf("ResolveToken() error = %v", err)
		}
		if p.UserID != "alice" {
			t.Errorf("resolved UserID = %q, want %q", p.UserID, "alice")
		}
		if p.TokenUUID == "" {
			t.Error("resolved principal should carry the token uuid")
		}
	})

	t.Run("AdminFlagSurvives", func(t *testing.T) {
		token, err := s.CreateToken(models.Principal{UserID: "root", Admin: true})
		if err != nil {
			t.Fatalf("CreateToken() error = %v", err)
		}
		p, err := s.ResolveToken(token)
		if err != nil {
			t.Fatalf("ResolveToken() error = %v", err)
		}
		if !p.Admin {
			t.Error("admin flag lost through the token roundtrip")
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token, err := s.CreateToken(models.Principal{UserID: "alice"})
		if err != nil {
			t.Fatalf("CreateToken() error = %v", err)
		}
		tokenUUID, _, _ := strings.Cut(token, ".")

		_, err = s.ResolveToken(tokenUUID + ".wrong-secret")
		if !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("ResolveToken() error = %v, want %v", err, ErrTokenInvalid)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, token := range []string{"", "no-separator", ".only-secret", "only-uuid."} {
			if _, err := s.ResolveToken(token); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ResolveToken(%q) error = %v, want %v", token, err, ErrTokenInvalid)
			}
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := s.ResolveToken("11111111-2222-3333-4444-555555555555.secret")
		if !errors.Is(err, ErrTokenNotFound) {
			t.Errorf("ResolveToken() error = %v, want %v", err, ErrTokenNotFound)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		token, err := s.CreateToken(models.Principal{UserID: "alice"})
		if err != nil {
			t.Fatalf("CreateToken() error = %v", err)
		}
		tokenUUID, _, _ := strings.Cut(token, ".")

		if err := s.DeleteToken(tokenUUID); err != nil {
			t.Fatalf("DeleteToken() error = %v", err)
		}
		if _, err := s.ResolveToken(token); !errors.Is(err, ErrTokenNotFound) {
			t.Errorf("ResolveToken() after delete error = %v, want %v", err, ErrTokenNotFound)
		}
	})

	t.Run("NoUserID", func(t *testing.T) {
		if _, err := s.CreateToken(models.Principal{}); err == nil {
			t.Error("CreateToken without user id should fail")
		}
	})
}
