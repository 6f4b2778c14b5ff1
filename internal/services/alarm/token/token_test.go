package token

import (
	"errors"
	"testing"
	"time"
)

func testMinter(t *testing.T, now func() time.Time) *Minter {
	t.Helper()
	m, err := NewMinter("test-secret", time.Hour, now)
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	return m
}

func TestMintAndVerifyRoundTrip(t *testing.T) {
	m := testMinter(t, nil)

	signed, err := m.Mint("user-1", "alice")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	identity, err := m.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "user-1" {
		t.Fatalf("user id = %q, want %q", identity.UserID, "user-1")
	}
	if identity.Username != "alice" {
		t.Fatalf("username = %q, want %q", identity.Username, "alice")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := issued
	m := testMinter(t, func() time.Time { return clock })

	signed, err := m.Mint("user-1", "alice")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	clock = issued.Add(2 * time.Hour)
	if _, err := m.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m := testMinter(t, nil)
	other, err := NewMinter("other-secret", time.Hour, nil)
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}

	signed, err := other.Mint("user-1", "alice")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := m.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := testMinter(t, nil)
	for _, bad := range []string{"", "   ", "not-a-token"} {
		if _, err := m.Verify(bad); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q) err = %v, want ErrInvalidToken", bad, err)
		}
	}
}

func TestNewMinterRequiresSecret(t *testing.T) {
	if _, err := NewMinter("  ", time.Hour, nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestNewMinterFromEnv(t *testing.T) {
	t.Setenv("ALARMDECK_TOKEN_SECRET", "env-secret")
	t.Setenv("ALARMDECK_TOKEN_EXPIRY", "30m")

	m, err := NewMinterFromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if m.expiry != 30*time.Minute {
		t.Fatalf("expiry = %v, want 30m", m.expiry)
	}
}

func TestNewMinterFromEnvRequiresSecret(t *testing.T) {
	t.Setenv("ALARMDECK_TOKEN_SECRET", "")
	if _, err := NewMinterFromEnv(); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "hunter2" {
		t.Fatal("hash must not equal plaintext")
	}
	if !CheckPassword("hunter2", hash) {
		t.Fatal("expected password to match its hash")
	}
	if CheckPassword("wrong", hash) {
		t.Fatal("expected mismatch for wrong password")
	}
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := HashPassword("   "); err == nil {
		t.Fatal("expected error for blank password")
	}
}
