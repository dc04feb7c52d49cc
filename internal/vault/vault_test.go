package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/libsync/internal/repositories"
	"github.com/desertthunder/libsync/internal/shared"
	tu "github.com/desertthunder/libsync/internal/testing"
)

func newTestVault(t *testing.T) (*Vault, *repositories.CredentialRepository) {
	t.Helper()

	db := tu.NewTestDB(t)
	if _, err := repositories.NewUserRepository(db).Upsert(context.Background(), "u1", "User One"); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	store := repositories.NewCredentialRepository(db)
	v, err := New(tu.VaultKey(), 1, store)
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	return v, store
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		version int
		wantErr bool
	}{
		{"valid key", tu.VaultKey(), 1, false},
		{"short key", []byte("short"), 1, true},
		{"long key", []byte(strings.Repeat("k", 64)), 1, true},
		{"zero version", tu.VaultKey(), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.key, tt.version, nil)
			if tt.wantErr {
				if !errors.Is(err, shared.ErrInvalidKey) {
					t.Errorf("expected ErrInvalidKey, got %v", err)
				}
			} else if err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	v, err := New(tu.VaultKey(), 1, nil)
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}

	sealed, err := v.Seal("u1", "refresh-secret")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	t.Run("round trip", func(t *testing.T) {
		if strings.Contains(sealed, "refresh-secret") {
			t.Error("sealed record contains plaintext")
		}

		got, err := v.Open("u1", sealed, 1)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if got != "refresh-secret" {
			t.Errorf("expected refresh-secret, got %s", got)
		}
	})

	t.Run("nonces differ", func(t *testing.T) {
		again, _ := v.Seal("u1", "refresh-secret")
		if again == sealed {
			t.Error("expected distinct ciphertexts for the same plaintext")
		}
	})

	failures := []struct {
		name       string
		vault      func() *Vault
		userID     string
		ciphertext string
		version    int
	}{
		{"wrong key version", func() *Vault { return v }, "u1", sealed, 2},
		{"other user", func() *Vault { return v }, "u2", sealed, 1},
		{"tampered", func() *Vault { return v }, "u1", tamper(sealed), 1},
		{"malformed", func() *Vault { return v }, "u1", "not base64!", 1},
		{"truncated", func() *Vault { return v }, "u1", "AAAA", 1},
		{"other master key", func() *Vault {
			other, _ := New([]byte(strings.Repeat("x", 32)), 1, nil)
			return other
		}, "u1", sealed, 1},
	}

	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.vault().Open(tt.userID, tt.ciphertext, tt.version)
			if !IsMissing(err) {
				t.Errorf("expected missing credentials, got %v", err)
			}
		})
	}
}

func TestVault(t *testing.T) {
	ctx := context.Background()

	t.Run("Get without record", func(t *testing.T) {
		v, _ := newTestVault(t)

		if _, err := v.Get(ctx, "u1"); !IsMissing(err) {
			t.Errorf("expected missing credentials, got %v", err)
		}
	})

	t.Run("Set then Get", func(t *testing.T) {
		v, store := newTestVault(t)

		if err := v.Set(ctx, "u1", "r1"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		got, err := v.Get(ctx, "u1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != "r1" {
			t.Errorf("expected r1, got %s", got)
		}

		rec, _ := store.Get(ctx, "u1")
		if rec.Ciphertext == "r1" || rec.KeyVersion != 1 {
			t.Errorf("expected sealed record with key version 1, got %+v", rec)
		}
	})

	t.Run("Set rejects empty credential", func(t *testing.T) {
		v, _ := newTestVault(t)

		if err := v.Set(ctx, "u1", ""); !errors.Is(err, shared.ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("Rotate replaces credential and caches access", func(t *testing.T) {
		v, _ := newTestVault(t)
		v.Set(ctx, "u1", "r1")

		expiry := time.Now().Add(time.Hour).Truncate(time.Millisecond).UTC()
		if err := v.Rotate(ctx, "u1", "r2", "access-1", expiry, "user-library-read"); err != nil {
			t.Fatalf("Rotate failed: %v", err)
		}

		if got, _ := v.Get(ctx, "u1"); got != "r2" {
			t.Errorf("expected r2, got %s", got)
		}

		token, exp, ok := v.CachedAccess(ctx, "u1")
		if !ok || token != "access-1" || !exp.Equal(expiry) {
			t.Errorf("CachedAccess() = %s, %v, %v", token, exp, ok)
		}
	})

	t.Run("Rotate without record", func(t *testing.T) {
		v, _ := newTestVault(t)

		if err := v.Rotate(ctx, "u1", "r2", "", time.Time{}, ""); !IsMissing(err) {
			t.Errorf("expected missing credentials, got %v", err)
		}
	})

	t.Run("Set drops cached access", func(t *testing.T) {
		v, _ := newTestVault(t)
		v.Set(ctx, "u1", "r1")
		v.CacheAccess(ctx, "u1", "access-1", time.Now().Add(time.Hour), "")

		v.Set(ctx, "u1", "r2")
		if _, _, ok := v.CachedAccess(ctx, "u1"); ok {
			t.Error("expected cached access to be dropped")
		}
	})

	t.Run("ClearAccess", func(t *testing.T) {
		v, _ := newTestVault(t)
		v.Set(ctx, "u1", "r1")
		v.CacheAccess(ctx, "u1", "access-1", time.Now().Add(time.Hour), "")

		if err := v.ClearAccess(ctx, "u1"); err != nil {
			t.Fatalf("ClearAccess failed: %v", err)
		}
		if _, _, ok := v.CachedAccess(ctx, "u1"); ok {
			t.Error("expected no cached access")
		}
		if got, _ := v.Get(ctx, "u1"); got != "r1" {
			t.Errorf("expected refresh credential to survive, got %s", got)
		}
	})

	t.Run("records from an older key version read as missing", func(t *testing.T) {
		v, store := newTestVault(t)
		v.Set(ctx, "u1", "r1")

		next, _ := New(tu.VaultKey(), 2, store)
		if _, err := next.Get(ctx, "u1"); !IsMissing(err) {
			t.Errorf("expected missing credentials, got %v", err)
		}
	})
}

func tamper(sealed string) string {
	data, _ := base64.StdEncoding.DecodeString(sealed)
	data[len(data)-1] ^= 0xff
	return base64.StdEncoding.EncodeToString(data)
}
