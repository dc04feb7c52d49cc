package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the required length of the decoded master key.
	KeySize = 32

	derivationContext = "libsync-credential-vault"
)

// Store persists sealed credential records.
type Store interface {
	Get(ctx context.Context, userID string) (*models.Credential, error)
	SaveRefresh(ctx context.Context, userID, ciphertext string, keyVersion int) error
	RotateRefresh(ctx context.Context, userID, ciphertext string, keyVersion int, sealedAccess string, expiresAt time.Time, scope string) error
	SaveAccess(ctx context.Context, userID, sealedAccess string, expiresAt time.Time, scope string) error
	ClearAccess(ctx context.Context, userID string) error
}

// Vault encrypts refresh credentials and cached access tokens for a [Store].
type Vault struct {
	aead    cipher.AEAD
	version int
	store   Store
}

// New creates a [Vault] for a 32 byte master key. Records sealed under another key version will not open.
func New(masterKey []byte, version int, store Store) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", shared.ErrInvalidKey, KeySize, len(masterKey))
	}
	if version < 1 {
		return nil, fmt.Errorf("%w: key version must be positive", shared.ErrInvalidKey)
	}

	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(derivationContext)), derived); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}

	return &Vault{aead: aead, version: version, store: store}, nil
}

// KeyVersion returns the version new records are sealed with.
func (v *Vault) KeyVersion() int { return v.version }

// Seal encrypts plaintext for userID and returns base64(nonce ‖ ciphertext).
func (v *Vault) Seal(userID, plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), []byte(userID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a record sealed by [Vault.Seal] under keyVersion.
func (v *Vault) Open(userID, ciphertext string, keyVersion int) (string, error) {
	if keyVersion != v.version {
		return "", fmt.Errorf("%w: record sealed with key version %d, vault has %d",
			shared.ErrMissingCredentials, keyVersion, v.version)
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed record", shared.ErrMissingCredentials)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize+v.aead.Overhead() {
		return "", fmt.Errorf("%w: record too short", shared.ErrMissingCredentials)
	}

	plaintext, err := v.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(userID))
	if err != nil {
		return "", fmt.Errorf("%w: record failed authentication", shared.ErrMissingCredentials)
	}
	return string(plaintext), nil
}

// Get returns the plaintext refresh credential of userID.
func (v *Vault) Get(ctx context.Context, userID string) (string, error) {
	rec, err := v.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	refresh, err := v.Open(userID, rec.Ciphertext, rec.KeyVersion)
	if err != nil {
		return "", err
	}
	if refresh == "" {
		return "", fmt.Errorf("%w: empty refresh credential", shared.ErrMissingCredentials)
	}
	return refresh, nil
}

// Set seals and stores the refresh credential of userID, dropping any cached access token.
func (v *Vault) Set(ctx context.Context, userID, refresh string) error {
	if refresh == "" {
		return fmt.Errorf("%w: refresh credential is empty", shared.ErrInvalidCredentials)
	}

	sealed, err := v.Seal(userID, refresh)
	if err != nil {
		return err
	}
	return v.store.SaveRefresh(ctx, userID, sealed, v.version)
}

// Rotate replaces the refresh credential and caches the access token issued with it.
func (v *Vault) Rotate(ctx context.Context, userID, refresh, access string, expiresAt time.Time, scope string) error {
	if refresh == "" {
		return fmt.Errorf("%w: refresh credential is empty", shared.ErrInvalidCredentials)
	}

	sealedRefresh, err := v.Seal(userID, refresh)
	if err != nil {
		return err
	}

	sealedAccess := ""
	if access != "" {
		if sealedAccess, err = v.Seal(userID, access); err != nil {
			return err
		}
	}
	return v.store.RotateRefresh(ctx, userID, sealedRefresh, v.version, sealedAccess, expiresAt, scope)
}

// CacheAccess stores a sealed copy of an access token and its expiry.
func (v *Vault) CacheAccess(ctx context.Context, userID, access string, expiresAt time.Time, scope string) error {
	sealed, err := v.Seal(userID, access)
	if err != nil {
		return err
	}
	return v.store.SaveAccess(ctx, userID, sealed, expiresAt, scope)
}

// CachedAccess returns the stored access token and expiry. ok is false when nothing usable is cached.
func (v *Vault) CachedAccess(ctx context.Context, userID string) (token string, expiresAt time.Time, ok bool) {
	rec, err := v.store.Get(ctx, userID)
	if err != nil || rec.AccessToken == "" {
		return "", time.Time{}, false
	}

	token, err = v.Open(userID, rec.AccessToken, rec.KeyVersion)
	if err != nil {
		return "", time.Time{}, false
	}
	return token, rec.AccessExpiresAt, true
}

// ClearAccess drops the cached access token of userID.
func (v *Vault) ClearAccess(ctx context.Context, userID string) error {
	return v.store.ClearAccess(ctx, userID)
}

// IsMissing reports whether err means the user has no usable credential.
func IsMissing(err error) bool {
	return errors.Is(err, shared.ErrMissingCredentials)
}
