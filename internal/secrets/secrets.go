// Package secrets stores per-installation key/value secrets encrypted at rest.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"regexp"
	"time"

	"golang.org/x/crypto/hkdf"

	xerrors "ExtensionHost/internal/errors"
)

const (
	maxValueBytes = 64 << 10
	hkdfSalt      = "exthost/secrets/v1"
)

var (
	keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

	// ErrSecretNotFound distinguishes an unset key from an empty value.
	ErrSecretNotFound = xerrors.New(xerrors.CodeSecretNotFound, "")
)

// Record is the persisted, encrypted form of one secret. Sealed is nonce || ciphertext.
type Record struct {
	TenantID       string
	InstallationID string
	Key            string
	Sealed         []byte
	UpdatedAt      time.Time
}

// Store persists sealed records. Get and Delete return ErrSecretNotFound for missing keys.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, tenantID, installationID, key string) (Record, error)
	List(ctx context.Context, tenantID, installationID string) ([]string, error)
	Delete(ctx context.Context, tenantID, installationID, key string) error
	DeleteAll(ctx context.Context, tenantID, installationID string) error
}

// Service encrypts and decrypts secrets with keys derived per (tenant, installation).
type Service struct {
	store  Store
	master []byte
	now    func() time.Time
}

// NewService creates the secrets service. masterKey must be at least 16 bytes.
func NewService(masterKey string, store Store) (*Service, error) {
	if len(masterKey) < 16 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "secrets master key must be at least 16 bytes")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "secrets store is required")
	}
	return &Service{store: store, master: []byte(masterKey), now: time.Now}, nil
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid secret key %q", key))
	}
	return nil
}

func scope(tenantID, installationID string) error {
	if tenantID == "" || installationID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tenant and installation are required")
	}
	return nil
}

// Set encrypts and stores value under key.
func (s *Service) Set(ctx context.Context, tenantID, installationID, key, value string) error {
	if err := scope(tenantID, installationID); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if len(value) > maxValueBytes {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("secret value exceeds %d bytes", maxValueBytes))
	}
	aead, err := s.aead(tenantID, installationID)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "generate nonce")
	}
	sealed := aead.Seal(nonce, nonce, []byte(value), additionalData(tenantID, installationID, key))
	return s.store.Put(ctx, Record{
		TenantID:       tenantID,
		InstallationID: installationID,
		Key:            key,
		Sealed:         sealed,
		UpdatedAt:      s.now().UTC(),
	})
}

// Get decrypts the value for key or returns ErrSecretNotFound.
func (s *Service) Get(ctx context.Context, tenantID, installationID, key string) (string, error) {
	if err := scope(tenantID, installationID); err != nil {
		return "", err
	}
	if err := validateKey(key); err != nil {
		return "", err
	}
	rec, err := s.store.Get(ctx, tenantID, installationID, key)
	if err != nil {
		return "", err
	}
	aead, err := s.aead(tenantID, installationID)
	if err != nil {
		return "", err
	}
	if len(rec.Sealed) < aead.NonceSize() {
		return "", xerrors.New(xerrors.CodeStorageFailure, "sealed secret is truncated")
	}
	nonce, ciphertext := rec.Sealed[:aead.NonceSize()], rec.Sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, additionalData(tenantID, installationID, key))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "secret failed authentication")
	}
	return string(plain), nil
}

// List returns the keys set for the installation, sorted.
func (s *Service) List(ctx context.Context, tenantID, installationID string) ([]string, error) {
	if err := scope(tenantID, installationID); err != nil {
		return nil, err
	}
	return s.store.List(ctx, tenantID, installationID)
}

// Delete removes key or returns ErrSecretNotFound.
func (s *Service) Delete(ctx context.Context, tenantID, installationID, key string) error {
	if err := scope(tenantID, installationID); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	return s.store.Delete(ctx, tenantID, installationID, key)
}

// Purge removes every secret of an installation. Used on uninstall.
func (s *Service) Purge(ctx context.Context, tenantID, installationID string) error {
	if err := scope(tenantID, installationID); err != nil {
		return err
	}
	return s.store.DeleteAll(ctx, tenantID, installationID)
}

func (s *Service) aead(tenantID, installationID string) (cipher.AEAD, error) {
	info := []byte(tenantID + "\x00" + installationID)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, []byte(hkdfSalt), info), key); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "derive installation key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "init cipher")
	}
	return cipher.NewGCM(block)
}

func additionalData(tenantID, installationID, key string) []byte {
	return []byte(tenantID + "|" + installationID + "|" + key)
}
