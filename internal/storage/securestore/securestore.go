// Package securestore wraps any KeyValueStore with at-rest encryption, for
// deployments where cached entitlement snapshots count as user data.
package securestore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/subwise/subwise-go/internal/storage"
)

// MasterKeyLen is the required master key size in bytes.
const MasterKeyLen = 32

// Store encrypts values with XChaCha20-Poly1305. Each entry uses a key derived
// from the master key via HKDF-SHA256 with the storage key as info, and binds
// the ciphertext to its storage key through the AAD, so entries cannot be
// swapped between keys in the underlying store.
type Store struct {
	inner     storage.KeyValueStore
	masterKey []byte
}

var _ storage.KeyValueStore = (*Store)(nil)

// New wraps inner with encryption under masterKey.
func New(inner storage.KeyValueStore, masterKey []byte) (*Store, error) {
	if len(masterKey) != MasterKeyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeyLen, len(masterKey))
	}
	return &Store{inner: inner, masterKey: append([]byte(nil), masterKey...)}, nil
}

func (s *Store) entryKey(storageKey string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.masterKey, nil, []byte(storageKey))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("securestore: blob too short")
	}
	ek, err := s.entryKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(ek)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("securestore: decrypt %q: %w", key, err)
	}
	return plain, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	ek, err := s.entryKey(key)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(ek)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	out := make([]byte, 0, len(nonce)+len(value)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, value, []byte(key))...)
	return s.inner.Put(ctx, key, out)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}
