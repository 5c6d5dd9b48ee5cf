// Package auth issues and verifies bearer API keys. Keys are never stored in
// plaintext: the store keeps a bcrypt hash of the key's SHA-256 digest and a
// short prefix used to find the row.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lalithlochan/notifylab/internal/db"
)

const (
	keyPrefix    = "nlk_"
	prefixLength = 8
	secretBytes  = 24

	// DefaultCost is the bcrypt cost for new keys
	DefaultCost = 12

	verifiedTTL = 5 * time.Minute
)

// ErrInvalidKey covers malformed, unknown, revoked and mismatched keys
var ErrInvalidKey = errors.New("invalid api key")

// KeyStore persists API keys
type KeyStore interface {
	CreateAPIKey(ctx context.Context, k *db.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*db.APIKey, error)
}

type verified struct {
	key     *db.APIKey
	expires time.Time
}

// Manager creates and verifies keys. Successful verifications are cached
// briefly so that bcrypt does not run on every request.
type Manager struct {
	store  KeyStore
	cost   int
	logger *zap.Logger

	mu    sync.Mutex
	cache map[[sha256.Size]byte]verified
	now   func() time.Time
}

// NewManager creates a key manager. cost <= 0 selects DefaultCost.
func NewManager(store KeyStore, cost int, logger *zap.Logger) *Manager {
	if cost <= 0 {
		cost = DefaultCost
	}
	return &Manager{
		store:  store,
		cost:   cost,
		logger: logger,
		cache:  make(map[[sha256.Size]byte]verified),
		now:    time.Now,
	}
}

// Create mints a key named name and returns its plaintext once
func (m *Manager) Create(ctx context.Context, name string) (string, *db.APIKey, error) {
	buf := make([]byte, prefixLength/2+secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}
	prefix := keyPrefix + hex.EncodeToString(buf[:prefixLength/2])
	plaintext := prefix + "_" + hex.EncodeToString(buf[prefixLength/2:])

	digest := sha256.Sum256([]byte(plaintext))
	hash, err := bcrypt.GenerateFromPassword(digest[:], m.cost)
	if err != nil {
		return "", nil, fmt.Errorf("bcrypt failed: %w", err)
	}

	key := &db.APIKey{Name: name, Prefix: prefix, Hash: hash}
	if err := m.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("failed to store key: %w", err)
	}

	m.logger.Info("api key created",
		zap.String("name", name),
		zap.String("prefix", prefix),
	)
	return plaintext, key, nil
}

// Verify returns the stored key matching plaintext
func (m *Manager) Verify(ctx context.Context, plaintext string) (*db.APIKey, error) {
	prefix, ok := splitKey(plaintext)
	if !ok {
		return nil, ErrInvalidKey
	}

	digest := sha256.Sum256([]byte(plaintext))
	if key := m.cached(digest); key != nil {
		return key, nil
	}

	key, err := m.store.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("key lookup failed: %w", err)
	}
	if key.RevokedAt != nil {
		return nil, ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword(key.Hash, digest[:]); err != nil {
		return nil, ErrInvalidKey
	}

	m.mu.Lock()
	m.cache[digest] = verified{key: key, expires: m.now().Add(verifiedTTL)}
	m.mu.Unlock()
	return key, nil
}

func (m *Manager) cached(digest [sha256.Size]byte) *db.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache[digest]
	if !ok {
		return nil
	}
	if m.now().After(v.expires) {
		delete(m.cache, digest)
		return nil
	}
	return v.key
}

func splitKey(plaintext string) (string, bool) {
	rest, found := strings.CutPrefix(plaintext, keyPrefix)
	if !found {
		return "", false
	}
	id, secret, ok := strings.Cut(rest, "_")
	if !ok || len(id) != prefixLength || secret == "" {
		return "", false
	}
	return keyPrefix + id, true
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>" header
func ExtractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
