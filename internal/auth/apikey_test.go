package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lalithlochan/notifylab/internal/db"
)

// countingStore counts prefix lookups
type countingStore struct {
	*db.MemoryStore
	lookups int
	err     error
}

func (s *countingStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*db.APIKey, error) {
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	return s.MemoryStore.GetAPIKeyByPrefix(ctx, prefix)
}

func newManager(store KeyStore) *Manager {
	return NewManager(store, bcrypt.MinCost, zap.NewNop())
}

func TestCreateAndVerify(t *testing.T) {
	store := &countingStore{MemoryStore: db.NewMemoryStore()}
	m := newManager(store)
	ctx := context.Background()

	plaintext, key, err := m.Create(ctx, "checkout-service")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !strings.HasPrefix(plaintext, key.Prefix+"_") || len(key.Prefix) != len(keyPrefix)+prefixLength {
		t.Errorf("unexpected key %q with prefix %q", plaintext, key.Prefix)
	}
	if strings.Contains(string(key.Hash), plaintext) {
		t.Error("hash must not contain the plaintext")
	}

	got, err := m.Verify(ctx, plaintext)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Name != "checkout-service" {
		t.Errorf("expected key name checkout-service, got %q", got.Name)
	}

	if _, err := m.Verify(ctx, plaintext); err != nil {
		t.Fatal(err)
	}
	if store.lookups != 1 {
		t.Errorf("expected cached second verification, got %d lookups", store.lookups)
	}
}

func TestVerify_Rejects(t *testing.T) {
	store := &countingStore{MemoryStore: db.NewMemoryStore()}
	m := newManager(store)
	ctx := context.Background()

	plaintext, key, err := m.Create(ctx, "svc")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"wrong scheme", "sk_live_123"},
		{"missing secret", key.Prefix},
		{"short prefix", "nlk_abc_def"},
		{"wrong secret", key.Prefix + "_deadbeef"},
		{"unknown prefix", "nlk_00000000_" + strings.Repeat("a", 48)},
		{"tampered", plaintext + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Verify(ctx, tt.key); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("expected ErrInvalidKey, got %v", err)
			}
		})
	}
}

func TestVerify_StoreFailureIsNotInvalidKey(t *testing.T) {
	store := &countingStore{MemoryStore: db.NewMemoryStore(), err: errors.New("db down")}
	m := newManager(store)

	_, err := m.Verify(context.Background(), "nlk_12345678_abcdef")
	if err == nil || errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected a lookup error, got %v", err)
	}
}

func TestVerify_CacheExpires(t *testing.T) {
	store := &countingStore{MemoryStore: db.NewMemoryStore()}
	m := newManager(store)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	plaintext, _, err := m.Create(ctx, "svc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Verify(ctx, plaintext); err != nil {
		t.Fatal(err)
	}

	now = now.Add(verifiedTTL + time.Second)
	if _, err := m.Verify(ctx, plaintext); err != nil {
		t.Fatal(err)
	}
	if store.lookups != 2 {
		t.Errorf("expected a fresh lookup after expiry, got %d", store.lookups)
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer nlk_1_2", "nlk_1_2"},
		{"bearer   nlk_1_2 ", "nlk_1_2"},
		{"Basic dXNlcjpwYXNz", ""},
		{"nlk_1_2", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearer(tt.header); got != tt.want {
			t.Errorf("ExtractBearer(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
