package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultIdempotencyTTL is how long a finished response is replayed
	DefaultIdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a request is being processed.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

var (
	// ErrInFlight means another request with the same key has not finished
	ErrInFlight = errors.New("a request with this idempotency key is in progress")
	// ErrKeyReused means the key was first used with a different request body
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

// CachedResponse is a stored response for replay
type CachedResponse struct {
	StatusCode  int             `json:"status_code"`
	Body        json.RawMessage `json:"body"`
	RequestHash string          `json:"request_hash"`
	CreatedAt   int64           `json:"created_at"`
}

// IdempotencyService replays responses for repeated Idempotency-Key headers.
// Keys are scoped, normally by API key, so callers cannot collide.
type IdempotencyService struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service. ttl <= 0 selects
// DefaultIdempotencyTTL.
func NewIdempotencyService(client *Client, ttl time.Duration, logger *zap.Logger) *IdempotencyService {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyService{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// HashRequest fingerprints a request body
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (s *IdempotencyService) buildKey(scope, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, idempotencyKey)
}

// Check retrieves a cached response. It returns (nil, nil) if the key is
// unused and ErrInFlight while it is reserved.
func (s *IdempotencyService) Check(ctx context.Context, scope, idempotencyKey string) (*CachedResponse, error) {
	key := s.buildKey(scope, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrInFlight
	}

	var cached CachedResponse
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	return &cached, nil
}

// Reserve acquires an idempotency lock using SET NX (atomic set-if-not-exists).
// Returns true if lock acquired, false if key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, idempotencyKey string) (bool, error) {
	key := s.buildKey(scope, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// CheckOrReserve returns the cached response for a finished request with the
// same body, or reserves the key and returns (nil, nil)
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, idempotencyKey, requestHash string) (*CachedResponse, error) {
	cached, err := s.Check(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if cached.RequestHash != requestHash {
			return nil, ErrKeyReused
		}
		s.logger.Debug("idempotency cache hit",
			zap.String("scope", scope),
			zap.String("idempotency_key", idempotencyKey),
		)
		return cached, nil
	}

	reserved, err := s.Reserve(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrInFlight
	}

	return nil, nil
}

// Store saves the response of a finished request, replacing the reservation
func (s *IdempotencyService) Store(ctx context.Context, scope, idempotencyKey string, resp *CachedResponse) error {
	key := s.buildKey(scope, idempotencyKey)

	if resp.CreatedAt == 0 {
		resp.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release drops a reservation so the client may retry after a failure.
// Finished responses are left in place.
func (s *IdempotencyService) Release(ctx context.Context, scope, idempotencyKey string) error {
	key := s.buildKey(scope, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}
	return s.client.rdb.Del(ctx, key).Err()
}
