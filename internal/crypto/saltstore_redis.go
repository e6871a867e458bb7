package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSaltStore is a production-grade SaltStore: "production
// implementations persist to a platform secure store" (spec.md §4.5), and
// Redis is this pack's concrete choice (grounded on jordigilh-kubernaut,
// which requires github.com/redis/go-redis/v9 directly). It doubles as the
// cross-process tag-invalidation transport used by
// internal/fetchpolicy when multiple backend instances share one Redis
// deployment.
type RedisSaltStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSaltStore wraps an existing client. keyPrefix namespaces salts
// from any other use of the same Redis deployment (e.g.
// "nexusstore:salt:").
func NewRedisSaltStore(client *redis.Client, keyPrefix string) *RedisSaltStore {
	if keyPrefix == "" {
		keyPrefix = "nexusstore:salt:"
	}
	return &RedisSaltStore{client: client, prefix: keyPrefix}
}

func (r *RedisSaltStore) key(keyID string) string { return r.prefix + keyID }

func (r *RedisSaltStore) GetSalt(ctx context.Context, keyID string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, r.key(keyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("crypto: redis get salt: %w", err)
	}
	return v, true, nil
}

func (r *RedisSaltStore) StoreSalt(ctx context.Context, keyID string, salt []byte) error {
	if err := r.client.Set(ctx, r.key(keyID), salt, 0).Err(); err != nil {
		return fmt.Errorf("crypto: redis store salt: %w", err)
	}
	return nil
}

func (r *RedisSaltStore) HasSalt(ctx context.Context, keyID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(keyID)).Result()
	if err != nil {
		return false, fmt.Errorf("crypto: redis exists salt: %w", err)
	}
	return n > 0, nil
}

func (r *RedisSaltStore) DeleteSalt(ctx context.Context, keyID string) error {
	if err := r.client.Del(ctx, r.key(keyID)).Err(); err != nil {
		return fmt.Errorf("crypto: redis delete salt: %w", err)
	}
	return nil
}

// PublishInvalidation broadcasts a tag-invalidation event to every process
// sharing this Redis deployment, so internal/fetchpolicy handlers in other
// processes can invalidate the same tags locally. See
// fetchpolicy.SubscribeTagInvalidation for the subscriber side.
func (r *RedisSaltStore) PublishInvalidation(ctx context.Context, channel string, tags []string) error {
	return r.client.Publish(ctx, channel, marshalTags(tags)).Err()
}

func marshalTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}
