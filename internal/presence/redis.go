package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps presence in Redis so it survives relay restarts (modulo
// the startup Clear) and is inspectable with standard tooling.
//
// Key schema, under the configured prefix:
//
//	role:<connID>   -> "admin" | "client"
//	userid:<connID> -> user id
//	active-admins   -> set of admin user ids
//	active-users    -> set of client user ids
//
// Member sets hold bare user ids, so when several connections share a user
// id under one role, the first disconnect removes the set entry even though
// other connections are still live. That understates presence; it matches
// the deployed behavior this relay replaces. MemoryStore reference-counts
// instead.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) roleKey(connID string) string   { return s.prefix + "role:" + connID }
func (s *RedisStore) userIDKey(connID string) string { return s.prefix + "userid:" + connID }

func (s *RedisStore) setKey(role Role) string {
	if role == RoleAdmin {
		return s.prefix + "active-admins"
	}
	return s.prefix + "active-users"
}

func (s *RedisStore) Put(ctx context.Context, connID string, role Role, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.roleKey(connID), string(role), 0)
	pipe.Set(ctx, s.userIDKey(connID), userID, 0)
	pipe.SAdd(ctx, s.setKey(role), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: put %s: %w", connID, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, connID string) error {
	role, err := s.RoleOf(ctx, connID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	userID, err := s.client.Get(ctx, s.userIDKey(connID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("presence: remove %s: %w", connID, err)
	}

	pipe := s.client.TxPipeline()
	if userID != "" {
		pipe.SRem(ctx, s.setKey(role), userID)
	}
	pipe.Del(ctx, s.roleKey(connID), s.userIDKey(connID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: remove %s: %w", connID, err)
	}
	return nil
}

func (s *RedisStore) RoleOf(ctx context.Context, connID string) (Role, error) {
	raw, err := s.client.Get(ctx, s.roleKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("presence: role of %s: %w", connID, err)
	}
	role, err := ParseRole(raw)
	if err != nil {
		return "", fmt.Errorf("presence: corrupt role for %s: %w", connID, err)
	}
	return role, nil
}

func (s *RedisStore) UserIDOf(ctx context.Context, connID string) (string, error) {
	userID, err := s.client.Get(ctx, s.userIDKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("presence: user id of %s: %w", connID, err)
	}
	return userID, nil
}

func (s *RedisStore) Members(ctx context.Context, role Role) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.setKey(role)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: members of %s: %w", role, err)
	}
	return members, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	for _, pattern := range []string{s.prefix + "role:*", s.prefix + "userid:*"} {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("presence: clear: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("presence: clear: %w", err)
		}
	}
	if err := s.client.Del(ctx, s.setKey(RoleAdmin), s.setKey(RoleClient)).Err(); err != nil {
		return fmt.Errorf("presence: clear: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("presence: ping: %w", err)
	}
	return nil
}
