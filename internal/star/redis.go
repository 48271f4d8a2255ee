package star

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "mailrelay:starred:"

// RedisIndex keeps each user's stars in a redis set.
type RedisIndex struct {
	client redis.UniversalClient
	prefix string
}

var _ Index = (*RedisIndex)(nil)

func NewRedisIndex(client redis.UniversalClient, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (x *RedisIndex) key(user string) string {
	return x.prefix + user
}

func (x *RedisIndex) Add(ctx context.Context, user, id string) error {
	user, err := normalizeUser(user)
	if err != nil {
		return err
	}
	if err := x.client.SAdd(ctx, x.key(user), id).Err(); err != nil {
		return fmt.Errorf("star add: %w", err)
	}
	return nil
}

func (x *RedisIndex) Remove(ctx context.Context, user, id string) error {
	user, err := normalizeUser(user)
	if err != nil {
		return err
	}
	if err := x.client.SRem(ctx, x.key(user), id).Err(); err != nil {
		return fmt.Errorf("star remove: %w", err)
	}
	return nil
}

func (x *RedisIndex) IDs(ctx context.Context, user string) ([]string, error) {
	user, err := normalizeUser(user)
	if err != nil {
		return nil, err
	}
	ids, err := x.client.SMembers(ctx, x.key(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("star members: %w", err)
	}
	return sortedUnique(ids), nil
}
