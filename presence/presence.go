// Package presence keeps room activity in Redis so several server
// processes can share one room listing.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sarini12/collab-docs/core"
	"github.com/sirupsen/logrus"
)

const (
	DefaultKey    = "presence:rooms"
	DefaultMaxAge = 24 * time.Hour
)

// RedisPresence implements core.RoomRegistry with a sorted set scored by
// the last-active unix millisecond.
type RedisPresence struct {
	rdb    *redis.Client
	key    string
	maxAge time.Duration
}

// NewRedisPresence pings addr before returning.
func NewRedisPresence(ctx context.Context, addr, password string) (*RedisPresence, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	logrus.WithField("addr", addr).Info("Use redis presence")
	return newRedisPresence(rdb, DefaultKey, DefaultMaxAge), nil
}

func newRedisPresence(rdb *redis.Client, key string, maxAge time.Duration) *RedisPresence {
	return &RedisPresence{rdb: rdb, key: key, maxAge: maxAge}
}

func (p *RedisPresence) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	return p.rdb.ZAdd(ctx, p.key, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: roomID,
	}).Err()
}

// ListRooms drops rooms idle for longer than maxAge, then returns the rest
// most recent first.
func (p *RedisPresence) ListRooms(ctx context.Context) ([]core.Room, error) {
	cutoff := time.Now().Add(-p.maxAge).UnixMilli()

	pipe := p.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, p.key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	rangeCmd := pipe.ZRevRangeWithScores(ctx, p.key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	entries := rangeCmd.Val()
	rooms := make([]core.Room, 0, len(entries))
	for _, z := range entries {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		rooms = append(rooms, core.Room{ID: id, LastActive: int64(z.Score)})
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})
	return rooms, nil
}

func (p *RedisPresence) Close() error {
	return p.rdb.Close()
}
