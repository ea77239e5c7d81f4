package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

// PresenceStore tracks which users are currently viewing a resource. Entries
// carry a logical TTL (the heartbeat staleness window); a member that stops
// heartbeating disappears from reads without any explicit "left" event.
type PresenceStore interface {
	// Touch upserts the (user, resource) entry and pushes its expiry out by
	// ttl. Subscribe and heartbeat both land here; at most one entry per
	// (user, resource) because ZADD updates the existing member.
	Touch(ctx context.Context, resourceKey string, userID uint64, username string, ttl time.Duration) error
	// Remove drops the entry immediately (clean unsubscribe/disconnect).
	Remove(ctx context.Context, resourceKey string, userID uint64) error
	// Members prunes expired entries and returns everyone still alive.
	Members(ctx context.Context, resourceKey string) ([]realtime.Member, error)
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceStore {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) Touch(ctx context.Context, resourceKey string, userID uint64, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// ZSET score is expireAt (unix seconds): the logical TTL of the entry.
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(resourceKey), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(resourceKey), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Remove(ctx context.Context, resourceKey string, userID uint64) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(resourceKey), userID)
	tx.HDel(ctx, namesKey(resourceKey), strconv.FormatUint(userID, 10))
	_, err := tx.Exec(ctx)
	return err
}

// pruneScript removes members whose expireAt score has passed, together with
// their name entries. KEYS[1]=roomKey, KEYS[2]=namesKey, ARGV[1]=now.
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) Members(ctx context.Context, resourceKey string) ([]realtime.Member, error) {
	now := time.Now().Unix()

	_, err := pruneScript.Run(ctx, p.rdb, []string{roomKey(resourceKey), namesKey(resourceKey)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(resourceKey), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(resourceKey), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	members := make([]realtime.Member, 0, len(aliveIDs))
	for i, raw := range aliveIDs {
		uid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, realtime.Member{UserID: uid, Username: name})
	}
	return members, nil
}
