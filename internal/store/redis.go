package store

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/gastownhall/live-relay/internal/wire"
)

// DefaultRedisPrefix namespaces every key the relay writes.
const DefaultRedisPrefix = "live-relay:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix (default: "live-relay:").
	Prefix string
	// OwnerTTL expires takeovers that were never released (0 = never).
	OwnerTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// Redis is a Store shared by every relay replica: ownership is a single key
// per session written with SET NX, so exactly one replica wins a race.
type Redis struct {
	client   *redis.Client
	prefix   string
	ownerTTL time.Duration

	mu     sync.RWMutex
	closed bool
}

// releaseScript deletes the owner key only if it still names the caller.
var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return 0
end
if cur == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return -1
`)

// NewRedis connects and pings.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping failed")
	}
	return NewRedisFromClient(client, cfg.Prefix, cfg.OwnerTTL), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string, ownerTTL time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, ownerTTL: ownerTTL}
}

func (r *Redis) ownerKey(sessionID string) string { return r.prefix + "owner:" + sessionID }
func (r *Redis) metaKey(sessionID string) string  { return r.prefix + "meta:" + sessionID }
func (r *Redis) convsKey(sessionID string) string { return r.prefix + "convs:" + sessionID }
func (r *Redis) liveKey() string                  { return r.prefix + "live" }

func (r *Redis) messagesKey(sessionID string, conversationNumber int) string {
	return r.prefix + "msgs:" + sessionID + ":" + strconv.Itoa(conversationNumber)
}

func previewField(conversationNumber int) string {
	return "preview:" + strconv.Itoa(conversationNumber)
}

func (r *Redis) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *Redis) Acquire(ctx context.Context, sessionID, actor string) (string, error) {
	if err := r.checkOpen(); err != nil {
		return "", err
	}
	key := r.ownerKey(sessionID)

	// the owner key can expire between SETNX and GET; retry a few times
	for range 3 {
		ok, err := r.client.SetNX(ctx, key, actor, r.ownerTTL).Result()
		if err != nil {
			return "", errors.Wrap(err, "failed to acquire session")
		}
		if ok {
			return actor, nil
		}

		cur, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", errors.Wrap(err, "failed to read session owner")
		}
		if cur != actor {
			return cur, ErrAlreadyOwned
		}
		if r.ownerTTL > 0 {
			if err := r.client.Expire(ctx, key, r.ownerTTL).Err(); err != nil {
				return "", errors.Wrap(err, "failed to refresh takeover")
			}
		}
		return actor, nil
	}
	return "", errors.New("session ownership kept changing")
}

func (r *Redis) Release(ctx context.Context, sessionID, actor string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	res, err := releaseScript.Run(ctx, r.client, []string{r.ownerKey(sessionID)}, actor).Int()
	if err != nil {
		return errors.Wrap(err, "failed to release session")
	}
	if res != 1 {
		return ErrNotOwner
	}
	return nil
}

func (r *Redis) Owner(ctx context.Context, sessionID string) (string, error) {
	if err := r.checkOpen(); err != nil {
		return "", err
	}
	cur, err := r.client.Get(ctx, r.ownerKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read session owner")
	}
	return cur, nil
}

func (r *Redis) Append(ctx context.Context, sessionID string, msg wire.Message) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	msg.ConversationNumber = wire.NormalizeConversation(msg.ConversationNumber)
	data, err := json.Marshal(msg)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal message")
	}

	n := msg.ConversationNumber
	pipe := r.client.TxPipeline()
	created := pipe.HSetNX(ctx, r.metaKey(sessionID), "createdAt", msg.Timestamp)
	pipe.RPush(ctx, r.messagesKey(sessionID, n), data)
	pipe.ZAdd(ctx, r.convsKey(sessionID), redis.Z{Score: float64(n), Member: strconv.Itoa(n)})
	if msg.Role == wire.RoleUser {
		pipe.HSetNX(ctx, r.metaKey(sessionID), previewField(n), preview(msg.Text))
	}
	// lastActivity never moves backwards
	pipe.ZAddGT(ctx, r.liveKey(), redis.Z{Score: float64(msg.Timestamp), Member: sessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, "failed to append message")
	}
	return created.Val(), nil
}

func (r *Redis) Messages(ctx context.Context, sessionID string, conversationNumber int) ([]wire.Message, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	raw, err := r.client.LRange(ctx, r.messagesKey(sessionID, wire.NormalizeConversation(conversationNumber)), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load messages")
	}
	msgs := make([]wire.Message, 0, len(raw))
	for _, item := range raw {
		var m wire.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal message")
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (r *Redis) LatestConversation(ctx context.Context, sessionID string) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	members, err := r.client.ZRevRange(ctx, r.convsKey(sessionID), 0, 0).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to load conversations")
	}
	if len(members) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(members[0])
	if err != nil {
		return 0, errors.Wrap(err, "invalid conversation number")
	}
	return n, nil
}

func (r *Redis) Live(ctx context.Context, since time.Time) ([]wire.SessionInfo, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := r.client.ZRangeByScoreWithScores(ctx, r.liveKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list live sessions")
	}

	out := make([]wire.SessionInfo, 0, len(entries))
	for _, e := range entries {
		id, _ := e.Member.(string)
		latest, err := r.LatestConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		count, err := r.client.LLen(ctx, r.messagesKey(id, wire.NormalizeConversation(latest))).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to count messages")
		}
		pv, err := r.client.HGet(ctx, r.metaKey(id), previewField(latest)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, errors.Wrap(err, "failed to load preview")
		}
		out = append(out, wire.SessionInfo{
			SessionID:           id,
			LastActivity:        int64(e.Score),
			MessageCount:        int(count),
			FirstMessagePreview: pv,
			ConversationNumber:  latest,
		})
	}
	sortLive(out)
	return out, nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
