package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisDebitScript checks, decrements and appends the entry atomically.
// KEYS[1] = account hash, KEYS[2] = entry list, KEYS[3] = operation marker
// ARGV[1] = amount
// ARGV[2] = entry JSON without balance_after (appended by the script)
var redisDebitScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-1, 0}
end
local balance = tonumber(redis.call("HGET", KEYS[1], "balance") or "0")
local amount = tonumber(ARGV[1])
if balance < amount then
    return {0, balance}
end
if redis.call("EXISTS", KEYS[3]) == 1 then
    return {-2, balance}
end
balance = redis.call("HINCRBY", KEYS[1], "balance", -amount)
local entry = string.sub(ARGV[2], 1, -2) .. ',"balance_after":' .. balance .. '}'
redis.call("LPUSH", KEYS[2], entry)
redis.call("SET", KEYS[3], "1")
return {1, balance}
`)

// redisCreditScript claims the operation marker and increments the balance.
// A marker that already exists means the credit was applied before.
// Same KEYS and ARGV layout as redisDebitScript.
var redisCreditScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-1, 0}
end
if not redis.call("SET", KEYS[3], "1", "NX") then
    return {0, tonumber(redis.call("HGET", KEYS[1], "balance") or "0")}
end
local balance = redis.call("HINCRBY", KEYS[1], "balance", tonumber(ARGV[1]))
local entry = string.sub(ARGV[2], 1, -2) .. ',"balance_after":' .. balance .. '}'
redis.call("LPUSH", KEYS[2], entry)
return {1, balance}
`)

// KEYS[1] = account hash; ARGV[1] = subscribed flag, ARGV[2] = until (unix seconds, 0 = none)
var redisSubscriptionScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "subscribed", ARGV[1], "until", ARGV[2])
return 1
`)

// RedisStore implements Store using Redis hashes and lists on a single
// node. Operation markers are global, so an operation id is claimed once
// across all users, matching the unique operation_id of the SQL store.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stargate"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) accountKey(userID int64) string {
	return fmt.Sprintf("%s:{%d}:account", s.prefix, userID)
}

func (s *RedisStore) entriesKey(userID int64) string {
	return fmt.Sprintf("%s:{%d}:entries", s.prefix, userID)
}

func (s *RedisStore) opKey(opID string) string {
	return fmt.Sprintf("%s:op:%s", s.prefix, opID)
}

// redisEntry is the stored form; balance_after is appended by the scripts.
type redisEntry struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	AmountDelta int64     `json:"amount_delta"`
	Reason      Reason    `json:"reason"`
	Actor       string    `json:"actor"`
	OperationID string    `json:"operation_id"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *RedisStore) Open(ctx context.Context, userID int64) error {
	key := s.accountKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "balance", 0)
		pipe.HSetNX(ctx, key, "subscribed", 0)
		pipe.HSetNX(ctx, key, "until", 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis open account: %w", err)
	}
	return nil
}

func (s *RedisStore) Profile(ctx context.Context, userID int64) (Profile, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(userID)).Result()
	if err != nil {
		return Profile{}, fmt.Errorf("redis profile: %w", err)
	}
	if len(fields) == 0 {
		return Profile{}, ErrUserNotFound
	}
	p := Profile{UserID: userID}
	p.Balance, _ = strconv.ParseInt(fields["balance"], 10, 64)
	p.Subscribed = fields["subscribed"] == "1"
	if until, _ := strconv.ParseInt(fields["until"], 10, 64); until > 0 {
		t := time.Unix(until, 0).UTC()
		p.SubscriptionUntil = &t
	}
	return p, nil
}

func (s *RedisStore) SetSubscription(ctx context.Context, userID int64, active bool, until *time.Time) error {
	flag, unix := "0", int64(0)
	if active {
		flag = "1"
	}
	if until != nil {
		unix = until.Unix()
	}
	res, err := redisSubscriptionScript.Run(ctx, s.client, []string{s.accountKey(userID)}, flag, unix).Int64()
	if err != nil {
		return fmt.Errorf("redis set subscription: %w", err)
	}
	if res == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, entry Entry, delta, amount int64) (int64, int64, error) {
	payload, err := json.Marshal(redisEntry{
		ID:          entry.ID,
		UserID:      entry.UserID,
		AmountDelta: delta,
		Reason:      entry.Reason,
		Actor:       entry.Actor,
		OperationID: entry.OperationID,
		Timestamp:   entry.Timestamp,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("encode entry: %w", err)
	}
	keys := []string{
		s.accountKey(entry.UserID),
		s.entriesKey(entry.UserID),
		s.opKey(entry.OperationID),
	}
	res, err := script.Run(ctx, s.client, keys, amount, string(payload)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis ledger script: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return 0, 0, errors.New("invalid response from lua script")
	}
	status, _ := results[0].(int64)
	balance, _ := results[1].(int64)
	return status, balance, nil
}

func (s *RedisStore) Debit(ctx context.Context, entry Entry, amount int64) (int64, int64, bool, error) {
	status, balance, err := s.run(ctx, redisDebitScript, entry, -amount, amount)
	if err != nil {
		return 0, 0, false, err
	}
	switch status {
	case -1:
		return 0, 0, false, ErrUserNotFound
	case -2:
		return 0, balance, false, ErrDuplicateOperation
	case 0:
		return 0, balance, false, nil
	default:
		return balance, balance, true, nil
	}
}

func (s *RedisStore) Credit(ctx context.Context, entry Entry, amount int64) (int64, bool, error) {
	status, balance, err := s.run(ctx, redisCreditScript, entry, amount, amount)
	if err != nil {
		return 0, false, err
	}
	if status == -1 {
		return 0, false, ErrUserNotFound
	}
	return balance, status == 1, nil
}

func (s *RedisStore) Entries(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	raw, err := s.client.LRange(ctx, s.entriesKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis entries: %w", err)
	}
	if len(raw) == 0 {
		if _, err := s.Profile(ctx, userID); err != nil {
			return nil, err
		}
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
