package adapter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
)

const defaultRedisLockPrefix = "strafkatalog_lock"

// Timestamps are stored as unix microseconds so Lua can compare them exactly.
var updateExpiryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// KEYS: expiry index, locked-at index. ARGV: record key prefix, now, id,
// owner id, owner name, locked at, expires at.
// Returns {status, id, owner id, owner name, locked at, expires at} where
// status is 0 denied, 1 refreshed, 2 created.
var acquireScript = redis.NewScript(`
local exp_idx, lock_idx = KEYS[1], KEYS[2]
local prefix, now = ARGV[1], ARGV[2]
local dead = redis.call('ZRANGEBYSCORE', exp_idx, '-inf', '(' .. now)
for _, id in ipairs(dead) do
  redis.call('DEL', prefix .. id)
  redis.call('ZREM', exp_idx, id)
  redis.call('ZREM', lock_idx, id)
end
local best, best_at = nil, nil
for _, id in ipairs(redis.call('ZRANGEBYSCORE', exp_idx, '(' .. now, '+inf')) do
  local at = tonumber(redis.call('ZSCORE', lock_idx, id))
  if best == nil or at > best_at or (at == best_at and id > best) then
    best, best_at = id, at
  end
end
if best then
  local cur = redis.call('HMGET', prefix .. best, 'user_id', 'user_name', 'locked_at', 'expires_at')
  if cur[1] ~= ARGV[4] then
    return {0, best, cur[1], cur[2], cur[3], cur[4]}
  end
  redis.call('HSET', prefix .. best, 'expires_at', ARGV[7])
  redis.call('ZADD', exp_idx, ARGV[7], best)
  return {1, best, cur[1], cur[2], cur[3], ARGV[7]}
end
local id = ARGV[3]
redis.call('HSET', prefix .. id, 'id', id, 'user_id', ARGV[4], 'user_name', ARGV[5], 'locked_at', ARGV[6], 'expires_at', ARGV[7])
redis.call('ZADD', exp_idx, ARGV[7], id)
redis.call('ZADD', lock_idx, ARGV[6], id)
return {2, id, ARGV[4], ARGV[5], ARGV[6], ARGV[7]}
`)

// RedisLockStore implements lock.Store and lock.AtomicStore on Redis. Each
// record is a hash at <prefix>:rec:<id>; two sorted sets index the records by
// expiry and by creation time.
type RedisLockStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

var (
	_ lock.Store       = (*RedisLockStore)(nil)
	_ lock.AtomicStore = (*RedisLockStore)(nil)
)

// NewRedisLockStore returns a store using the provided Redis client.
func NewRedisLockStore(client *redis.Client, opts ...Option) *RedisLockStore {
	o := newOptions(opts)
	if o.prefix == "" {
		o.prefix = defaultRedisLockPrefix
	}
	return &RedisLockStore{client: client, prefix: o.prefix, timeout: o.timeout}
}

func (s *RedisLockStore) recPrefix() string       { return s.prefix + ":rec:" }
func (s *RedisLockStore) recKey(id string) string { return s.recPrefix() + id }
func (s *RedisLockStore) expiryIndex() string     { return s.prefix + ":idx:expires" }
func (s *RedisLockStore) lockedIndex() string     { return s.prefix + ":idx:locked" }

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseMicros(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

func recordOf(fields map[string]string) (*lock.Record, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	lockedAt, err := parseMicros(fields["locked_at"])
	if err != nil {
		return nil, fmt.Errorf("lock record %s: locked_at: %w", fields["id"], err)
	}
	expiresAt, err := parseMicros(fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("lock record %s: expires_at: %w", fields["id"], err)
	}
	return &lock.Record{
		ID:        fields["id"],
		OwnerID:   fields["user_id"],
		OwnerName: fields["user_name"],
		LockedAt:  lockedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// load fetches the records for ids in one round trip. Missing hashes are
// skipped.
func (s *RedisLockStore) load(ctx context.Context, ids []string) ([]lock.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.recKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, mapErr(err)
	}
	out := make([]lock.Record, 0, len(ids))
	for _, cmd := range cmds {
		rec, err := recordOf(cmd.Val())
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// Latest implements lock.Store.Latest.
func (s *RedisLockStore) Latest(ctx context.Context) (*lock.Record, error) {
	if err := precheck(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ids, err := s.client.ZRevRange(cctx, s.lockedIndex(), 0, 0).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	recs, err := s.load(cctx, ids)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// Active implements lock.Store.Active.
func (s *RedisLockStore) Active(ctx context.Context, now time.Time) (*lock.Record, error) {
	if err := precheck(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ids, err := s.client.ZRangeByScore(cctx, s.expiryIndex(), &redis.ZRangeBy{Min: "(" + micros(now), Max: "+inf"}).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	recs, err := s.load(cctx, ids)
	if err != nil {
		return nil, err
	}
	var best *lock.Record
	for i := range recs {
		r := &recs[i]
		if r.Expired(now) {
			continue
		}
		if best == nil || r.LockedAt.After(best.LockedAt) || (r.LockedAt.Equal(best.LockedAt) && r.ID > best.ID) {
			best = r
		}
	}
	return best, nil
}

// Insert implements lock.Store.Insert.
func (s *RedisLockStore) Insert(ctx context.Context, rec lock.Record) (lock.Record, error) {
	if err := precheck(ctx); err != nil {
		return lock.Record{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rec.ID = uuid.NewString()
	rec.LockedAt = rec.LockedAt.Truncate(time.Microsecond).UTC()
	rec.ExpiresAt = rec.ExpiresAt.Truncate(time.Microsecond).UTC()
	pipe := s.client.TxPipeline()
	pipe.HSet(cctx, s.recKey(rec.ID),
		"id", rec.ID,
		"user_id", rec.OwnerID,
		"user_name", rec.OwnerName,
		"locked_at", micros(rec.LockedAt),
		"expires_at", micros(rec.ExpiresAt),
	)
	pipe.ZAdd(cctx, s.expiryIndex(), redis.Z{Score: float64(rec.ExpiresAt.UnixMicro()), Member: rec.ID})
	pipe.ZAdd(cctx, s.lockedIndex(), redis.Z{Score: float64(rec.LockedAt.UnixMicro()), Member: rec.ID})
	if _, err := pipe.Exec(cctx); err != nil {
		return lock.Record{}, mapErr(err)
	}
	return rec, nil
}

// UpdateExpiry implements lock.Store.UpdateExpiry.
func (s *RedisLockStore) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	if err := precheck(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := updateExpiryScript.Run(cctx, s.client, []string{s.recKey(id), s.expiryIndex()}, micros(expiresAt), id).Int()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return lsperrors.ErrNotFound
	}
	return nil
}

// Delete implements lock.Store.Delete.
func (s *RedisLockStore) Delete(ctx context.Context, f lock.Filter) (int, error) {
	if err := precheck(ctx); err != nil {
		return 0, err
	}
	if f.IsZero() {
		return 0, nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		ids []string
		err error
	)
	switch {
	case f.ID != "":
		ids = []string{f.ID}
	case !f.Before.IsZero():
		ids, err = s.client.ZRangeByScore(cctx, s.expiryIndex(), &redis.ZRangeBy{Min: "-inf", Max: micros(f.Before)}).Result()
	default:
		ids, err = s.client.ZRange(cctx, s.expiryIndex(), 0, -1).Result()
	}
	if err != nil {
		return 0, mapErr(err)
	}
	recs, err := s.load(cctx, ids)
	if err != nil {
		return 0, err
	}

	pipe := s.client.TxPipeline()
	var dels []*redis.IntCmd
	for _, r := range recs {
		if !f.Match(r) {
			continue
		}
		dels = append(dels, pipe.Del(cctx, s.recKey(r.ID)))
		pipe.ZRem(cctx, s.expiryIndex(), r.ID)
		pipe.ZRem(cctx, s.lockedIndex(), r.ID)
	}
	if len(dels) == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(cctx); err != nil {
		return 0, mapErr(err)
	}
	n := 0
	for _, d := range dels {
		n += int(d.Val())
	}
	return n, nil
}

// AcquireAtomic implements lock.AtomicStore.AcquireAtomic with a Lua script.
func (s *RedisLockStore) AcquireAtomic(ctx context.Context, candidate lock.Record, now time.Time) (lock.Record, lock.Outcome, error) {
	if err := precheck(ctx); err != nil {
		return lock.Record{}, lock.Denied, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := acquireScript.Run(cctx, s.client,
		[]string{s.expiryIndex(), s.lockedIndex()},
		s.recPrefix(), micros(now), uuid.NewString(),
		candidate.OwnerID, candidate.OwnerName,
		micros(candidate.LockedAt), micros(candidate.ExpiresAt),
	).Slice()
	if err != nil {
		return lock.Record{}, lock.Denied, mapErr(err)
	}
	if len(res) != 6 {
		return lock.Record{}, lock.Denied, fmt.Errorf("acquire script: unexpected reply %v", res)
	}
	status, _ := res[0].(int64)
	fields := map[string]string{}
	for i, name := range []string{"id", "user_id", "user_name", "locked_at", "expires_at"} {
		v, _ := res[i+1].(string)
		fields[name] = v
	}
	rec, err := recordOf(fields)
	if err != nil {
		return lock.Record{}, lock.Denied, err
	}
	switch status {
	case 1:
		return *rec, lock.Refreshed, nil
	case 2:
		return *rec, lock.Created, nil
	}
	return *rec, lock.Denied, nil
}
