package editordata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/and161185/docservice/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, default "docs:"
}

// Redis stores editor data in Redis hashes, strings and sorted-set indexes.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

// Start a force-save unless one is running.
// KEYS[1] = force-save key
// ARGV[1] = new record (json)
// returns {1, record} when started, {0, current} otherwise
var luaStartForceSave = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
  local o = cjson.decode(cur)
  if not o.ended then
    return {0, cur}
  end
end
redis.call("SET", KEYS[1], ARGV[1])
return {1, ARGV[1]}
`)

// End the force-save started at the given time.
// KEYS[1] = force-save key
// ARGV[1] = start time (ms)
// returns 1 when marked ended, 0 when absent or superseded
var luaEndForceSave = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return 0
end
local o = cjson.decode(cur)
if tonumber(o.time or 0) ~= tonumber(ARGV[1]) then
  return 0
end
o.ended = true
redis.call("SET", KEYS[1], cjson.encode(o))
return 1
`)

// Pop members of a sorted set scored at or below now.
// KEYS[1] = index key
// ARGV[1] = now (ms), ARGV[2] = limit
var luaPopDue = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  redis.call("ZREM", KEYS[1], m)
end
return due
`)

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisWithClient(rdb, cfg.Prefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "docs:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// Close closes the client.
func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) docKey(ref DocRef, kind string) string {
	return r.prefix + "doc:{" + ref.member() + "}:" + kind
}

func (r *Redis) presenceIndex() string { return r.prefix + "presence:expire" }
func (r *Redis) timerIndex() string    { return r.prefix + "forcesave:timer" }
func (r *Redis) shutdownSet() string   { return r.prefix + "shutdown" }

// AddPresence stores the connection and pushes the document expiry forward.
func (r *Redis) AddPresence(ctx context.Context, ref DocRef, p Presence, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.docKey(ref, "presence"), p.ConnID, b)
		pipe.ZAdd(ctx, r.presenceIndex(), redis.Z{Score: float64(time.Now().Add(ttl).UnixMilli()), Member: ref.member()})
		return nil
	})
	return err
}

// RemovePresence deletes the connection entry.
func (r *Redis) RemovePresence(ctx context.Context, ref DocRef, connID string) error {
	return r.rdb.HDel(ctx, r.docKey(ref, "presence"), connID).Err()
}

// Presence lists the stored connections.
func (r *Redis) Presence(ctx context.Context, ref DocRef) ([]Presence, error) {
	vals, err := r.rdb.HVals(ctx, r.docKey(ref, "presence")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Presence, 0, len(vals))
	for _, v := range vals {
		var p Presence
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// EditorsCount counts connections that are not view-only.
func (r *Redis) EditorsCount(ctx context.Context, ref DocRef) (int, error) {
	ps, err := r.Presence(ctx, ref)
	if err != nil {
		return 0, err
	}
	return countEditors(ps), nil
}

// GetForceSave reads the force-save record.
func (r *Redis) GetForceSave(ctx context.Context, ref DocRef) (*model.ForceSave, error) {
	v, err := r.rdb.Get(ctx, r.docKey(ref, "forcesave")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeForceSave(v)
}

// StartForceSave atomically starts fs unless another force-save is running.
func (r *Redis) StartForceSave(ctx context.Context, ref DocRef, fs model.ForceSave) (bool, *model.ForceSave, error) {
	b, err := json.Marshal(fs)
	if err != nil {
		return false, nil, err
	}
	res, err := luaStartForceSave.Run(ctx, r.rdb, []string{r.docKey(ref, "forcesave")}, string(b)).Slice()
	if err != nil {
		return false, nil, err
	}
	if len(res) != 2 {
		return false, nil, fmt.Errorf("start force-save: unexpected reply %v", res)
	}
	started, _ := res[0].(int64)
	raw, _ := res[1].(string)
	cur, err := decodeForceSave(raw)
	if err != nil {
		return false, nil, err
	}
	return started == 1, cur, nil
}

// EndForceSave marks the force-save as ended if it is still the one started at startedAt.
func (r *Redis) EndForceSave(ctx context.Context, ref DocRef, startedAt int64) (bool, error) {
	n, err := luaEndForceSave.Run(ctx, r.rdb, []string{r.docKey(ref, "forcesave")}, strconv.FormatInt(startedAt, 10)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetDelSaved reads and deletes the saved flag.
func (r *Redis) GetDelSaved(ctx context.Context, ref DocRef) (*string, error) {
	v, err := r.rdb.GetDel(ctx, r.docKey(ref, "saved")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SetSaved writes the saved flag.
func (r *Redis) SetSaved(ctx context.Context, ref DocRef, val string) error {
	return r.rdb.Set(ctx, r.docKey(ref, "saved"), val, 0).Err()
}

// MarkChanged bumps the change counter.
func (r *Redis) MarkChanged(ctx context.Context, ref DocRef) error {
	return r.rdb.Incr(ctx, r.docKey(ref, "changes")).Err()
}

// HasChanges reports a non-zero change counter.
func (r *Redis) HasChanges(ctx context.Context, ref DocRef) (bool, error) {
	n, err := r.rdb.Get(ctx, r.docKey(ref, "changes")).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NextGeneration increments the document generation counter.
func (r *Redis) NextGeneration(ctx context.Context, ref DocRef) (int, error) {
	n, err := r.rdb.Incr(ctx, r.docKey(ref, "gen")).Result()
	return int(n), err
}

// CleanDocumentOnExit removes the document keys and index entries. The generation counter survives.
func (r *Redis) CleanDocumentOnExit(ctx context.Context, ref DocRef) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			r.docKey(ref, "presence"),
			r.docKey(ref, "forcesave"),
			r.docKey(ref, "saved"),
			r.docKey(ref, "changes"),
		)
		pipe.ZRem(ctx, r.presenceIndex(), ref.member())
		pipe.ZRem(ctx, r.timerIndex(), ref.member())
		return nil
	})
	return err
}

// AddShutdown adds the document to the shutdown set.
func (r *Redis) AddShutdown(ctx context.Context, ref DocRef) error {
	return r.rdb.SAdd(ctx, r.shutdownSet(), ref.member()).Err()
}

// RemoveShutdown removes the document from the shutdown set.
func (r *Redis) RemoveShutdown(ctx context.Context, ref DocRef) error {
	return r.rdb.SRem(ctx, r.shutdownSet(), ref.member()).Err()
}

// ShutdownCount returns the size of the shutdown set.
func (r *Redis) ShutdownCount(ctx context.Context) (int, error) {
	n, err := r.rdb.SCard(ctx, r.shutdownSet()).Result()
	return int(n), err
}

// PresenceExpired pops expired documents from the presence index.
func (r *Redis) PresenceExpired(ctx context.Context, now time.Time, limit int) ([]DocRef, error) {
	return r.popDue(ctx, r.presenceIndex(), now, limit)
}

// SetForceSaveTimer adds the document to the timer index unless already there.
func (r *Redis) SetForceSaveTimer(ctx context.Context, ref DocRef, at time.Time) error {
	return r.rdb.ZAddNX(ctx, r.timerIndex(), redis.Z{Score: float64(at.UnixMilli()), Member: ref.member()}).Err()
}

// ForceSaveTimers pops fired timers.
func (r *Redis) ForceSaveTimers(ctx context.Context, now time.Time, limit int) ([]DocRef, error) {
	return r.popDue(ctx, r.timerIndex(), now, limit)
}

func (r *Redis) popDue(ctx context.Context, key string, now time.Time, limit int) ([]DocRef, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := luaPopDue.Run(ctx, r.rdb, []string{key}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]DocRef, 0, len(members))
	for _, m := range members {
		out = append(out, parseMember(m))
	}
	return out, nil
}

func decodeForceSave(s string) (*model.ForceSave, error) {
	var fs model.ForceSave
	if err := json.Unmarshal([]byte(s), &fs); err != nil {
		return nil, fmt.Errorf("decode force-save: %w", err)
	}
	return &fs, nil
}

func countEditors(ps []Presence) int {
	n := 0
	for _, p := range ps {
		if !p.View {
			n++
		}
	}
	return n
}
