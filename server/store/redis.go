package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// upsertStateScript refreshes a device hash without ever lowering
// last_seen and without touching the status of an existing row, then
// keeps the last_seen index in step. Status is written only when the
// hash is created.
const upsertStateScript = `
	local last = tonumber(redis.call("hget", KEYS[1], "last_seen"))
	local seen = tonumber(ARGV[2])
	if last then
		if last > seen then seen = last end
	else
		redis.call("hset", KEYS[1], "status", ARGV[3])
	end
	redis.call("hset", KEYS[1], "device_id", ARGV[1], "last_seen", seen, "total_uptime", ARGV[4])
	redis.call("zadd", KEYS[2], seen, ARGV[1])
	return seen
`

// casStatusScript flips status only while both guards still hold.
const casStatusScript = `
	if redis.call("hget", KEYS[1], "status") == ARGV[1] and tonumber(redis.call("hget", KEYS[1], "last_seen")) == tonumber(ARGV[2]) then
		redis.call("hset", KEYS[1], "status", ARGV[3])
		return 1
	end
	return 0
`

// RedisStore keeps reports and device state in Redis. Selected when
// REDIS_URL is set and no DATABASE_URL is present.
type RedisStore struct {
	client *redis.Client

	// Preloaded Lua script SHAs for the atomic state operations
	upsertStateSHA string
	casStatusSHA   string
}

func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	// Preload the Lua scripts so the state mutations stay atomic
	// without resending script text on every call.
	upsertSHA, err := client.ScriptLoad(ctx, upsertStateScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload upsert script: %w", err)
	}
	casSHA, err := client.ScriptLoad(ctx, casStatusScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload status cas script: %w", err)
	}

	return &RedisStore{
		client:         client,
		upsertStateSHA: upsertSHA,
		casStatusSHA:   casSHA,
	}, nil
}

func (s *RedisStore) Close() {
	_ = s.client.Close()
}

// evalScript runs a preloaded script by SHA. A NOSCRIPT reply means
// Redis restarted and lost its script cache, so the script is loaded
// again and the call retried once.
func (s *RedisStore) evalScript(ctx context.Context, sha *string, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := s.client.EvalSha(ctx, *sha, keys, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		*sha, _ = s.client.ScriptLoad(ctx, script).Result()
		res, err = s.client.EvalSha(ctx, *sha, keys, args...).Result()
	}
	return res, err
}

func (s *RedisStore) InsertReport(ctx context.Context, r *Report) error {
	prepareReport(r)
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	member := redis.Z{Score: float64(r.ServerTimestamp), Member: data}
	if err := s.client.ZAdd(ctx, reportsIndexKey, member).Err(); err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, deviceReportsKey(r.DeviceID), member).Err(); err != nil {
		return err
	}
	if r.IsBoot {
		if err := s.client.Incr(ctx, bootCountKey).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) ListReports(ctx context.Context, deviceID string, limit int) ([]Report, error) {
	key := reportsIndexKey
	if deviceID != "" {
		key = deviceReportsKey(deviceID)
	}
	stop := int64(limit - 1)
	if limit <= 0 {
		stop = -1
	}

	members, err := s.client.ZRevRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(members))
	for _, m := range members {
		var r Report
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (s *RedisStore) GetDeviceState(ctx context.Context, deviceID string) (*DeviceState, error) {
	fields, err := s.client.HGetAll(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return stateFromHash(fields)
}

func (s *RedisStore) ListDeviceStates(ctx context.Context) ([]*DeviceState, error) {
	ids, err := s.client.ZRange(ctx, devicesIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	states := make([]*DeviceState, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, deviceKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		st, err := stateFromHash(fields)
		if err != nil {
			continue
		}
		states = append(states, st)
	}
	return states, nil
}

func (s *RedisStore) LatestDeviceState(ctx context.Context) (*DeviceState, error) {
	ids, err := s.client.ZRevRange(ctx, devicesIndexKey, 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.GetDeviceState(ctx, ids[0])
}

func (s *RedisStore) UpsertDeviceState(ctx context.Context, st *DeviceState) error {
	keys := []string{deviceKey(st.DeviceID), devicesIndexKey}
	_, err := s.evalScript(ctx, &s.upsertStateSHA, upsertStateScript, keys,
		st.DeviceID, st.LastSeen, st.Status, st.TotalUptime,
	)
	return err
}

func (s *RedisStore) SetDeviceStatus(ctx context.Context, deviceID, from, to string, lastSeen int64) (bool, error) {
	res, err := s.evalScript(ctx, &s.casStatusSHA, casStatusScript, []string{deviceKey(deviceID)}, from, lastSeen, to)
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from lua script")
	}
	return val == 1, nil
}

func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.client.ZCard(ctx, reportsIndexKey).Result()
	if err != nil {
		return nil, err
	}
	stats := &Stats{TotalUpdates: total}
	if total == 0 {
		return stats, nil
	}

	first, err := s.client.ZRangeWithScores(ctx, reportsIndexKey, 0, 0).Result()
	if err != nil {
		return nil, err
	}
	last, err := s.client.ZRevRangeWithScores(ctx, reportsIndexKey, 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(first) > 0 {
		stats.FirstSeen = int64(first[0].Score)
	}
	if len(last) > 0 {
		stats.LastSeen = int64(last[0].Score)
	}

	boots, err := s.client.Get(ctx, bootCountKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	stats.BootCount = boots
	return stats, nil
}

func stateFromHash(fields map[string]string) (*DeviceState, error) {
	lastSeen, err := strconv.ParseInt(fields["last_seen"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt last_seen field: %w", err)
	}
	totalUptime, _ := strconv.ParseInt(fields["total_uptime"], 10, 64)
	return &DeviceState{
		DeviceID:    fields["device_id"],
		LastSeen:    lastSeen,
		Status:      fields["status"],
		TotalUptime: totalUptime,
	}, nil
}
