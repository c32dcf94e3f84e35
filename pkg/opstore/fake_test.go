package opstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis implements the client subset in memory so the store's key and
// index bookkeeping can be exercised without a server.
type fakeRedis struct {
	mu       sync.Mutex
	strings  map[string]string
	expireAt map[string]time.Time
	zsets    map[string]map[string]float64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		strings:  map[string]string{},
		expireAt: map[string]time.Time{},
		zsets:    map[string]map[string]float64{},
	}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx, "get", key)
	if exp, ok := f.expireAt[key]; ok && time.Now().After(exp) {
		delete(f.strings, key)
		delete(f.expireAt, key)
	}
	v, ok := f.strings[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx, "set", key)
	switch v := value.(type) {
	case string:
		f.strings[key] = v
	case []byte:
		f.strings[key] = string(v)
	default:
		f.strings[key] = ""
	}
	if expiration > 0 {
		f.expireAt[key] = time.Now().Add(expiration)
	} else {
		delete(f.expireAt, key)
	}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "del")
	var n int64
	for _, k := range keys {
		if _, ok := f.strings[k]; ok {
			delete(f.strings, k)
			delete(f.expireAt, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "zadd", key)
	zs, ok := f.zsets[key]
	if !ok {
		zs = map[string]float64{}
		f.zsets[key] = zs
	}
	var added int64
	for _, m := range members {
		member := m.Member.(string)
		if _, exists := zs[member]; !exists {
			added++
		}
		zs[member] = m.Score
	}
	cmd.SetVal(added)
	return cmd
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "zrem", key)
	zs := f.zsets[key]
	var n int64
	for _, m := range members {
		member, _ := m.(string)
		if _, ok := zs[member]; ok {
			delete(zs, member)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "zremrangebyscore", key)
	lo, hi := parseScore(min, true), parseScore(max, false)
	zs := f.zsets[key]
	var n int64
	for member, score := range zs {
		if score >= lo && score <= hi {
			delete(zs, member)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx, "zrangebyscore", key)
	lo, hi := parseScore(opt.Min, true), parseScore(opt.Max, false)
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for member, score := range f.zsets[key] {
		if score >= lo && score <= hi {
			pairs = append(pairs, pair{member, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewScanCmd(ctx, nil, "scan", cursor, "match", match)
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range f.strings {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	cmd.SetVal(keys, 0)
	return cmd
}

func parseScore(s string, isMin bool) float64 {
	switch s {
	case "-inf":
		return -1 << 62
	case "+inf":
		return 1 << 62
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
