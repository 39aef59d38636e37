package identity

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotCache keeps recently resolved records in Redis so that guarded
// requests do not hit the store every time.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache instantiates the cache helper. A nil client disables it.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func (c *SnapshotCache) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

// generationTTL outlives any in-flight load by a wide margin.
const generationTTL = 24 * time.Hour

func snapshotKey(externalID string) string {
	return "identity:snapshot:" + externalID
}

func generationKey(externalID string) string {
	return "identity:generation:" + externalID
}

// Get returns a cached record. ok is false on a miss.
func (c *SnapshotCache) Get(ctx context.Context, externalID string) (Record, bool, error) {
	if c == nil || c.client == nil {
		return Record{}, false, nil
	}
	payload, err := c.client.Get(ctx, snapshotKey(externalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, false, err
	}
	return rec.Normalize(), true, nil
}

// putIfCurrent writes the snapshot only while the generation counter still
// holds the value the caller read before loading the record.
var putIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then gen = '0' end
if gen ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Generation returns the eviction counter for externalID. Read it before
// loading a record and pass it to Put.
func (c *SnapshotCache) Generation(ctx context.Context, externalID string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	gen, err := c.client.Get(ctx, generationKey(externalID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Put stores rec for the configured TTL unless the record was invalidated
// after generation was read. stored reports whether the write happened.
func (c *SnapshotCache) Put(ctx context.Context, rec Record, generation int64) (stored bool, err error) {
	if !c.enabled() {
		return false, nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	keys := []string{snapshotKey(rec.ExternalID), generationKey(rec.ExternalID)}
	n, err := putIfCurrent.Run(ctx, c.client, keys, strconv.FormatInt(generation, 10), payload, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Invalidate drops the cached record for externalID and bumps its
// generation so that loads already in flight cannot write it back.
func (c *SnapshotCache) Invalidate(ctx context.Context, externalID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(externalID))
		pipe.Expire(ctx, generationKey(externalID), generationTTL)
		pipe.Del(ctx, snapshotKey(externalID))
		return nil
	})
	return err
}
