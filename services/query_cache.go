package services

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"docqa-platform/internal/logger"
	"docqa-platform/utils"

	"github.com/redis/go-redis/v9"
)

const queryCachePrefix = "docqa:query_embedding:"

// ModelEmbedder embeds queries and names the model that produced the vectors
type ModelEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// QueryCache keeps query vectors in Redis so repeated searches skip the provider.
// Redis errors never fail a search; the provider is called instead.
type QueryCache struct {
	next  ModelEmbedder
	redis *redis.Client
	ttl   time.Duration
}

func NewQueryCache(next ModelEmbedder, client *redis.Client, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &QueryCache{next: next, redis: client, ttl: ttl}
}

func (q *QueryCache) Model() string {
	return q.next.Model()
}

// EmbedQuery returns the cached vector for text or embeds and caches it
func (q *QueryCache) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := queryCachePrefix + utils.HashKey(q.next.Model(), text)

	lookupCtx, cancel := utils.WithShortTimeout(ctx)
	raw, err := q.redis.Get(lookupCtx, key).Bytes()
	cancel()
	switch {
	case err == nil:
		vec, decodeErr := decodeVector(raw)
		if decodeErr == nil {
			return vec, nil
		}
		logger.Warn("Discarding corrupt cached query embedding", "error", decodeErr)
	case !errors.Is(err, redis.Nil):
		logger.Debug("Query cache lookup failed", "error", err)
	}

	vec, err := q.next.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	payload, err := encodeVector(vec)
	if err != nil {
		logger.Warn("Failed to encode query embedding", "error", err)
		return vec, nil
	}
	storeCtx, cancel := utils.WithShortTimeout(ctx)
	defer cancel()
	if err := q.redis.Set(storeCtx, key, payload, q.ttl).Err(); err != nil {
		logger.Debug("Query cache store failed", "error", err)
	}
	return vec, nil
}

// encodeVector packs little-endian float32s and gzips them
func encodeVector(vec []float32) ([]byte, error) {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return utils.CompressData(buf, utils.CompressionGzip)
}

func decodeVector(payload []byte) ([]float32, error) {
	buf, err := utils.DecompressData(payload, utils.CompressionGzip)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("invalid vector payload length %d", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
