package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedGateway caches resolved rosters in Redis with a short TTL so repeated
// escalations at the same facility do not hammer the directory. Cache errors
// fall through to the inner gateway.
type CachedGateway struct {
	inner  Gateway
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedGateway wraps a gateway with a Redis roster cache
func NewCachedGateway(inner Gateway, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedGateway {
	return &CachedGateway{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func rosterKey(facilityID uuid.UUID, selector string) string {
	return fmt.Sprintf("codeblue:roster:%s:%s", facilityID, selector)
}

// ResolveOnDutyRecipients serves from cache when possible, resolving and
// caching on a miss
func (g *CachedGateway) ResolveOnDutyRecipients(ctx context.Context, facilityID uuid.UUID, selector string, at time.Time) ([]uuid.UUID, error) {
	key := rosterKey(facilityID, selector)

	cached, err := g.client.Get(ctx, key).Result()
	if err == nil {
		var recipients []uuid.UUID
		if jsonErr := json.Unmarshal([]byte(cached), &recipients); jsonErr == nil {
			return recipients, nil
		}
		// Unreadable entry, drop it and resolve fresh
		g.client.Del(ctx, key)
	} else if err != redis.Nil {
		g.logger.Warn("Roster cache read failed", zap.String("key", key), zap.Error(err))
	}

	recipients, err := g.inner.ResolveOnDutyRecipients(ctx, facilityID, selector, at)
	if err != nil {
		return nil, err
	}

	if payload, jsonErr := json.Marshal(recipients); jsonErr == nil {
		if setErr := g.client.Set(ctx, key, payload, g.ttl).Err(); setErr != nil {
			g.logger.Warn("Roster cache write failed", zap.String("key", key), zap.Error(setErr))
		}
	}

	return recipients, nil
}
