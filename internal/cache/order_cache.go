// Package cache keeps paginated order listings in a key-value store. The
// cache is never authoritative: failures fall back to the store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/ports"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

const (
	keyPrefix = "orders:"
	scopeAll  = "all"
)

type OrderCache struct {
	kv     ports.KV
	ttl    time.Duration
	logger *zap.Logger
}

func NewOrderCache(kv ports.KV, ttl time.Duration, logger *zap.Logger) *OrderCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderCache{kv: kv, ttl: ttl, logger: logger}
}

// Scope returns the namespace of a listing: the owner id for scoped listings,
// "all" for unscoped admin listings.
func Scope(ownerID *int64) string {
	if ownerID == nil {
		return scopeAll
	}
	return strconv.FormatInt(*ownerID, 10)
}

// PageKey builds orders:{scope}:page={p}:limit={l}:status={s|all}
func PageKey(filter models.OrderFilter) string {
	status := scopeAll
	if filter.Status != nil {
		status = string(*filter.Status)
	}
	return fmt.Sprintf("%s%s:page=%d:limit=%d:status=%s",
		keyPrefix, Scope(filter.UserID), filter.Page, filter.Limit, status)
}

// GetPage returns the cached page, or ok=false on a miss or a cache failure
func (c *OrderCache) GetPage(ctx context.Context, filter models.OrderFilter) (*models.OrderPage, bool) {
	key := PageKey(filter)

	raw, found, err := c.kv.Get(ctx, key)
	if err != nil {
		util.CacheRequestsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("Order cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !found {
		util.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	var page models.OrderPage
	if err := json.Unmarshal(raw, &page); err != nil {
		util.CacheRequestsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	util.CacheRequestsTotal.WithLabelValues("hit").Inc()
	return &page, true
}

// SetPage stores a page. Failures are logged only.
func (c *OrderCache) SetPage(ctx context.Context, filter models.OrderFilter, page *models.OrderPage) {
	key := PageKey(filter)

	raw, err := json.Marshal(page)
	if err != nil {
		c.logger.Warn("Failed to encode order page", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.kv.Set(ctx, key, raw, c.ttl); err != nil {
		util.CacheRequestsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("Order cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateOwner drops every cached listing that may contain the owner's
// orders: the owner's own namespace and the admin-wide one.
func (c *OrderCache) InvalidateOwner(ctx context.Context, ownerID int64) {
	util.CacheInvalidationsTotal.Inc()
	for _, prefix := range []string{
		keyPrefix + strconv.FormatInt(ownerID, 10) + ":",
		keyPrefix + scopeAll + ":",
	} {
		n, err := c.kv.DeleteByPrefix(ctx, prefix)
		if err != nil {
			util.CacheRequestsTotal.WithLabelValues("error").Inc()
			c.logger.Warn("Order cache invalidation failed", zap.String("prefix", prefix), zap.Error(err))
			continue
		}
		c.logger.Debug("Order cache invalidated", zap.String("prefix", prefix), zap.Int("keys", n))
	}
}
