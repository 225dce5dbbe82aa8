package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"zela-agent/internal/domain"
)

const (
	pkPrefixCache = "CACHE#"
	skCache       = "ENTRY"
)

func cachePK(key string) string {
	return pkPrefixCache + key
}

// GetCacheEntry returns domain.ErrNotFound when no entry exists. Expired
// entries are returned as stored; callers check validity.
func (c *Client) GetCacheEntry(ctx context.Context, key string) (domain.CacheEntry, error) {
	item, err := c.getItem(ctx, cachePK(key), skCache)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("repository: GetCacheEntry: %w", err)
	}
	if item == nil {
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	e, err := itemToCacheEntry(item)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("repository: GetCacheEntry unmarshal: %w", err)
	}
	return e, nil
}

// PutCacheEntry upserts the entry under its key.
func (c *Client) PutCacheEntry(ctx context.Context, e domain.CacheEntry) error {
	if e.Key == "" {
		return fmt.Errorf("repository: PutCacheEntry: key is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      cacheItem(e),
	})
	if err != nil {
		return fmt.Errorf("repository: PutCacheEntry: %w", err)
	}
	return nil
}

func (c *Client) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int, error) {
	n, err := c.deleteMatching(ctx, scanFilter{
		prefix: pkPrefixCache,
		expr:   "#expiresAt <= :now",
		names:  map[string]string{"#expiresAt": "expiresAt"},
		values: map[string]types.AttributeValue{":now": timeVal(now)},
	})
	if err != nil {
		return n, fmt.Errorf("repository: DeleteExpiredCacheEntries: %w", err)
	}
	return n, nil
}

func (c *Client) DeleteCacheEntriesByKind(ctx context.Context, kind string) (int, error) {
	n, err := c.deleteMatching(ctx, scanFilter{
		prefix: pkPrefixCache,
		expr:   "#kind = :kind",
		names:  map[string]string{"#kind": "kind"},
		values: map[string]types.AttributeValue{":kind": strVal(kind)},
	})
	if err != nil {
		return n, fmt.Errorf("repository: DeleteCacheEntriesByKind: %w", err)
	}
	return n, nil
}

func cacheItem(e domain.CacheEntry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        strVal(cachePK(e.Key)),
		"SK":        strVal(skCache),
		"cacheKey":  strVal(e.Key),
		"kind":      strVal(e.Kind),
		"payload":   strVal(string(e.Payload)),
		"createdAt": timeVal(e.CreatedAt),
		"ttlMs":     numVal(e.TTL.Milliseconds()),
		"expiresAt": timeVal(e.ExpiresAt()),
		"ttl":       &types.AttributeValueMemberN{Value: ttlEpoch(e.ExpiresAt())},
	}
}

func itemToCacheEntry(item map[string]types.AttributeValue) (domain.CacheEntry, error) {
	key, err := strAttr(item, "cacheKey")
	if err != nil {
		return domain.CacheEntry{}, err
	}
	kind, err := strAttr(item, "kind")
	if err != nil {
		return domain.CacheEntry{}, err
	}
	payload, err := strAttr(item, "payload")
	if err != nil {
		return domain.CacheEntry{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.CacheEntry{}, err
	}
	ttlMs, err := int64Attr(item, "ttlMs")
	if err != nil {
		return domain.CacheEntry{}, err
	}
	return domain.CacheEntry{
		Key:       key,
		Kind:      kind,
		Payload:   json.RawMessage(payload),
		CreatedAt: created,
		TTL:       time.Duration(ttlMs) * time.Millisecond,
	}, nil
}
