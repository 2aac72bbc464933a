package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stackhaus/mediavault/internal/fault"
)

// Document collection key layout. One logical collection; secondary
// indexes are maintained alongside every write:
//
//	doc:<id>            the document JSON (unique id index)
//	docs:ids            set of all ids, scanned by the reconciler
//	tenant:<t>:docs     zset by created_at, newest first on reverse range
//	tag:<tag>:docs      posting set per tag
const (
	docKeyPrefix  = "doc:"
	docIDsKey     = "docs:ids"
	tenantDocsKey = "tenant:%s:docs"
	tagDocsKey    = "tag:%s:docs"
)

// DocumentCollection is the document-store side of the router: one
// document per CatalogJSON id, holding the original structure verbatim
// plus the tenant id.
type DocumentCollection interface {
	Put(ctx context.Context, doc Document) error
	Get(ctx context.Context, tenantID, id string) (*Document, error)
	Delete(ctx context.Context, tenantID, id string) error
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]Document, error)
	IDs(ctx context.Context) ([]string, error)
	Health(ctx context.Context) error
}

// RedisDocumentCollection implements DocumentCollection on Redis.
type RedisDocumentCollection struct {
	client *redis.Client
}

// NewRedisDocumentCollection creates a collection over an existing client.
func NewRedisDocumentCollection(client *redis.Client) *RedisDocumentCollection {
	return &RedisDocumentCollection{client: client}
}

// Health checks connectivity.
func (c *RedisDocumentCollection) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Put upserts a document and its index entries in one pipeline.
func (c *RedisDocumentCollection) Put(ctx context.Context, doc Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "failed to encode document")
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, docKeyPrefix+doc.ID, payload, 0)
	pipe.SAdd(ctx, docIDsKey, doc.ID)
	pipe.ZAdd(ctx, fmt.Sprintf(tenantDocsKey, doc.TenantID), redis.Z{
		Score:  float64(doc.CreatedAt.UnixNano()),
		Member: doc.ID,
	})
	for _, tag := range doc.Tags {
		pipe.SAdd(ctx, fmt.Sprintf(tagDocsKey, tag), doc.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to write document")
	}
	return nil
}

// Get fetches a document in the tenant's scope.
func (c *RedisDocumentCollection) Get(ctx context.Context, tenantID, id string) (*Document, error) {
	raw, err := c.client.Get(ctx, docKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fault.New(fault.NotFound, "document not found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to read document")
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "corrupt document payload")
	}
	// Scoped reads never reveal other tenants' artifacts. The empty
	// tenant is the reconciler's unscoped access.
	if tenantID != "" && doc.TenantID != tenantID {
		return nil, fault.New(fault.NotFound, "document not found")
	}
	return &doc, nil
}

// Delete removes a document and its index entries. Missing or out-of-scope
// ids yield NotFound.
func (c *RedisDocumentCollection) Delete(ctx context.Context, tenantID, id string) error {
	doc, err := c.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, docKeyPrefix+id)
	pipe.SRem(ctx, docIDsKey, id)
	pipe.ZRem(ctx, fmt.Sprintf(tenantDocsKey, doc.TenantID), id)
	for _, tag := range doc.Tags {
		pipe.SRem(ctx, fmt.Sprintf(tagDocsKey, tag), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(fault.StoreUnavailable, err, "failed to delete document")
	}
	return nil
}

// ListByTenant returns a tenant's documents, newest first.
func (c *RedisDocumentCollection) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := c.client.ZRevRange(ctx, fmt.Sprintf(tenantDocsKey, tenantID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to list documents")
	}

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, err := c.Get(ctx, tenantID, id)
		if fault.Is(err, fault.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

// IDs returns every document id in the collection.
func (c *RedisDocumentCollection) IDs(ctx context.Context) ([]string, error) {
	ids, err := c.client.SMembers(ctx, docIDsKey).Result()
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "failed to list document ids")
	}
	return ids, nil
}
