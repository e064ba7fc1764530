package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// resourceRunCache returns a stable resource_run_id for each
// (run_id, resource_id) pair, coalescing concurrent callers for the
// same key behind a single in-flight resolution. Grounded on
// golang.org/x/sync/singleflight — the idiomatic Go primitive for the
// "coalesced get-or-create" requirement in spec.md §4.5.
type resourceRunCache struct {
	storage Storage
	pool    *handlePool
	group   singleflight.Group

	resolved sync.Map // key -> string (resource_run_id), populated once resolved
}

func newResourceRunCache(storage Storage, pool *handlePool) *resourceRunCache {
	return &resourceRunCache{storage: storage, pool: pool}
}

func cacheKey(runID, resourceID string) string {
	return runID + "\x00" + resourceID
}

// resolve returns the resource_run_id for (runID, resourceID), creating
// the backing row on first appearance. Concurrent callers for the same
// key observe exactly one resolution and receive the same id. Every
// storage round-trip rents a handle from the context's handlePool first
// (spec.md §4.5 "A bounded context pool protects the underlying store
// from connection exhaustion"), so concurrent cache misses can't open
// more storage handles than max_concurrent_contexts allows.
func (c *resourceRunCache) resolve(ctx context.Context, runID, resourceID, resourceType string) (string, error) {
	key := cacheKey(runID, resourceID)
	if v, ok := c.resolved.Load(key); ok {
		return v.(string), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.resolved.Load(key); ok {
			return v.(string), nil
		}
		if err := c.pool.rent(ctx); err != nil {
			return nil, err
		}
		defer c.pool.give()

		if id, found, err := c.storage.GetResourceRunID(ctx, runID, resourceID); err != nil {
			return nil, err
		} else if found {
			c.resolved.Store(key, id)
			return id, nil
		}

		ids, err := c.storage.CreateResourceRunsBatch(ctx, runID, []ResourceRunUpdate{{
			ResourceID:   resourceID,
			ResourceType: resourceType,
		}})
		if err != nil {
			return nil, err
		}
		if len(ids) != 1 || ids[0] == "" {
			// Unique-constraint collision: another writer created the row
			// concurrently outside this process. Re-read the existing row.
			id, found, rerr := c.storage.GetResourceRunID(ctx, runID, resourceID)
			if rerr != nil {
				return nil, rerr
			}
			if !found {
				return nil, fmt.Errorf("pipeline: resource run for %q not found after create", resourceID)
			}
			c.resolved.Store(key, id)
			return id, nil
		}
		c.resolved.Store(key, ids[0])
		return ids[0], nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
