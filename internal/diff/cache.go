package diff

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// labelCache is a read-through cache of display labels owned by one build.
type labelCache struct {
	resolver LabelResolver
	limit    int

	mu     sync.Mutex
	labels map[string]map[string]string
}

func newLabelCache(resolver LabelResolver, limit int) *labelCache {
	return &labelCache{
		resolver: resolver,
		limit:    limit,
		labels:   make(map[string]map[string]string),
	}
}

// get resolves the labels of ids that are not cached yet.
func (c *labelCache) get(ctx context.Context, branch, kind string, ids []string) error {
	c.mu.Lock()
	known := c.labels[branch]
	var missing []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	c.mu.Unlock()

	if len(missing) == 0 || c.resolver == nil {
		return nil
	}
	resolved, err := c.resolver.DisplayLabels(ctx, branch, kind, missing)
	if err != nil {
		return fmt.Errorf("resolving display labels for %s on %s: %w", kind, branch, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.labels[branch] == nil {
		c.labels[branch] = make(map[string]string)
	}
	for _, id := range missing {
		c.labels[branch][id] = resolved[id]
	}
	return nil
}

// prefetch resolves every (branch, kind) group concurrently.
func (c *labelCache) prefetch(ctx context.Context, idsPerKind map[string]map[string][]string) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.limit > 0 {
		g.SetLimit(c.limit)
	}
	for branch, kinds := range idsPerKind {
		for kind, ids := range kinds {
			g.Go(func() error {
				return c.get(ctx, branch, kind, ids)
			})
		}
	}
	return g.Wait()
}

// branch returns the labels known for branch. The map must not be modified.
func (c *labelCache) branch(name string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.labels[name]
}

type schemaKey struct {
	branch, kind, identifier string
}

type schemaResult struct {
	rel RelationshipSchema
	ok  bool
}

// schemaCache memoizes relationship lookups for one build.
type schemaCache struct {
	schema  Schema
	entries map[schemaKey]schemaResult
}

func newSchemaCache(schema Schema) *schemaCache {
	return &schemaCache{schema: schema, entries: make(map[schemaKey]schemaResult)}
}

func (c *schemaCache) relationship(branch, kind, identifier string) (RelationshipSchema, bool) {
	key := schemaKey{branch, kind, identifier}
	if res, ok := c.entries[key]; ok {
		return res.rel, res.ok
	}
	var res schemaResult
	if c.schema != nil {
		res.rel, res.ok = c.schema.RelationshipByIdentifier(branch, kind, identifier)
	}
	c.entries[key] = res
	return res.rel, res.ok
}
