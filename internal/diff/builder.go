package diff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Builder assembles diff payloads from a change source. A Builder holds no
// per-build state and can serve concurrent builds.
type Builder struct {
	source     Source
	labels     LabelResolver
	schema     Schema
	logger     *slog.Logger
	fetchLimit int
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithFetchConcurrency bounds the number of concurrent display label lookups.
func WithFetchConcurrency(n int) Option {
	return func(b *Builder) {
		b.fetchLimit = n
	}
}

// NewBuilder creates a Builder reading changes from source, labels from
// labels and relationship definitions from schema.
func NewBuilder(source Source, labels LabelResolver, schema Schema, opts ...Option) *Builder {
	b := &Builder{
		source:     source,
		labels:     labels,
		schema:     schema,
		logger:     slog.Default(),
		fetchLimit: 8,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build computes the cross-branch diff of window w. When kinds is not empty
// only nodes of those kinds are reported.
func (b *Builder) Build(ctx context.Context, w Window, kinds []string) (payload *Payload, err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		buildsTotal.WithLabelValues(result).Inc()
		buildDuration.Observe(time.Since(start).Seconds())
	}()

	if w.Branch == "" {
		return nil, ErrMissingBranch
	}

	var (
		nodes     []NodeChange
		rels      []RelationshipChange
		conflicts []Conflict
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if nodes, err = b.source.Nodes(gctx, w); err != nil {
			return fmt.Errorf("fetching node changes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if rels, err = b.source.Relationships(gctx, w); err != nil {
			return fmt.Errorf("fetching relationship changes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if conflicts, err = b.source.Conflicts(gctx, w); err != nil {
			return fmt.Errorf("fetching conflicts: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	index := IndexRelationships(rels)
	labels := newLabelCache(b.labels, b.fetchLimit)
	if err := labels.prefetch(ctx, NodeIDsPerKind(nodes, rels)); err != nil {
		return nil, err
	}

	agg := newAggregator(kinds, newSchemaCache(b.schema), labels, b.logger)
	if err := agg.processNodes(nodes, index); err != nil {
		return nil, fmt.Errorf("processing nodes: %w", err)
	}
	if err := agg.processRelationships(index); err != nil {
		return nil, fmt.Errorf("processing relationships: %w", err)
	}

	payload = &Payload{
		Diffs:     agg.result(),
		Conflicts: conflicts,
	}
	if payload.Conflicts == nil {
		payload.Conflicts = []Conflict{}
	}
	payloadEntries.Observe(float64(len(payload.Diffs)))

	b.logger.Debug("diff built",
		slog.String("branch", w.Branch),
		slog.Bool("branch_only", w.BranchOnly),
		slog.Int("node_changes", len(nodes)),
		slog.Int("relationship_changes", len(rels)),
		slog.Int("entries", len(payload.Diffs)),
		slog.Int("conflicts", len(conflicts)),
		slog.Duration("elapsed", time.Since(start)))

	return payload, nil
}
