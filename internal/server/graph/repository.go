package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
)

var (
	// ErrBranchNotFound is returned for operations naming an unknown branch.
	ErrBranchNotFound = errors.New("branch not found")
	// ErrBranchExists is returned when creating a branch that already exists.
	ErrBranchExists = errors.New("branch already exists")
	// ErrUnsupported is returned for backends or operations a store does not provide.
	ErrUnsupported = errors.New("unsupported")
	// ErrInvalidChangeSet is returned for change sets that fail validation.
	ErrInvalidChangeSet = errors.New("invalid change set")
)

// Repository defines the interface for change storage backends.
// Both SQLite and Neo4j implement this interface.
type Repository interface {
	diff.Source
	diff.LabelResolver

	// Lifecycle
	Close(ctx context.Context) error
	EnsureIndexes(ctx context.Context) error

	// Branches
	CreateBranch(ctx context.Context, name string, at time.Time) (*Branch, error)
	GetBranch(ctx context.Context, name string) (*Branch, error)
	ListBranches(ctx context.Context) ([]Branch, error)

	// Change recording
	RecordChangeSet(ctx context.Context, cs *ChangeSet) error
}

// LabelFields tells which attributes render the display label of a kind.
type LabelFields interface {
	DisplayLabelFields(branch, kind string) []string
}

// Branch is a named line of changes.
type Branch struct {
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	IsDefault bool      `json:"is_default" yaml:"is_default"`
}

// Config selects and configures a store.
type Config struct {
	Backend       string
	SQLitePath    string
	Neo4j         Neo4jConfig
	DefaultBranch string
	Labels        LabelFields
	Logger        *slog.Logger
}

// Open creates the store selected by cfg.Backend and makes sure the default
// branch exists.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var (
		repo Repository
		err  error
	)
	switch cfg.Backend {
	case "", "sqlite":
		repo, err = NewSQLite(ctx, cfg.SQLitePath, cfg.DefaultBranch, cfg.Labels)
	case "neo4j":
		repo, err = NewNeo4j(ctx, cfg.Neo4j, cfg.DefaultBranch, cfg.Labels)
	default:
		return nil, fmt.Errorf("%w: backend %q", ErrUnsupported, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := repo.EnsureIndexes(ctx); err != nil {
		repo.Close(ctx)
		return nil, fmt.Errorf("ensuring indexes: %w", err)
	}
	if _, err := repo.CreateBranch(ctx, cfg.DefaultBranch, time.Time{}); err != nil && !errors.Is(err, ErrBranchExists) {
		repo.Close(ctx)
		return nil, fmt.Errorf("creating default branch: %w", err)
	}
	cfg.Logger.Info("change store ready",
		slog.String("backend", cfg.Backend),
		slog.String("default_branch", cfg.DefaultBranch))
	return repo, nil
}

// windowBranches returns the branches a window reads, the requested branch first.
func windowBranches(w diff.Window, defaultBranch string) []string {
	if w.BranchOnly || w.Branch == defaultBranch {
		return []string{w.Branch}
	}
	return []string{w.Branch, defaultBranch}
}

// resolveWindow fills the open ends of w: From defaults to the creation time
// of the branch, To to now.
func resolveWindow(w diff.Window, branch *Branch, now time.Time) diff.Window {
	if w.From.IsZero() {
		w.From = branch.CreatedAt
	}
	if w.To.IsZero() {
		w.To = now
	}
	return w
}
