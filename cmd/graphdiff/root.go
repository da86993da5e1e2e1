package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/systemshift/graphdiff/internal/config"
	"github.com/systemshift/graphdiff/internal/schema"
	"github.com/systemshift/graphdiff/internal/server/graph"
	"github.com/systemshift/graphdiff/internal/version"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "graphdiff",
		Short:         "Branch diffs for a branch-aware graph change store",
		Long:          "graphdiff records node and relationship changes per branch and reports what changed on a branch, alongside the default branch.",
		Version:       version.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfgFile, _ := cmd.Flags().GetString("config")
			return config.Init(cfgFile)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default .graphdiff.yaml)")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.String("backend", "", "change store backend: sqlite or neo4j")
	flags.String("db", "", "SQLite database path")
	flags.String("schema", "", "schema file")
	flags.String("default-branch", "", "name of the default branch")

	_ = viper.BindPFlag("backend", flags.Lookup("backend"))
	_ = viper.BindPFlag("sqlite.path", flags.Lookup("db"))
	_ = viper.BindPFlag("schema.path", flags.Lookup("schema"))
	_ = viper.BindPFlag("default_branch", flags.Lookup("default-branch"))

	root.AddCommand(
		newDiffCmd(),
		newConflictsCmd(),
		newBranchCmd(),
		newImportCmd(),
		newSchemaCmd(),
	)
	return root
}

// env is what a command needs to talk to the change store.
type env struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *schema.Registry
	repo     graph.Repository
}

// openEnv loads the configuration, the schema and the change store. A
// missing schema file is an error only when requireSchema is set.
func openEnv(cmd *cobra.Command, requireSchema bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
		cfg.Log.Level = "warn"
	}
	logger := cfg.Log.NewLogger()

	registry, err := schema.Open(cfg.Schema.Path)
	if err != nil {
		if requireSchema || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.Debug("no schema file, continuing without one", slog.String("path", cfg.Schema.Path))
		registry, _ = schema.NewRegistry(schema.Document{})
	}

	repo, err := graph.Open(cmd.Context(), cfg.Store(registry, logger))
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, registry: registry, repo: repo}, nil
}

func (e *env) Close() error {
	return e.repo.Close(context.Background())
}
