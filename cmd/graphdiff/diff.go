package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/systemshift/graphdiff/internal/diff"
	"github.com/systemshift/graphdiff/internal/schema"
)

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show the changes of a branch",
		Long: `Show the changes recorded on a branch inside a time window.

By default only user kinds of the schema are reported. --schema-kinds reports
the internal schema kinds instead and --artifacts reports artifact storage changes.`,
		Args: cobra.NoArgs,
		RunE: runDiff,
	}
	addWindowFlags(cmd, true)
	cmd.Flags().StringSlice("kind", nil, "only report these kinds")
	cmd.Flags().Bool("schema-kinds", false, "report the internal schema kinds")
	cmd.Flags().Bool("artifacts", false, "report artifact storage changes")
	cmd.Flags().StringP("output", "o", outputJSON, "output format: json, yaml or summary")
	return cmd
}

func addWindowFlags(cmd *cobra.Command, branchOnly bool) {
	cmd.Flags().StringP("branch", "b", "", "branch to diff (default: the default branch)")
	cmd.Flags().String("from", "", "start of the window, RFC3339 (default: branch creation)")
	cmd.Flags().String("to", "", "end of the window, RFC3339 (default: now)")
	cmd.Flags().Bool("branch-only", branchOnly, "leave out the changes of the default branch")
}

// windowFromFlags reads the diff window flags of cmd.
func windowFromFlags(cmd *cobra.Command, defaultBranch string) (diff.Window, error) {
	branch, _ := cmd.Flags().GetString("branch")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	branchOnly, _ := cmd.Flags().GetBool("branch-only")

	w := diff.Window{Branch: branch, BranchOnly: branchOnly}
	if w.Branch == "" {
		w.Branch = defaultBranch
	}
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return w, fmt.Errorf("invalid --from: %w", err)
		}
		w.From = t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return w, fmt.Errorf("invalid --to: %w", err)
		}
		w.To = t
	}
	if !w.From.IsZero() && !w.To.IsZero() && w.To.Before(w.From) {
		return w, errors.New("--to is before --from")
	}
	return w, nil
}

func runDiff(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("output")
	if err := checkFormat(format, outputJSON, outputYAML, outputSummary); err != nil {
		return err
	}
	artifacts, _ := cmd.Flags().GetBool("artifacts")
	if artifacts && format == outputSummary {
		return errors.New("--artifacts supports json and yaml output only")
	}

	e, err := openEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	w, err := windowFromFlags(cmd, e.cfg.DefaultBranch)
	if err != nil {
		return err
	}

	kinds, err := diffKinds(cmd, e.registry, w.Branch)
	if err != nil {
		return err
	}

	var payload *diff.Payload
	if len(kinds) == 0 {
		// an empty filter would report every kind
		if _, err := e.repo.GetBranch(cmd.Context(), w.Branch); err != nil {
			return err
		}
		payload = diff.EmptyPayload()
	} else {
		builder := diff.NewBuilder(e.repo, e.repo, e.registry, diff.WithLogger(e.logger))
		if payload, err = builder.Build(cmd.Context(), w, kinds); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if artifacts {
		return render(out, format, map[string]interface{}{"diffs": diff.Artifacts(payload)})
	}
	if format == outputSummary {
		return printSummary(out, payload)
	}
	return render(out, format, payload)
}

// diffKinds picks the kind filter of a diff run on branch. By default it is
// every user kind known on branch.
func diffKinds(cmd *cobra.Command, registry *schema.Registry, branch string) ([]string, error) {
	explicit, _ := cmd.Flags().GetStringSlice("kind")
	schemaKinds, _ := cmd.Flags().GetBool("schema-kinds")
	artifacts, _ := cmd.Flags().GetBool("artifacts")

	switch {
	case artifacts && (schemaKinds || len(explicit) > 0):
		return nil, errors.New("--artifacts cannot be combined with --kind or --schema-kinds")
	case artifacts:
		return []string{diff.KindArtifact}, nil
	case schemaKinds && len(explicit) > 0:
		return nil, errors.New("--schema-kinds cannot be combined with --kind")
	case schemaKinds:
		return schema.SchemaKinds, nil
	case len(explicit) > 0:
		return explicit, nil
	}

	return registry.UserKinds(branch), nil
}

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List attribute properties changed on both a branch and the default branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, _ := cmd.Flags().GetString("output")
			if err := checkFormat(format, outputJSON, outputYAML); err != nil {
				return err
			}

			e, err := openEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			w, err := windowFromFlags(cmd, e.cfg.DefaultBranch)
			if err != nil {
				return err
			}
			conflicts, err := e.repo.Conflicts(cmd.Context(), w)
			if err != nil {
				return err
			}
			if conflicts == nil {
				conflicts = []diff.Conflict{}
			}
			return render(cmd.OutOrStdout(), format, map[string]interface{}{"conflicts": conflicts})
		},
	}
	// conflicts only exist when the default branch takes part
	addWindowFlags(cmd, false)
	cmd.Flags().StringP("output", "o", outputJSON, "output format: json or yaml")
	return cmd
}
