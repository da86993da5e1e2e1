package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/graphdiff/internal/server/graph"
)

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>...",
		Short: "Record the change sets of YAML files",
		Long: `Record the change sets of YAML files. A file holds one change set per
YAML document; separate documents with ---. Change sets without a branch are
recorded on the default branch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			total := 0
			for _, path := range args {
				sets, err := readChangeSets(path)
				if err != nil {
					return err
				}
				for i := range sets {
					cs := &sets[i]
					if cs.Branch == "" {
						cs.Branch = e.cfg.DefaultBranch
					}
					if err := e.repo.RecordChangeSet(cmd.Context(), cs); err != nil {
						return fmt.Errorf("%s: change set #%d: %w", path, i+1, err)
					}
				}
				total += len(sets)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d change sets\n", total)
			return nil
		},
	}
}

// readChangeSets decodes every YAML document of path as a change set.
func readChangeSets(path string) ([]graph.ChangeSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening change file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var sets []graph.ChangeSet
	for {
		var cs graph.ChangeSet
		err := dec.Decode(&cs)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: decoding change set #%d: %w", path, len(sets)+1, err)
		}
		sets = append(sets, cs)
	}
	return sets, nil
}
