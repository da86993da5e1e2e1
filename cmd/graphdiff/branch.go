package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newBranchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage branches",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List branches, the default branch first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, _ := cmd.Flags().GetString("output")
			if err := checkFormat(format, outputJSON, outputYAML, outputSummary); err != nil {
				return err
			}

			e, err := openEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			branches, err := e.repo.ListBranches(cmd.Context())
			if err != nil {
				return err
			}
			if format == outputSummary {
				return printBranches(cmd.OutOrStdout(), branches)
			}
			return render(cmd.OutOrStdout(), format, branches)
		},
	}
	list.Flags().StringP("output", "o", outputSummary, "output format: json, yaml or summary")

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			if s, _ := cmd.Flags().GetString("at"); s != "" {
				t, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				at = t
			}

			e, err := openEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			b, err := e.repo.CreateBranch(cmd.Context(), args[0], at)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created branch %s at %s\n", b.Name, b.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
	create.Flags().String("at", "", "creation time, RFC3339 (default: now)")

	cmd.AddCommand(list, create)
	return cmd
}
