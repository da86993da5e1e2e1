package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systemshift/graphdiff/internal/config"
	"github.com/systemshift/graphdiff/internal/schema"
)

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect the schema file",
	}

	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a schema file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, path, err := loadSchema(args)
			if err != nil {
				return err
			}
			kinds := registry.Kinds()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d kinds, %d branch overrides\n",
				path, len(kinds), len(registry.Document().Branches))
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show [file]",
		Short: "Print the schema as the engine reads it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")
			if err := checkFormat(format, outputJSON, outputYAML); err != nil {
				return err
			}
			registry, _, err := loadSchema(args)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), format, registry.Document())
		},
	}
	show.Flags().StringP("output", "o", outputYAML, "output format: json or yaml")

	cmd.AddCommand(validate, show)
	return cmd
}

// loadSchema opens the schema file named in args, or the configured one.
func loadSchema(args []string) (*schema.Registry, string, error) {
	path := ""
	if len(args) > 0 {
		path = args[0]
	} else {
		cfg, err := config.Load()
		if err != nil {
			return nil, "", err
		}
		path = cfg.Schema.Path
	}
	registry, err := schema.Open(path)
	if err != nil {
		return nil, path, err
	}
	return registry, path, nil
}
