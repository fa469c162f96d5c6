package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"genstudio/internal/catalog"
)

func newModelsCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:          "models",
		Short:        "List the model catalog with credit costs",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				models *catalog.Catalog
				err    error
			)
			if path != "" {
				models, err = catalog.LoadFile(path)
			} else {
				models, err = catalog.Default()
			}
			if err != nil {
				return err
			}
			return writeModels(cmd, models)
		},
	}
	cmd.Flags().StringVar(&path, "catalog", "", "Catalog file (built-in catalog when empty)")
	return cmd
}

func writeModels(cmd *cobra.Command, models *catalog.Catalog) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tCOST\tDEFAULT")
	for _, m := range models.Models() {
		def := ""
		if m.ID == models.DefaultModel() {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.ID, m.Kind(), m.Cost(), def)
	}
	return tw.Flush()
}
