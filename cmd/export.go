package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <version-id>",
	Short: "Render a quotation version as a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		v, err := env.Versions.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "export: load version")
		}
		c, err := env.Cases.Get(ctx, v.CaseID)
		if err != nil {
			return eris.Wrap(err, "export: load case")
		}

		art, err := env.Exporter.Export(c, v)
		if err != nil {
			return eris.Wrap(err, "export")
		}
		fmt.Fprintf(os.Stdout, "Wrote %s\n%s\n", art.Path, art.URL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
