package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/store"
)

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Inspect and manage quote cases",
}

// -- cases list --

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quote cases",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		thread, _ := cmd.Flags().GetString("thread")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := env.Cases.List(ctx, store.CaseFilter{
			Status:    model.CaseStatus(status),
			ThreadRef: thread,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "cases list")
		}

		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No cases found.")
			return nil
		}

		formatCasesList(os.Stdout, list)
		return nil
	},
}

// caseDetail is the full view printed by cases show.
type caseDetail struct {
	Case     *model.QuoteCase         `json:"case" yaml:"case"`
	Gaps     []model.Gap              `json:"gaps" yaml:"gaps"`
	Runs     []model.PricingRun       `json:"runs" yaml:"runs"`
	Versions []model.QuotationVersion `json:"versions" yaml:"versions"`
}

// -- cases show --

var casesShowCmd = &cobra.Command{
	Use:   "show <case-id>",
	Short: "Show a case with its gaps, runs and versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Cases.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "cases show")
		}
		detail := caseDetail{Case: c}
		if detail.Gaps, err = env.Gaps.List(ctx, c.ID, false); err != nil {
			return eris.Wrap(err, "cases show: gaps")
		}
		if detail.Runs, err = env.Runs.ListRuns(ctx, c.ID); err != nil {
			return eris.Wrap(err, "cases show: runs")
		}
		if detail.Versions, err = env.Versions.List(ctx, c.ID); err != nil {
			return eris.Wrap(err, "cases show: versions")
		}

		format, _ := cmd.Flags().GetString("format")
		return writeDetail(os.Stdout, detail, format)
	},
}

// -- cases archive --

var casesArchiveCmd = &cobra.Command{
	Use:   "archive <case-id>",
	Short: "Archive a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Cases.Archive(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "cases archive")
		}
		fmt.Fprintf(os.Stdout, "Case %s archived.\n", truncateID(c.ID))
		return nil
	},
}

func init() {
	casesListCmd.Flags().String("status", "", "filter by case status (NEED_INFO, READY_TO_PRICE, ...)")
	casesListCmd.Flags().String("thread", "", "filter by thread reference")
	casesListCmd.Flags().Int("limit", 50, "max number of cases to display")

	casesShowCmd.Flags().String("format", "json", "output format (json, yaml)")

	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesShowCmd)
	casesCmd.AddCommand(casesArchiveCmd)
	rootCmd.AddCommand(casesCmd)
}

// formatCasesList writes a tabular list of cases to w.
func formatCasesList(out io.Writer, list []model.QuoteCase) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTHREAD\tSTATUS\tTYPE\tPRIORITY\tCOMPLETE\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t----\t--------\t--------\t-------")

	for _, c := range list {
		thread := c.ThreadRef
		if len(thread) > 30 {
			thread = thread[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
			truncateID(c.ID),
			thread,
			c.Status,
			c.RequestType,
			c.Priority,
			c.Completeness*100,
			c.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// writeDetail encodes detail as indented JSON or YAML.
func writeDetail(out io.Writer, detail caseDetail, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(detail); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return eris.Wrap(enc.Close(), "encode yaml")
	case "json", "":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(detail), "encode json")
	default:
		return eris.Errorf("unknown format %q (want json or yaml)", format)
	}
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
