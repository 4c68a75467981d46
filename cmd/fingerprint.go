package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quote-desk/internal/fingerprint"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint [file]",
	Short: "Print the canonical fingerprint of a JSON document or an id set",
	Long:  "Reads a JSON document from file (or stdin) and prints its canonical SHA-256 fingerprint. With --set, fingerprints the given source ids as an unordered set instead.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, _ := cmd.Flags().GetStringSlice("set")
		if len(ids) > 0 {
			sum, err := fingerprint.OfSet(ids)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, sum)
			return nil
		}

		in := io.Reader(os.Stdin)
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return eris.Wrap(err, "open input")
			}
			defer f.Close() //nolint:errcheck
			in = f
		}

		sum, canonical, err := fingerprintJSON(in)
		if err != nil {
			return err
		}
		if show, _ := cmd.Flags().GetBool("canonical"); show {
			fmt.Fprintln(os.Stdout, canonical)
		}
		fmt.Fprintln(os.Stdout, sum)
		return nil
	},
}

func init() {
	fingerprintCmd.Flags().StringSlice("set", nil, "comma-separated source ids to fingerprint as a set")
	fingerprintCmd.Flags().Bool("canonical", false, "also print the canonical encoding")
	rootCmd.AddCommand(fingerprintCmd)
}

// fingerprintJSON decodes one JSON document and returns its fingerprint and
// canonical encoding.
func fingerprintJSON(in io.Reader) (string, string, error) {
	dec := json.NewDecoder(in)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", "", eris.Wrap(err, "decode input")
	}
	canonical, err := fingerprint.Canonical(doc)
	if err != nil {
		return "", "", eris.Wrap(err, "canonicalize")
	}
	sum, err := fingerprint.Sum(doc)
	if err != nil {
		return "", "", eris.Wrap(err, "fingerprint")
	}
	return sum, string(canonical), nil
}
