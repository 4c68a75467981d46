package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quote-desk/internal/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an API bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.JWTSecret == "" {
			return eris.New("auth.jwt_secret is required (QUOTE_AUTH_JWT_SECRET)")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		tok, err := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
