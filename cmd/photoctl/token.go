package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"civicphoto/internal/security"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development access token for the photo API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.IsProduction() {
			return errors.New("refusing to mint tokens in production")
		}

		user, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		scopes, _ := cmd.Flags().GetStringSlice("scope")

		token, err := security.GenerateAccessToken(cfg.Security.JWTAccessSecret, user, scopes, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "owner id placed in the token subject")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().StringSlice("scope", []string{"photos:write"}, "scopes to embed")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
