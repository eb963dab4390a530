package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmynk/settlementd/internal/auth"
	"github.com/mmynk/settlementd/internal/signing"
)

func newKeygenCmd() *cobra.Command {
	var (
		keyFile string
		name    string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key and print the party fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(keyFile); err == nil && !force {
				return fmt.Errorf("key file %s already exists (use --force to overwrite)", keyFile)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			_, key, err := ed25519.GenerateKey(nil)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			if err := signing.WriteKeyFile(keyFile, key); err != nil {
				return err
			}

			party := signing.NewKeySigner(name, key).Party()
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", party.Name, party.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", "./data/settlement.key", "where to write the key")
	cmd.Flags().StringVar(&name, "name", "", "party name to print the identity for")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")

	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret   string
		operator string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for a node's settlement API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("SETTLEMENT_JWT_SECRET")
			}
			if secret == "" {
				return errors.New("jwt-secret is required")
			}
			token, err := auth.NewJWTManager(secret, ttl).Generate(operator)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "operator token secret (default $SETTLEMENT_JWT_SECRET)")
	cmd.Flags().StringVar(&operator, "operator", "", "operator name to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", operatorTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
