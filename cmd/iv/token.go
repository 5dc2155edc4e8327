package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/interviewer/internal/config"
	"github.com/zulandar/interviewer/internal/media"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		room       string
		identity   string
		name       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a LiveKit join token",
		Long:  "Prints a room join token signed with the configured LiveKit credentials. Useful for joining a room from a test client.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, configPath, room, identity, name, ttl)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to interviewer config file")
	cmd.Flags().StringVar(&room, "room", "", "room name (required)")
	cmd.Flags().StringVar(&identity, "identity", "", "participant identity (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to identity)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to livekit.token_ttl)")
	cmd.MarkFlagRequired("room")
	cmd.MarkFlagRequired("identity")
	return cmd
}

func runToken(cmd *cobra.Command, configPath, room, identity, name string, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if ttl <= 0 {
		ttl = cfg.LiveKit.TokenTTL
	}
	if name == "" {
		name = identity
	}

	issuer, err := media.NewTokenIssuer(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, ttl)
	if err != nil {
		return err
	}
	token, err := issuer.Issue(room, identity, name)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
