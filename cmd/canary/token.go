package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/splax/canary/internal/settings"
	"github.com/splax/canary/pkg/jwt"
)

var (
	tokenCmd = &cobra.Command{
		Use:   "token <operator>",
		Short: "Issue a bearer token for the serve API",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}

	settingsCmd = &cobra.Command{
		Use:   "settings",
		Short: "Inspect or clear remembered deploy settings",
	}

	settingsShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print remembered settings with the password redacted",
		Args:  cobra.NoArgs,
		RunE:  runSettingsShow,
	}

	settingsClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete the remembered settings file",
		Args:  cobra.NoArgs,
		RunE:  runSettingsClear,
	}
)

func init() {
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default from config)")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("CANARY_JWT_SECRET must be set to issue tokens")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = cfg.TokenTTL
	}
	token, err := jwt.GenerateToken(args[0], cfg.JWTSecret, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

type shownSettings struct {
	Path string `json:"path"`
	settings.Settings
	HasPassword bool `json:"has_password"`
}

func runSettingsShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	s, err := store.Load()
	if err != nil && !errors.Is(err, settings.ErrNoKey) {
		return err
	}
	out := shownSettings{Path: store.Path(), Settings: s, HasPassword: s.LastRemotePass != ""}
	out.LastRemotePass = ""
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runSettingsClear(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", store.Path())
	return nil
}
