package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented config file with every default",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}

	cmd.Flags().String("key-id", "", "application key ID to store in the new file")

	return cmd
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, redactedConfig(cc.Cfg))
	}

	return config.RenderEffective(cc.Cfg, cc.CfgPath, cc.Stdout)
}

// redactedConfig returns a copy of cfg that is safe to print.
func redactedConfig(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Account.ApplicationKey != "" {
		out.Account.ApplicationKey = "(set)"
	}

	return &out
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	keyID, err := cmd.Flags().GetString("key-id")
	if err != nil {
		return err
	}

	if keyID == "" {
		keyID = cc.Cfg.Account.KeyID
	}

	if err := config.WriteTemplate(cc.CfgPath, keyID, cc.Logger); err != nil {
		return err
	}

	cc.Statusf("Wrote %s\n", cc.CfgPath)

	return nil
}
