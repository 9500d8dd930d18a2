package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lode/internal/config"
	"lode/internal/services"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lode configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ctx.configFlag
			if path == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return services.Wrap(services.ErrConfiguration, "", "config", "", err)
				}
				path = defaultPath
			}
			if _, err := os.Stat(path); err == nil {
				return services.Wrap(services.ErrConfiguration, "", "config",
					fmt.Sprintf("%s already exists", path), nil)
			}
			if err := config.CreateSample(path); err != nil {
				return services.Wrap(services.ErrConfiguration, "", "config", "", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration roots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			rows := [][]string{
				{"reports_root", cfg.Paths.ReportsRoot},
				{"cache_root", cfg.Paths.CacheRoot},
				{"registry_root", cfg.Paths.RegistryRoot},
				{"pdf_root", cfg.Paths.PDFRoot},
				{"log_dir", cfg.Paths.LogDir},
				{"mode", cfg.Source.Mode},
				{"pdfset", cfg.Source.PDFSet},
				{"relevant_policy", cfg.Source.RelevantPolicy},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRows(
				[]string{"KEY", "VALUE"}, rows,
				[]columnAlignment{alignLeft, alignLeft}))
			return nil
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}
