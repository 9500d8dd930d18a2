package main

import (
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"lode/internal/config"
	"lode/internal/logging"
	"lode/internal/pipeline"
	"lode/internal/services"
)

// commandContext carries flag values and lazily loaded configuration shared
// by every subcommand.
type commandContext struct {
	configFlag string

	runID            string
	controlRunRoot   string
	pdfRoot          string
	sourcePDFSet     string
	relevantPolicy   string
	extractionPolicy string
	mode             string
	lockSourceHashes bool
	dryRun           bool

	cfg    *config.Config
	logger *slog.Logger
}

func (ctx *commandContext) ensureConfig() (*config.Config, error) {
	if ctx.cfg != nil {
		return ctx.cfg, nil
	}
	cfg, _, _, err := config.Load(ctx.configFlag)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "config", "", err)
	}
	if !ctx.dryRun {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "", "config", "", err)
		}
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		OutputPaths: []string{
			"stderr",
			filepath.Join(cfg.Paths.LogDir, "lode.log"),
		},
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "config", "", err)
	}
	ctx.cfg = cfg
	ctx.logger = logger
	return cfg, nil
}

func (ctx *commandContext) runOptions() pipeline.RunOptions {
	return pipeline.RunOptions{
		RunID:            ctx.runID,
		ControlRunRoot:   ctx.controlRunRoot,
		PDFRoot:          ctx.pdfRoot,
		SourcePDFSet:     ctx.sourcePDFSet,
		RelevantPolicy:   ctx.relevantPolicy,
		ExtractionPolicy: ctx.extractionPolicy,
		Mode:             ctx.mode,
		LockSourceHashes: ctx.lockSourceHashes,
		DryRun:           ctx.dryRun,
		Logger:           ctx.logger,
	}
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "lode",
		Short:         "Crash-safe standards-corpus mining pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path")
	flags.StringVar(&ctx.runID, "run-id", "", "Run identity; omit to mint a new run")
	flags.StringVar(&ctx.controlRunRoot, "control-run-root", "", "Control-plane root for this run")
	flags.StringVar(&ctx.pdfRoot, "pdf-root", "", "Source PDF root override")
	flags.StringVar(&ctx.sourcePDFSet, "source-pdfset", "", "Source pdfset descriptor path")
	flags.StringVar(&ctx.relevantPolicy, "relevant-policy", "", "Relevance policy descriptor path")
	flags.StringVar(&ctx.extractionPolicy, "extraction-policy", "", "Extraction policy descriptor path")
	flags.StringVar(&ctx.mode, "mode", "", "Source mode: fixture_ci or licensed_local")
	flags.BoolVar(&ctx.lockSourceHashes, "lock-source-hashes", false, "Lock PENDING source hashes into the pdfset descriptor")
	flags.BoolVar(&ctx.dryRun, "dry-run", false, "Compute decisions without persisting anything")

	for _, cmd := range newPhaseCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
