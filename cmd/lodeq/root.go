package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"lode/internal/config"
	"lode/internal/ids"
	"lode/internal/query"
	"lode/internal/runpaths"
	"lode/internal/services"
)

type commandContext struct {
	configFlag     string
	runID          string
	controlRunRoot string
	cacheRoot      string

	cfg *config.Config
}

func (ctx *commandContext) ensureConfig() (*config.Config, error) {
	if ctx.cfg != nil {
		return ctx.cfg, nil
	}
	cfg, _, _, err := config.Load(ctx.configFlag)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "config", "", err)
	}
	ctx.cfg = cfg
	return cfg, nil
}

// engine resolves the run layout from flags and configuration. The query
// surface is read-only; it never creates directories.
func (ctx *commandContext) engine() (*query.Engine, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ctx.runID) == "" {
		return nil, services.Wrap(services.ErrValidation, "query", "", "--run-id is required", nil)
	}
	controlRoot := ctx.controlRunRoot
	if controlRoot == "" {
		controlRoot = filepath.Join(cfg.Paths.ReportsRoot, ctx.runID)
	}
	cacheRoot := ctx.cacheRoot
	if cacheRoot == "" {
		cacheRoot = cfg.Paths.CacheRoot
	}
	paths := runpaths.New(ctx.runID, controlRoot,
		filepath.Join(cacheRoot, ctx.runID), cfg.Paths.PDFRoot, cfg.Paths.RegistryRoot)
	return query.NewEngine(paths, cfg.Query.GuidelinePointer), nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "lodeq",
		Short:         "Deterministic query engine over a mining run",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path")
	flags.StringVar(&ctx.runID, "run-id", "", "Run identity to query")
	flags.StringVar(&ctx.controlRunRoot, "control-run-root", "", "Control-plane root for the run")
	flags.StringVar(&ctx.cacheRoot, "cache-root", "", "Data-plane cache root override")

	rootCmd.AddCommand(newIndexCommand(ctx))
	rootCmd.AddCommand(newSearchCommand(ctx))
	rootCmd.AddCommand(newExplainCommand(ctx))
	rootCmd.AddCommand(newMintIDCommand())

	return rootCmd
}

// newMintIDCommand mints a traceability ID for the authored-document layer.
// Files passed as arguments are scanned for IDs already in circulation so
// the fresh ID cannot collide with them.
func newMintIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mint-id [file...]",
		Short: "Mint a fresh traceability ID, avoiding IDs found in the given files",
		RunE: func(cmd *cobra.Command, args []string) error {
			existing := make(map[string]struct{})
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return services.Wrap(services.ErrValidation, "mint-id", "", "", err)
				}
				for _, id := range ids.Scan(string(data)) {
					existing[id] = struct{}{}
				}
			}
			id, err := ids.Mint(existing)
			if err != nil {
				return services.Wrap(services.ErrValidation, "mint-id", "", "", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

func newIndexCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Build the SQLite query index from the prewarm cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.engine()
			if err != nil {
				return err
			}
			manifest, err := engine.BuildIndex(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd, manifest)
		},
	}
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var opts query.SearchOptions
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the index for a word or phrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.engine()
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if opts.Limit == 0 {
				opts.Limit = cfg.Query.ResultLimit
			}
			result, err := engine.Search(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd, result)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Word, "word", "", "Single-token word query")
	flags.StringVar(&opts.Phrase, "phrase", "", "Phrase query")
	flags.StringVar(&opts.Part, "part", "", "Filter by part")
	flags.StringVar(&opts.UnitType, "unit-type", "", "Filter by unit type")
	flags.IntVar(&opts.Page, "page", 0, "Filter by page")
	flags.StringVar(&opts.AnchorID, "anchor-id", "", "Filter by anchor id")
	flags.StringVar(&opts.Clause, "clause", "", "Filter by clause")
	flags.BoolVar(&opts.Quote, "quote", false, "Include brief verbatim quotes")
	flags.IntVar(&opts.Limit, "limit", 0, "Maximum hits (0 = configured default)")
	return cmd
}

func newExplainCommand(ctx *commandContext) *cobra.Command {
	var opts query.ExplainOptions
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Trace an anchor or unit back to its extraction lineage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.engine()
			if err != nil {
				return err
			}
			explanation, err := engine.Explain(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd, explanation)
		},
	}
	cmd.Flags().StringVar(&opts.AnchorID, "anchor-id", "", "Anchor id to explain")
	cmd.Flags().StringVar(&opts.UnitID, "unit-id", "", "Unit id to explain")
	return cmd
}
