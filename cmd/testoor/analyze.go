package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethpandaops/testoor/pkg/analysis"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/testrun"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	analyzeOrigin string
	analyzeJob    string
	analyzeCount  int
	analyzeSpan   time.Duration
	analyzeLimit  int
	analyzeOutput string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Classify test histories and summarize runs",
}

var analyzeTestCmd = &cobra.Command{
	Use:   "test <test-id>",
	Short: "Classify one test over the window, per job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalyzer(cmd, func(a *analysis.Analyzer, w analysis.Window, origin testrun.Origin) (any, error) {
			return a.AnalyzeTest(cmd.Context(), origin, args[0], w)
		})
	},
}

var analyzeFlakyCmd = &cobra.Command{
	Use:   "flaky",
	Short: "Rank the flaky tests of an origin",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withAnalyzer(cmd, func(a *analysis.Analyzer, w analysis.Window, origin testrun.Origin) (any, error) {
			if origin == "" {
				return nil, fmt.Errorf("--origin is required")
			}

			limit := a.DefaultFlakyLimit()
			if cmd.Flags().Changed("limit") {
				limit = analyzeLimit
			}

			return a.RankFlaky(cmd.Context(), origin, w, limit)
		})
	},
}

var analyzeRunCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Summarize one stored run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid run id %q", args[0])
		}

		return withAnalyzer(cmd, func(a *analysis.Analyzer, _ analysis.Window, _ testrun.Origin) (any, error) {
			return a.SummarizeRun(cmd.Context(), uint(id))
		})
	},
}

var analyzeOriginCmd = &cobra.Command{
	Use:   "origin",
	Short: "Summarize the runs of an origin over the window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withAnalyzer(cmd, func(a *analysis.Analyzer, w analysis.Window, origin testrun.Origin) (any, error) {
			if origin == "" {
				return nil, fmt.Errorf("--origin is required")
			}

			return a.SummarizeOrigin(cmd.Context(), origin, w)
		})
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.AddCommand(analyzeTestCmd, analyzeFlakyCmd, analyzeRunCmd, analyzeOriginCmd)

	flags := analyzeCmd.PersistentFlags()
	flags.StringVar(&analyzeOrigin, "origin", "", "CI origin (empty: all origins where supported)")
	flags.StringVar(&analyzeJob, "job", "", "restrict to one job (uniquejobname metadata; default: each job separately)")
	flags.IntVar(&analyzeCount, "count", 0, "window size in runs (default: analysis.window_count)")
	flags.DurationVar(&analyzeSpan, "span", 0, "window time span, e.g. 720h (default: analysis.window_span)")
	flags.StringVarP(&analyzeOutput, "output", "o", "yaml", `output format: "yaml" or "json"`)

	analyzeFlakyCmd.Flags().IntVar(&analyzeLimit, "limit", 0, "maximum tests listed (default: analysis.flaky_limit)")
}

type analyzeFunc func(a *analysis.Analyzer, w analysis.Window, origin testrun.Origin) (any, error)

// withAnalyzer opens the store, resolves the window and origin flags, runs
// fn and prints its result.
func withAnalyzer(cmd *cobra.Command, fn analyzeFunc) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var origin testrun.Origin

	if analyzeOrigin != "" {
		if origin, err = testrun.ParseOrigin(analyzeOrigin); err != nil {
			return err
		}
	}

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer stopStore(st)

	a := analysis.NewAnalyzer(log, st, cfg.Analysis)

	out, err := fn(a, window(cmd, cfg), origin)
	if err != nil {
		return err
	}

	return printResult(out)
}

func window(cmd *cobra.Command, cfg *config.Config) analysis.Window {
	w := analysis.Window{Count: cfg.Analysis.WindowCount, Span: cfg.Analysis.WindowSpan, Job: analyzeJob}

	if cmd.Flags().Changed("count") {
		w.Count = analyzeCount
	}

	if cmd.Flags().Changed("span") {
		w.Span = analyzeSpan
	}

	return w
}

func printResult(v any) error {
	switch analyzeOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}

		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", analyzeOutput)
	}
}
