package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/ingest"
	"github.com/ethpandaops/testoor/pkg/logparser"
	"github.com/ethpandaops/testoor/pkg/logsource"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/testrun"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	ingestOrigins []string

	ingestFileOrigin string
	ingestFileRunID  string
	ingestFileHints  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest new runs from every configured log source",
	Long: `List the runs of each configured source, skip the ones already stored
and ingest the rest. One worker runs per origin. Per-run failures are
reported and do not stop the pass.`,
	RunE: runIngest,
}

var ingestFileCmd = &cobra.Command{
	Use:   "ingest-file <log-file|->",
	Short: "Ingest a single raw log",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestFile,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(ingestFileCmd)

	ingestCmd.Flags().StringSliceVar(&ingestOrigins, "origin", nil,
		"only ingest these origins (default: all configured sources)")

	ingestFileCmd.Flags().StringVar(&ingestFileOrigin, "origin", "", "CI origin of the run")
	ingestFileCmd.Flags().StringVar(&ingestFileRunID, "run-id", "", "origin-specific run id")
	ingestFileCmd.Flags().StringVar(&ingestFileHints, "hints", "", "path to a hints.json file")

	for _, name := range []string{"origin", "run-id"} {
		if err := ingestFileCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newIngestor(cfg *config.Config, st store.Store) (*ingest.Ingestor, error) {
	registry, err := logparser.NewRegistry(log, cfg.Parsers)
	if err != nil {
		return nil, fmt.Errorf("building parser registry: %w", err)
	}

	return ingest.NewIngestor(log, registry, st), nil
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	wanted := make(map[string]struct{}, len(ingestOrigins))
	for _, o := range ingestOrigins {
		if _, err := testrun.ParseOrigin(o); err != nil {
			return err
		}

		wanted[o] = struct{}{}
	}

	sources := make([]logsource.Source, 0, len(cfg.Ingest.Sources))

	for _, sc := range cfg.Ingest.Sources {
		if _, ok := wanted[sc.Origin]; len(wanted) > 0 && !ok {
			continue
		}

		src, err := logsource.New(sc, cfg.Ingest.MaxLogSize)
		if err != nil {
			return fmt.Errorf("creating source %s: %w", sc.Origin, err)
		}

		sources = append(sources, src)
	}

	if len(sources) == 0 {
		return fmt.Errorf("no log sources configured (ingest.sources)")
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopStore(st)

	ingestor, err := newIngestor(cfg, st)
	if err != nil {
		return err
	}

	report, err := ingest.NewRunner(log, ingestor, sources, cfg.Ingest).Run(ctx)
	if err != nil {
		return fmt.Errorf("ingesting: %w", err)
	}

	if err := report.Err(); err != nil {
		log.WithError(err).Warn("Some runs could not be ingested")
	}

	return nil
}

func runIngestFile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	origin, err := testrun.ParseOrigin(ingestFileOrigin)
	if err != nil {
		return err
	}

	raw, err := readInput(args[0])
	if err != nil {
		return err
	}

	req := ingest.Request{
		Origin:        origin,
		ExternalRunID: ingestFileRunID,
		Log:           raw,
	}

	if ingestFileHints != "" {
		hints, err := readHints(ingestFileHints)
		if err != nil {
			return err
		}

		req.Hints = hints.Meta
		req.StartedAt = hints.StartedAt
		req.FinishedAt = hints.FinishedAt
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopStore(st)

	ingestor, err := newIngestor(cfg, st)
	if err != nil {
		return err
	}

	start := time.Now()

	res, err := ingestor.Ingest(ctx, req)
	if err != nil {
		return err
	}

	if res.Status == ingest.StatusFailed {
		return fmt.Errorf("ingesting %s/%s: %w", res.Origin, res.ExternalRunID, res.Err)
	}

	log.WithFields(logrus.Fields{
		"status":   res.Status,
		"run":      res.RunID,
		"tests":    res.Tests,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Done")

	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}

		return data, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return data, nil
}

func readHints(path string) (*logsource.Hints, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}

	var hints logsource.Hints
	if err := json.Unmarshal(data, &hints); err != nil {
		return nil, fmt.Errorf("decoding hints %s: %w", path, err)
	}

	return &hints, nil
}
