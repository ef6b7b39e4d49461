package main

import (
	"fmt"

	"github.com/ethpandaops/testoor/pkg/augment"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var augmentRunID uint

var augmentCmd = &cobra.Command{
	Use:   "augment",
	Short: "Resolve abbreviated commit hashes in run metadata",
	Long: `Replace short commit hashes with the full hash from the commit cache and
add the commit summary line. Runs whose prefix matches no commit or more
than one commit are left untouched.`,
	RunE: runAugment,
}

func init() {
	rootCmd.AddCommand(augmentCmd)

	augmentCmd.Flags().UintVar(&augmentRunID, "run", 0, "augment a single run (default: every run)")
}

func runAugment(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopStore(st)

	a := augment.NewAugmentor(log, st, st, cfg.Augment)

	if augmentRunID != 0 {
		status, err := a.Augment(ctx, augmentRunID)
		if err != nil {
			return fmt.Errorf("augmenting run %d: %w", augmentRunID, err)
		}

		log.WithFields(logrus.Fields{
			"run":    augmentRunID,
			"status": status,
		}).Info("Done")

		return nil
	}

	if _, err := a.AugmentPending(ctx); err != nil {
		return fmt.Errorf("augmenting runs: %w", err)
	}

	return nil
}
