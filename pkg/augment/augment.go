package augment

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// fullHashLen is the length of a full hex SHA-1 commit hash.
const fullHashLen = 40

// Status is the outcome of augmenting one run.
type Status string

const (
	// StatusUpdated means the commit was resolved and metadata rewritten.
	StatusUpdated Status = "updated"
	// StatusUnchanged means the run already carries the resolved values.
	StatusUnchanged Status = "unchanged"
	// StatusUnresolved means no cached commit matched.
	StatusUnresolved Status = "unresolved"
	// StatusAmbiguous means more than one cached commit matched.
	StatusAmbiguous Status = "ambiguous"
)

// CommitHistory is the read-only commit cache.
type CommitHistory interface {
	LookupByPrefix(ctx context.Context, prefix string) ([]store.Commit, error)
}

// MetaStore is the part of the test-run store the Augmentor reads and
// writes.
type MetaStore interface {
	RunMeta(ctx context.Context, runID uint) (map[string]string, error)
	MetaByName(ctx context.Context, name string) ([]store.Meta, error)
	SetMeta(ctx context.Context, runID uint, values map[string]string) error
}

// Augmentor resolves abbreviated commit hashes in run metadata to full
// hashes and adds the commit summary line.
type Augmentor struct {
	log        logrus.FieldLogger
	store      MetaStore
	history    CommitHistory
	commitKey  string
	summaryKey string
	minPrefix  int
}

// NewAugmentor creates a new Augmentor.
func NewAugmentor(
	log logrus.FieldLogger, st MetaStore, history CommitHistory, cfg config.AugmentConfig,
) *Augmentor {
	a := &Augmentor{
		log:        log.WithField("component", "augment"),
		store:      st,
		history:    history,
		commitKey:  cfg.CommitKey,
		summaryKey: cfg.SummaryKey,
		minPrefix:  cfg.MinPrefix,
	}

	if a.commitKey == "" {
		a.commitKey = config.DefaultCommitKey
	}

	if a.summaryKey == "" {
		a.summaryKey = config.DefaultCommitSummaryKey
	}

	if a.minPrefix <= 0 {
		a.minPrefix = config.DefaultMinPrefix
	}

	return a
}

// Augment resolves the commit of one run. Unresolved and ambiguous commits
// are reported, not treated as errors.
func (a *Augmentor) Augment(ctx context.Context, runID uint) (Status, error) {
	meta, err := a.store.RunMeta(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("reading metadata of run %d: %w", runID, err)
	}

	return a.augment(ctx, runID, meta[a.commitKey], meta[a.summaryKey])
}

func (a *Augmentor) augment(ctx context.Context, runID uint, commit, summary string) (Status, error) {
	log := a.log.WithFields(logrus.Fields{
		"run":    runID,
		"commit": commit,
	})

	prefix := strings.ToLower(strings.TrimSpace(commit))
	if len(prefix) < a.minPrefix || len(prefix) > fullHashLen || !isHex(prefix) {
		log.Debug("Commit is not a resolvable hash")

		return StatusUnresolved, nil
	}

	matches, err := a.history.LookupByPrefix(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("looking up commit %s: %w", prefix, err)
	}

	switch len(matches) {
	case 0:
		log.Debug("Commit not found in history")

		return StatusUnresolved, nil
	case 1:
	default:
		log.WithField("matches", len(matches)).Info("Commit prefix is ambiguous")

		return StatusAmbiguous, nil
	}

	full := matches[0].Hash
	line := firstLine(matches[0].Summary)

	if commit == full && summary == line {
		return StatusUnchanged, nil
	}

	changes := make(map[string]string, 2)
	if commit != full {
		changes[a.commitKey] = full
	}

	if summary != line {
		changes[a.summaryKey] = line
	}

	if err := a.store.SetMeta(ctx, runID, changes); err != nil {
		return "", fmt.Errorf("updating commit of run %d: %w", runID, err)
	}

	log.WithField("hash", full).Info("Resolved commit")

	return StatusUpdated, nil
}

// Report tallies the statuses of an AugmentPending pass.
type Report map[Status]int

// AugmentPending augments every run that carries a commit key. Runs that
// are already resolved come back as StatusUnchanged.
func (a *Augmentor) AugmentPending(ctx context.Context) (Report, error) {
	commits, err := a.store.MetaByName(ctx, a.commitKey)
	if err != nil {
		return nil, fmt.Errorf("listing run commits: %w", err)
	}

	summaries, err := a.store.MetaByName(ctx, a.summaryKey)
	if err != nil {
		return nil, fmt.Errorf("listing run commit summaries: %w", err)
	}

	bySummary := make(map[uint]string, len(summaries))
	for _, m := range summaries {
		bySummary[m.RunID] = m.Value
	}

	report := make(Report, 4)

	for _, m := range commits {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		status, err := a.augment(ctx, m.RunID, m.Value, bySummary[m.RunID])
		if err != nil {
			return report, err
		}

		report[status]++
	}

	a.log.WithFields(logrus.Fields{
		"runs":       len(commits),
		"updated":    report[StatusUpdated],
		"unresolved": report[StatusUnresolved],
		"ambiguous":  report[StatusAmbiguous],
	}).Info("Augmentation pass completed")

	return report, nil
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}

	return strings.TrimSpace(s)
}
