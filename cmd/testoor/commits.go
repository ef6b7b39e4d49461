package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var commitsCmd = &cobra.Command{
	Use:   "commits",
	Short: "Manage the commit history cache",
}

var commitsImportCmd = &cobra.Command{
	Use:   "import <file.yaml|->",
	Short: "Import commits into the history cache",
	Long: `Import a YAML list of commits, for example:

  - hash: 0123456789abcdef0123456789abcdef01234567
    parents: [fedcba9876543210fedcba9876543210fedcba98]
    author_date: 2024-06-01T12:00:00Z
    summary: "lib: fix connection reuse"

Existing entries with the same hash are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: runCommitsImport,
}

func init() {
	rootCmd.AddCommand(commitsCmd)
	commitsCmd.AddCommand(commitsImportCmd)
}

type commitEntry struct {
	Hash       string    `yaml:"hash"`
	Parents    []string  `yaml:"parents"`
	AuthorDate time.Time `yaml:"author_date"`
	Summary    string    `yaml:"summary"`
}

func parseCommits(data []byte) ([]store.Commit, error) {
	var entries []commitEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding commits: %w", err)
	}

	commits := make([]store.Commit, 0, len(entries))

	for i, e := range entries {
		hash := strings.ToLower(strings.TrimSpace(e.Hash))
		if len(hash) != 40 || strings.Trim(hash, "0123456789abcdef") != "" {
			return nil, fmt.Errorf("commit %d: invalid hash %q", i, e.Hash)
		}

		commits = append(commits, store.Commit{
			Hash:         hash,
			ParentHashes: strings.Join(e.Parents, " "),
			AuthorDate:   e.AuthorDate.UTC(),
			Summary:      e.Summary,
		})
	}

	return commits, nil
}

func runCommitsImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := readInput(args[0])
	if err != nil {
		return err
	}

	commits, err := parseCommits(data)
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

	if err := st.InsertCommits(ctx, commits); err != nil {
		return err
	}

	log.WithField("commits", len(commits)).Info("Imported commits")

	return nil
}
