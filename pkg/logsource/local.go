package logsource

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethpandaops/testoor/pkg/config"
)

// Compile-time interface check.
var _ backend = (*localBackend)(nil)

type localBackend struct {
	dir string
}

func newLocalBackend(cfg *config.LocalSourceConfig) *localBackend {
	return &localBackend{dir: cfg.Dir}
}

// listRunIDs returns the names of the directories under dir that hold a
// log file.
func (b *localBackend) listRunIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading source directory: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		if _, err := os.Stat(filepath.Join(b.dir, e.Name(), LogFile)); err != nil {
			continue
		}

		ids = append(ids, e.Name())
	}

	sort.Strings(ids)

	return ids, nil
}

func (b *localBackend) open(_ context.Context, runID, name string) (io.ReadCloser, error) {
	if runID == "" || runID != filepath.Base(runID) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}

	p := filepath.Join(b.dir, runID, name)

	f, err := os.Open(p) //nolint:gosec // trusted paths from config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("opening %s: %w", p, err)
	}

	return f, nil
}
