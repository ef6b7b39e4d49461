package config

import (
	"fmt"

	"github.com/ethpandaops/testoor/pkg/testrun"
)

// Validate checks the configuration for errors. Parser format names are
// validated when the parser registry is built.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres host and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	for origin := range c.Parsers.Origins {
		if !testrun.Origin(origin).Valid() {
			return fmt.Errorf("parsers.origins: unknown origin %q", origin)
		}
	}

	seen := make(map[string]struct{}, len(c.Ingest.Sources))

	for i, src := range c.Ingest.Sources {
		if !testrun.Origin(src.Origin).Valid() {
			return fmt.Errorf("ingest.sources[%d]: unknown origin %q", i, src.Origin)
		}

		if _, dup := seen[src.Origin]; dup {
			return fmt.Errorf("ingest.sources[%d]: duplicate origin %q", i, src.Origin)
		}

		seen[src.Origin] = struct{}{}

		if err := src.validate(); err != nil {
			return fmt.Errorf("ingest.sources[%d] (%s): %w", i, src.Origin, err)
		}
	}

	if c.Augment.MinPrefix < 4 {
		return fmt.Errorf("augment.min_prefix must be at least 4")
	}

	if c.API != nil {
		if err := c.API.validate(); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	return nil
}

func (s *SourceConfig) validate() error {
	switch {
	case s.Local != nil && s.S3 != nil:
		return fmt.Errorf("only one of local or s3 may be set")
	case s.Local != nil:
		if s.Local.Dir == "" {
			return fmt.Errorf("local.dir is required")
		}
	case s.S3 != nil:
		if s.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}
	default:
		return fmt.Errorf("one of local or s3 must be set")
	}

	if s.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}

	return nil
}
