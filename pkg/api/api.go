package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/testoor/pkg/analysis"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Reader is the read side of the test-run store served by the API.
type Reader interface {
	GetRun(ctx context.Context, id uint) (*store.Run, error)
	FindRun(ctx context.Context, origin, externalRunID string) (*store.Run, error)
	RecentRuns(ctx context.Context, q store.RunQuery) ([]store.Run, error)
	RunResults(ctx context.Context, runID uint) ([]store.TestResult, error)
	RunsByMeta(ctx context.Context, name, value string, limit int) ([]store.Run, error)
	TestHistory(ctx context.Context, q store.HistoryQuery) ([]store.HistoryEntry, error)
}

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      Reader
	analyzer   *analysis.Analyzer
	users      map[string][]byte
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new read-only API server. The store lifecycle is
// owned by the caller.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st Reader,
	analyzer *analysis.Analyzer,
) Server {
	return newServer(log, cfg, st, analyzer)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st Reader,
	analyzer *analysis.Analyzer,
) *server {
	users := make(map[string][]byte, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		users[u.Username] = []byte(u.PasswordHash)
	}

	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		store:    st,
		analyzer: analyzer,
		users:    users,
	}
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
