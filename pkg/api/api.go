// Package api serves the aligned score views of the interop score
// repository as read-only JSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/interopscore/pkg/aligned"
	"github.com/ethpandaops/interopscore/pkg/config"
	"github.com/ethpandaops/interopscore/pkg/interop"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// TableSource resolves the column layout of a dataset year.
type TableSource interface {
	Table(ctx context.Context, year int) (aligned.Table, error)
}

// CategorySource resolves the scored categories of a dataset year.
type CategorySource interface {
	Categories(ctx context.Context, year int, onlyActive bool) (interop.Categories, error)
}

// Options wires the server to the data it serves.
type Options struct {
	// Root is the interop score repository.
	Root string
	// Channels are the channels that may be requested.
	Channels []string
	Tables   TableSource
}

// Compile-time interface checks.
var (
	_ Server      = (*server)(nil)
	_ TableSource = (*datasetTables)(nil)
)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	opts       Options
	channels   map[string]struct{}
	limiter    *rateLimiterMap
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.APIConfig, opts Options) Server {
	return newServer(log, cfg, opts)
}

func newServer(log logrus.FieldLogger, cfg *config.APIConfig, opts Options) *server {
	channels := make(map[string]struct{}, len(opts.Channels))
	for _, ch := range opts.Channels {
		channels[ch] = struct{}{}
	}

	s := &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		opts:     opts,
		channels: channels,
	}

	if cfg.RequestsPerMinute > 0 {
		s.limiter = newRateLimiterMap(cfg.RequestsPerMinute)
	}

	return s
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	if s.limiter != nil {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			s.limiter.cleanup()
		}()
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	if s.limiter != nil {
		s.limiter.stop()
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

type datasetTables struct {
	categories CategorySource
}

// NewDatasetTables resolves tables from the dataset registry and the
// active categories of each year.
func NewDatasetTables(categories CategorySource) TableSource {
	return &datasetTables{categories: categories}
}

func (d *datasetTables) Table(ctx context.Context, year int) (aligned.Table, error) {
	dataset, err := interop.Lookup(year)
	if err != nil {
		return aligned.Table{}, err
	}

	categories, err := d.categories.Categories(ctx, year, true)
	if err != nil {
		return aligned.Table{}, fmt.Errorf("resolving categories: %w", err)
	}

	return aligned.NewTable(dataset.Products, categories.Names()), nil
}
