// Package api serves stored queries, runs and results over HTTP, plus a
// server-sent event stream of live run progress.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/config"
	"github.com/ethpandaops/querybenchoor/pkg/events"
	"github.com/ethpandaops/querybenchoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr returns the bound listen address once started.
	Addr() string
}

// ArtifactReader lists and fetches uploaded run artifacts.
type ArtifactReader interface {
	ListRunDirs(ctx context.Context) ([]string, error)
	GetRunArtifact(ctx context.Context, runDir, name string) ([]byte, error)
}

// Options carries the optional collaborators of the server.
type Options struct {
	// ResultsDir is the local directory run reports are written to.
	ResultsDir string
	// Fs backs ResultsDir. Defaults to the OS filesystem.
	Fs afero.Fs
	// Remote serves artifacts missing locally. Optional.
	Remote ArtifactReader
	// Hub feeds the event stream. Optional.
	Hub *events.Hub
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Store
	artifacts  *artifactServer
	remote     ArtifactReader
	hub        *events.Hub
	httpServer *http.Server
	addr       string
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server over an already started store.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st store.Store,
	opts Options,
) Server {
	return newServer(log, cfg, st, opts)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st store.Store,
	opts Options,
) *server {
	log = log.WithField("component", "api")

	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	return &server{
		log:       log,
		cfg:       cfg,
		store:     st,
		artifacts: newArtifactServer(log, opts.Fs, opts.ResultsDir),
		remote:    opts.Remote,
		hub:       opts.Hub,
		done:      make(chan struct{}),
	}
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

	s.addr = ln.Addr().String()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.addr).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. The store is owned by the
// caller and left open.
func (s *server) Stop() error {
	select {
	case <-s.done:
		return nil
	default:
		// Closing done also ends open event streams.
		close(s.done)
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

func (s *server) Addr() string {
	return s.addr
}
