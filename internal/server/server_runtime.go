package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/devrelay/internal/debughttp"
	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/events"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	httpMaxHeaderBytes    = 64 << 10
	shutdownTimeout       = 5 * time.Second
	drainTimeout          = 10 * time.Second
)

// Run starts the listeners, workers, and janitor. It blocks until ctx is
// canceled or a component fails, then closes every device connection with
// going-away and flushes the ingest queue.
func (s *Server) Run(ctx context.Context) error {
	setup, err := s.configureTLS()
	if err != nil {
		return err
	}
	if err := debughttp.Start(ctx, s.cfg.PprofListen, s.log.With("component", "debug"), func() any { return s.stats() }); err != nil {
		return fmt.Errorf("debug listener: %w", err)
	}
	if s.cfg.RedisURL != "" {
		bus, err := events.NewRedisBus(ctx, s.cfg.RedisURL, s.cfg.RedisChannel, s.log.With("component", "events"))
		if err != nil {
			return fmt.Errorf("revocation events: %w", err)
		}
		s.bus = bus
		defer func() { _ = bus.Close() }()
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.serve(ctx, ln, setup)
}

func (s *Server) serve(ctx context.Context, ln net.Listener, setup *tlsSetup) error {
	// Workers outlive the listeners so in-flight frames still reach the
	// ingest queue during shutdown.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	workers := s.startWorkers(workerCtx)

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
	}
	if setup != nil {
		srv.TLSConfig = setup.config
		srv.ErrorLog = log.New(newTLSErrorLogWriter(s.log, setup.challenge != nil), "", 0)
	}
	g.Go(func() error {
		s.log.Info("relay listening", "addr", ln.Addr().String(), "tls_mode", s.cfg.TLSMode)
		var err error
		if setup != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})

	var challenge *http.Server
	if setup != nil && setup.challenge != nil {
		challenge = &http.Server{
			Addr:              s.cfg.ListenHTTP,
			Handler:           setup.challenge,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       httpIdleTimeout,
			MaxHeaderBytes:    httpMaxHeaderBytes,
		}
		g.Go(func() error {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTP)
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("challenge server: %w", err)
			}
			return nil
		})
	}

	if s.bus != nil {
		g.Go(func() error {
			return s.bus.Subscribe(gctx, func(ctx context.Context, ev domain.RevocationEvent) {
				if n := s.gate.HandleEvent(ctx, ev); n > 0 {
					s.log.Info("revocation event applied", "kind", ev.Kind, "subject_id", ev.SubjectID, "evicted", n)
				}
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		err := shutdownServer(srv, shutdownTimeout)
		if challenge != nil {
			err = errors.Join(err, shutdownServer(challenge, shutdownTimeout))
		}
		s.closeAllConnections(drainTimeout)
		return err
	})

	runErr := g.Wait()
	stopWorkers()
	return errors.Join(runErr, workers.Wait())
}

// startWorkers runs the ingest dispatcher, correlator deadlines, and janitor
// until ctx is canceled.
func (s *Server) startWorkers(ctx context.Context) *errgroup.Group {
	var g errgroup.Group
	g.Go(func() error { return s.dispatcher.Run(ctx) })
	g.Go(func() error { return s.correlator.Run(ctx) })
	g.Go(func() error {
		s.runJanitor(ctx)
		return nil
	})
	return &g
}
