package server

import (
	"context"
	"errors"
	"time"
)

const purgeTimeout = 30 * time.Second

func (s *Server) runJanitor(ctx context.Context) {
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	bucketTicker := time.NewTicker(connectCleanupAge)
	defer cleanupTicker.Stop()
	defer bucketTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			s.purgeCommands(time.Now())
		case <-bucketTicker.C:
			if n := s.connLimiter.cleanup(); n > 0 {
				s.log.Debug("rate limit buckets released", "count", n)
			}
			s.purgeDataEvents(ctx, time.Now())
		}
	}
}

// purgeCommands drops batches first so their commands become eligible in
// the same pass.
func (s *Server) purgeCommands(now time.Time) {
	cutoff := now.Add(-s.cfg.CommandRetention)
	batches := s.batches.Purge(cutoff)
	commands := s.correlator.Purge(cutoff, s.batches.Holds)
	if batches > 0 || commands > 0 {
		s.log.Debug("purged resolved commands", "commands", commands, "batches", batches)
	}
}

func (s *Server) purgeDataEvents(ctx context.Context, now time.Time) {
	purgeCtx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()
	n, err := s.store.PurgeDataEvents(purgeCtx, now.Add(-s.cfg.DataRetention))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("data retention purge failed", "err", err)
		}
		return
	}
	if n > 0 {
		s.log.Info("purged expired data events", "count", n)
	}
}
