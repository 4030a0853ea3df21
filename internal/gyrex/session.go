package gyrex

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gyrex/internal/cloud"
	"gyrex/internal/constants"
	"gyrex/internal/gate"
	"gyrex/internal/jobs"
	"gyrex/internal/lock"
	"gyrex/internal/models/config"
	"gyrex/internal/preferences"
	"gyrex/internal/schedule"
	"gyrex/internal/store"
)

// Session is a connection for administrative tools. It uses the same backends as a
// node but neither joins the cluster nor consumes queues.
type Session struct {
	Gate      gate.Gate
	Locks     lock.DistributedLockManager
	Store     store.JobStore
	Admin     *cloud.Admin
	Schedules *schedule.Store
	Contexts  *jobs.Contexts

	closers []func() error
}

// Connect opens a session. Of the options only WithGate and WithLogger apply.
func Connect(ctx context.Context, cfg *config.GyrexConfig, opts ...Option) (_ *Session, err error) {
	o := &setupOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger

	s := &Session{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.Gate = o.gate
	if s.Gate == nil {
		if s.Gate, err = CreateGate(ctx, cfg, logger); err != nil {
			return nil, fmt.Errorf("failed to connect coordination service: %w", err)
		}
	}
	s.closers = append(s.closers, s.Gate.Close)

	conns, err := openConnections(ctx, cfg, &s.closers)
	if err != nil {
		return nil, err
	}
	if s.Locks, err = CreateLockManager(cfg, s.Gate, conns, logger); err != nil {
		return nil, err
	}
	if s.Store, err = CreateJobStore(cfg, s.Gate, conns, logger); err != nil {
		return nil, err
	}

	s.Admin = cloud.NewAdmin(s.Gate, cfg.Namespace, logger.Named("cloud"))
	prefs := preferences.NewStore(s.Gate, gate.Join(cfg.Namespace, constants.PreferencesPath))
	s.Schedules = schedule.NewStore(prefs, s.Locks, logger.Named("schedule"))

	s.Contexts = jobs.NewContexts()
	for _, path := range cfg.Contexts {
		m := jobs.NewManager(path, s.Store, s.Locks, cfg.Instance, logger.Named("jobs"), jobs.WithQueuedTimeout(cfg.QueuedTimeout))
		if err = s.Contexts.Register(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
