package gyrex

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gyrex/internal/cloud"
	"gyrex/internal/gate"
	"gyrex/internal/jobs"
	"gyrex/internal/lock"
	"gyrex/internal/metrics"
	"gyrex/internal/models/config"
	"gyrex/internal/queue"
	"gyrex/internal/schedule"
	"gyrex/internal/scheduler"
	"gyrex/internal/store"
	"gyrex/internal/worker"
)

var ErrServerStopped = errors.New("server is shut down")

var membershipStates = []string{
	cloud.Uninitialized.String(),
	cloud.Pending.String(),
	cloud.Online.String(),
}

// Server is the handle of a running node. It owns every backend connection opened by
// SetUp.
type Server struct {
	cfg    *config.GyrexConfig
	logger *zap.Logger

	gate       gate.Gate
	membership *cloud.CloudState
	locks      lock.DistributedLockManager
	store      store.JobStore
	queues     queue.Service
	registry   *jobs.Registry
	contexts   *jobs.Contexts
	schedules  *schedule.Store
	engine     *scheduler.Engine
	pools      []*worker.Pool
	metrics    *metrics.Collector

	closers []func() error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func (s *Server) Membership() *cloud.CloudState { return s.membership }
func (s *Server) Contexts() *jobs.Contexts      { return s.contexts }
func (s *Server) Schedules() *schedule.Store    { return s.schedules }
func (s *Server) Engine() *scheduler.Engine     { return s.engine }
func (s *Server) Queues() queue.Service         { return s.queues }
func (s *Server) Metrics() *metrics.Collector   { return s.metrics }

// Run waits for approval if the node is still pending, then runs the membership
// monitor, the scheduler and the worker pools until ctx is done or one of them fails.
// When the approval is revoked they are stopped and the node waits for approval again.
// The metrics listener runs for the whole lifetime. A fatal membership error stops the
// node.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	defer close(done)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	if s.cfg.MetricsAddress != "" {
		g.Go(func() error {
			s.logger.Info("serving metrics", zap.String("address", s.cfg.MetricsAddress))
			return s.metrics.Serve(ctx, s.cfg.MetricsAddress)
		})
	}
	g.Go(func() error {
		for {
			err := s.runApproved(ctx)
			if !errors.Is(err, cloud.ErrApprovalRevoked) || ctx.Err() != nil {
				return err
			}
			s.logger.Warn("node approval revoked, jobs stopped until it is approved again")
		}
	})
	return g.Wait()
}

// runApproved waits for approval and then runs the components that require an
// approved node until ctx is done or the membership monitor stops.
func (s *Server) runApproved(ctx context.Context) error {
	if s.membership.State() == cloud.Pending {
		s.logger.Info("node is pending approval, jobs start once an administrator approved it")
		if err := s.membership.AwaitApproval(ctx, s.cfg.ApprovalPollInterval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.reportMembership()
		s.logger.Info("node approved and online")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.membership.Monitor(ctx, s.cfg.MembershipInterval)
		s.reportMembership()
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, cloud.ErrApprovalRevoked):
			return err
		}
		s.logger.Error("membership lost, stopping node", zap.Error(err))
		return err
	})
	if s.cfg.EnableScheduler {
		g.Go(func() error {
			return s.engine.Start(ctx)
		})
	}
	for _, p := range s.pools {
		p := p
		g.Go(func() error {
			return p.Start(ctx)
		})
	}

	s.logger.Info("node running",
		zap.Bool("scheduler", s.cfg.EnableScheduler),
		zap.Int("worker_pools", len(s.pools)))
	return g.Wait()
}

// Shutdown stops Run, waits for running jobs until ctx is done, leaves the cluster
// and closes every backend connection. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			s.logger.Warn("shutdown grace period exceeded, leaving with jobs still running")
		}
	}

	if err := s.membership.UnregisterNode(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, gate.ErrClosed) {
		errs = append(errs, err)
	}
	s.reportMembership()
	errs = append(errs, s.closeAll())
	s.logger.Info("node shut down")
	_ = s.logger.Sync()
	return errors.Join(errs...)
}

// closeAll closes the opened resources in reverse order.
func (s *Server) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Server) reportMembership() {
	s.metrics.SetNodeState(s.membership.State().String(), membershipStates...)
}

// Serve runs the node until ctx is done or a component fails and then shuts it down,
// giving running jobs grace to finish.
func (s *Server) Serve(ctx context.Context, grace time.Duration) error {
	runErr := s.Run(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	return errors.Join(runErr, s.Shutdown(shutdownCtx))
}
