package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"gyrex/internal/constants"
	"gyrex/internal/lock"
	"gyrex/internal/preferences"
)

const (
	keyEnabled      = "enabled"
	keyQueueID      = "queueId"
	keyTimeZone     = "timeZone"
	keyContextPath  = "contextPath"
	keyJobID        = "jobId"
	keyJobTypeID    = "jobTypeId"
	keyCron         = "cron"
	keyTriggerAfter = "triggerAfter"

	entriesNode   = "entries"
	parameterNode = "parameter"
)

// Store persists each schedule as one preference node, so a reader sees either the
// previous or the new version. Writers serialize on a cluster wide lock.
type Store struct {
	prefs  *preferences.Store
	locks  lock.DistributedLockManager
	logger *zap.Logger
}

func NewStore(prefs *preferences.Store, locks lock.DistributedLockManager, logger *zap.Logger) *Store {
	return &Store{prefs: prefs, locks: locks, logger: logger}
}

func nodeName(id string) string {
	return constants.SchedulesNode + "/" + id
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.prefs.ChildNames(ctx, constants.SchedulesNode)
}

func (s *Store) Load(ctx context.Context, id string) (*Schedule, error) {
	node, err := s.prefs.Load(ctx, nodeName(id))
	if errors.Is(err, preferences.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(id, node), nil
}

// Save validates and stores sched, replacing any previous version.
func (s *Store) Save(ctx context.Context, sched *Schedule) error {
	if err := sched.Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", sched.ID, err)
	}

	l, err := s.locks.Acquire(ctx, constants.ScheduleLock)
	if err != nil {
		return fmt.Errorf("lock schedules: %w", err)
	}
	defer s.release(ctx, l)

	if err := s.prefs.Save(ctx, nodeName(sched.ID), encode(sched)); err != nil {
		return fmt.Errorf("save schedule %s: %w", sched.ID, err)
	}
	s.logger.Info("schedule saved", zap.String("schedule", sched.ID), zap.Int("entries", len(sched.Entries)))
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	l, err := s.locks.Acquire(ctx, constants.ScheduleLock)
	if err != nil {
		return fmt.Errorf("lock schedules: %w", err)
	}
	defer s.release(ctx, l)

	return s.prefs.Remove(ctx, nodeName(id))
}

func (s *Store) release(ctx context.Context, l lock.DistributedLock) {
	if err := l.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("failed to release schedule lock", zap.Error(err))
	}
}

func encode(sched *Schedule) *preferences.Node {
	node := preferences.NewNode()
	node.Set(keyEnabled, strconv.FormatBool(sched.Enabled))
	node.Set(keyQueueID, sched.QueueID)
	node.Set(keyTimeZone, sched.TimeZone)
	node.Set(keyContextPath, sched.ContextPath)

	entries := node.Child(entriesNode)
	for _, e := range sched.Entries {
		en := entries.Child(e.ID)
		en.Set(keyJobID, e.JobID)
		en.Set(keyJobTypeID, e.JobTypeID)
		en.Set(keyCron, e.Cron)
		en.Set(keyEnabled, strconv.FormatBool(e.Enabled))
		en.Set(keyTriggerAfter, strings.Join(e.TriggerAfter, ","))
		if e.Parameter != nil {
			params := en.Child(parameterNode)
			for k, v := range e.Parameter {
				params.Set(k, v)
			}
		}
	}
	return node
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err != nil || b
}

func decode(id string, node *preferences.Node) *Schedule {
	sched := &Schedule{
		ID:          id,
		Enabled:     parseBool(node.Get(keyEnabled, "true")),
		QueueID:     node.Get(keyQueueID, ""),
		TimeZone:    node.Get(keyTimeZone, constants.DefaultTimeZone),
		ContextPath: node.Get(keyContextPath, constants.DefaultContext),
	}

	entries, ok := node.Children[entriesNode]
	if !ok {
		return sched
	}
	for _, entryID := range entries.ChildNames() {
		en := entries.Children[entryID]
		e := Entry{
			ID:        entryID,
			JobID:     en.Get(keyJobID, ""),
			JobTypeID: en.Get(keyJobTypeID, ""),
			Cron:      en.Get(keyCron, ""),
			Enabled:   parseBool(en.Get(keyEnabled, "true")),
		}
		if after := en.Get(keyTriggerAfter, ""); after != "" {
			e.TriggerAfter = strings.Split(after, ",")
		}
		if params, ok := en.Children[parameterNode]; ok {
			e.Parameter = make(map[string]string, len(params.Values))
			for k, v := range params.Values {
				e.Parameter[k] = v
			}
		}
		sched.Entries = append(sched.Entries, e)
	}
	return sched
}
