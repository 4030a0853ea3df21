// Package storetest holds behaviour tests shared by the JobStore implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gyrex/internal/models"
	"gyrex/internal/state"
	"gyrex/internal/store"
)

// Run exercises s. It expects an empty store.
func Run(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("find missing", func(t *testing.T) {
		_, err := s.Find(ctx, "/", "missing")
		assert.ErrorIs(t, err, store.ErrJobNotFound)
	})

	t.Run("save and find", func(t *testing.T) {
		job := &models.Job{
			ID:         "s1_e1",
			TypeID:     "gyrex.jobs.noop",
			Parameter:  map[string]string{"k": "v"},
			State:      state.StateNone,
			LastQueued: now,
			LastResult: models.JobResult{OK: true, Message: "done"},
		}
		require.NoError(t, s.Save(ctx, "/", job))

		got, err := s.Find(ctx, "/", "s1_e1")
		require.NoError(t, err)
		assert.Equal(t, "gyrex.jobs.noop", got.TypeID)
		assert.Equal(t, job.Parameter, got.Parameter)
		assert.True(t, got.LastQueued.Equal(now))
		assert.Equal(t, job.LastResult, got.LastResult)

		_, err = s.Find(ctx, "/other", "s1_e1")
		assert.ErrorIs(t, err, store.ErrJobNotFound)
	})

	t.Run("update state compare and set", func(t *testing.T) {
		job := &models.Job{ID: "cas", State: state.StateQueued}
		require.NoError(t, s.UpdateState(ctx, "/", job, state.StateNone))

		err := s.UpdateState(ctx, "/", job, state.StateNone)
		assert.ErrorIs(t, err, store.ErrStateConflict)

		job.State = state.StateRunning
		require.NoError(t, s.UpdateState(ctx, "/", job, state.StateQueued))

		err = s.UpdateState(ctx, "/", job, state.StateQueued)
		assert.ErrorIs(t, err, store.ErrStateConflict)

		got, err := s.Find(ctx, "/", "cas")
		require.NoError(t, err)
		assert.Equal(t, state.StateRunning, got.State)

		err = s.UpdateState(ctx, "/", &models.Job{ID: "ghost", State: state.StateRunning}, state.StateQueued)
		assert.ErrorIs(t, err, store.ErrStateConflict)
	})

	t.Run("list and remove", func(t *testing.T) {
		all, err := s.List(ctx, "/")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "cas", all[0].ID)
		assert.Equal(t, "s1_e1", all[1].ID)

		running, err := s.List(ctx, "/", state.StateRunning)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "cas", running[0].ID)

		require.NoError(t, s.Remove(ctx, "/", "cas"))
		require.NoError(t, s.Remove(ctx, "/", "cas"))

		all, err = s.List(ctx, "/")
		require.NoError(t, err)
		assert.Len(t, all, 1)

		empty, err := s.List(ctx, "/nothing")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}
