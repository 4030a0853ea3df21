package lock

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewPostgresDistributedLockManager(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mgr := NewPostgresDistributedLockManager(db, zap.NewNop())
	require.NotNil(t, mgr)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("gyrex.db.migration"), Key("gyrex.db.migration"))
	assert.NotEqual(t, Key("a"), Key("b"))

	classID, objID := splitKey(-1)
	assert.Equal(t, int64(0xffffffff), classID)
	assert.Equal(t, int64(0xffffffff), objID)
}

func TestPostgresDistributedLockManager_TryAcquire(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mgr := NewPostgresDistributedLockManager(db, zap.NewNop())
	key := Key("job")
	classID, objID := splitKey(key)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS \\(SELECT 1 FROM pg_locks").
		WithArgs(classID, objID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	ctx := context.Background()
	l, err := mgr.TryAcquire(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, "job", l.ID())
	assert.True(t, l.IsValid(ctx))

	require.NoError(t, l.Release(ctx))
	assert.False(t, l.IsValid(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDistributedLockManager_TryAcquire_Unavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mgr := NewPostgresDistributedLockManager(db, zap.NewNop())

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(Key("job")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	_, err = mgr.TryAcquire(context.Background(), "job")
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDistributedLockManager_TryAcquire_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mgr := NewPostgresDistributedLockManager(db, zap.NewNop())

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(Key("job")).
		WillReturnError(sql.ErrConnDone)

	_, err = mgr.TryAcquire(context.Background(), "job")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDistributedLockManager_Release_NotHeld(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mgr := NewPostgresDistributedLockManager(db, zap.NewNop())

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(Key("job")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock").
		WithArgs(Key("job")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(false))

	l, err := mgr.TryAcquire(context.Background(), "job")
	require.NoError(t, err)

	err = l.Release(context.Background())
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDistributedLockManager_IsHeld(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mgr := NewPostgresDistributedLockManager(db, zap.NewNop())
	classID, objID := splitKey(Key("job"))

	mock.ExpectQuery("SELECT EXISTS \\(SELECT 1 FROM pg_locks").
		WithArgs(classID, objID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	held, err := mgr.IsHeld(context.Background(), "job")
	require.NoError(t, err)
	assert.False(t, held)
	assert.NoError(t, mock.ExpectationsWereMet())
}
