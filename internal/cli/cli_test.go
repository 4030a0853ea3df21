package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gyrex/internal/cloud"
	"gyrex/internal/gate"
	"gyrex/internal/gyrex"
	"gyrex/internal/models"
	"gyrex/internal/models/config"
	"gyrex/internal/state"
	jobstore "gyrex/internal/store/cloud"
)

func testApp(t *testing.T) (*app, *gate.MemoryTree) {
	t.Helper()
	tree := gate.NewMemoryTree()
	a := newApp(nil)
	a.loadConfig = func(string) (*config.GyrexConfig, error) {
		return config.NewGyrexConfig("cli", config.WithMemoryGate())
	}
	a.options = func() []gyrex.Option {
		return []gyrex.Option{gyrex.WithGate(tree.Connect()), gyrex.WithLogger(zap.NewNop())}
	}
	return a, tree
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := a.rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "gyrex", cmd.Use)
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "nodes", "schedules", "jobs"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestSchedulesCommands(t *testing.T) {
	a, _ := testApp(t)
	file := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(file, []byte(nightlyFile), 0o600))

	out, err := execute(t, a, "schedules", "apply", "-f", file)
	require.NoError(t, err)
	assert.Contains(t, out, "applied nightly (3 entries)")
	assert.Contains(t, out, "applied reports (1 entries)")

	out, err = execute(t, a, "schedules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "nightly")
	assert.Contains(t, out, "export,index,cleanup")
	assert.Contains(t, out, "/app")

	out, err = execute(t, a, "schedules", "get", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "timeZone: Europe/Berlin")
	assert.Contains(t, out, "jobTypeId: export")

	out, err = execute(t, a, "schedules", "remove", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "removed nightly")

	_, err = execute(t, a, "schedules", "get", "nightly")
	assert.Error(t, err)
}

func TestSchedulesApply_DryRun(t *testing.T) {
	a, _ := testApp(t)
	file := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(file, []byte(nightlyFile), 0o600))

	out, err := execute(t, a, "schedules", "apply", "-f", file, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "2 schedules are valid")

	out, err = execute(t, a, "schedules", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "nightly")
}

func TestSchedulesApply_MissingFile(t *testing.T) {
	a, _ := testApp(t)
	_, err := execute(t, a, "schedules", "apply", "-f", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read schedule file")
}

func TestNodesCommands(t *testing.T) {
	a, tree := testApp(t)
	ctx := context.Background()

	g := tree.Connect()
	defer g.Close()
	cs, err := cloud.NewCloudState(g, "", "n1", "10.0.0.1:8080", zap.NewNop())
	require.NoError(t, err)
	_, err = cs.RegisterNode(ctx)
	require.NoError(t, err)

	out, err := execute(t, a, "nodes", "list")
	require.NoError(t, err)
	assert.Regexp(t, `n1\s+10.0.0.1:8080\s+pending`, out)

	out, err = execute(t, a, "nodes", "approve", "n1")
	require.NoError(t, err)
	assert.Contains(t, out, "approved n1 (10.0.0.1:8080)")

	require.NoError(t, cs.AwaitApproval(ctx, 10*time.Millisecond))
	out, err = execute(t, a, "nodes", "list")
	require.NoError(t, err)
	assert.Regexp(t, `n1\s+10.0.0.1:8080\s+online`, out)

	out, err = execute(t, a, "nodes", "retire", "n1")
	require.NoError(t, err)
	assert.Contains(t, out, "retired n1")

	out, err = execute(t, a, "nodes", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "n1")

	_, err = execute(t, a, "nodes", "approve", "ghost")
	assert.ErrorIs(t, err, cloud.ErrNodeNotPending)
}

func TestJobsCommands(t *testing.T) {
	a, tree := testApp(t)
	ctx := context.Background()

	s := jobstore.NewCloudJobStore(tree.Connect(), "", zap.NewNop())
	require.NoError(t, s.Save(ctx, "/", &models.Job{
		ID:         "job-1",
		TypeID:     "export",
		State:      state.StateQueued,
		LastQueued: time.Now(),
	}))

	out, err := execute(t, a, "jobs", "list")
	require.NoError(t, err)
	assert.Regexp(t, `job-1\s+export\s+queued`, out)

	_, err = execute(t, a, "jobs", "list", "--state", "paused")
	assert.ErrorContains(t, err, "unknown job state")

	out, err = execute(t, a, "jobs", "cancel", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled job-1")

	out, err = execute(t, a, "jobs", "list", "--state", "none")
	require.NoError(t, err)
	assert.Regexp(t, `job-1\s+export\s+none`, out)
	assert.Contains(t, out, "failed: cancelled")

	out, err = execute(t, a, "jobs", "remove", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "removed job-1")

	out, err = execute(t, a, "jobs", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "job-1")

	_, err = execute(t, a, "jobs", "list", "--context", "/missing")
	assert.Error(t, err)
}
