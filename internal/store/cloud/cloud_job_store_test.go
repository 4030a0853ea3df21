package cloud

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gyrex/internal/gate"
	"gyrex/internal/models"
	"gyrex/internal/store/storetest"
)

func TestCloudJobStore(t *testing.T) {
	storetest.Run(t, NewCloudJobStore(gate.NewMemoryTree().Connect(), "", zap.NewNop()))
}

func TestCloudJobStore_Layout(t *testing.T) {
	ctx := context.Background()
	g := gate.NewMemoryTree().Connect()
	s := NewCloudJobStore(g, "", zap.NewNop())

	require.NoError(t, s.Save(ctx, "/app/one", &models.Job{ID: "job"}))

	exists, err := g.Exists(ctx, "/gyrex/jobs/%2Fapp%2Fone/job")
	require.NoError(t, err)
	assert.True(t, exists)
}
