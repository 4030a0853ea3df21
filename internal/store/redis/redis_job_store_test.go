package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gyrex/internal/store/storetest"
)

func TestRedisJobStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s := NewRedisJobStore(client, "", zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })

	storetest.Run(t, s)
}
