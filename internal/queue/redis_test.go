package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/seantiz/simflow/internal/model"
)

func TestRedisQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	// Each subtest gets its own key prefix on the shared server.
	runQueueContract(t, func(t *testing.T) Queue {
		q, err := NewRedisQueue(ctx, url, "test-"+model.NewID())
		require.NoError(t, err)
		t.Cleanup(func() { q.Close() })
		return q
	})
}
