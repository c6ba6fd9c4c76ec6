//go:build integration_test

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/drblury/cardiocheck/internal/evaluation"
	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
)

func runMySQL(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.0.36",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "secret",
				"MYSQL_DATABASE":      "cardiocheck",
				"MYSQL_USER":          "cardiocheck",
				"MYSQL_PASSWORD":      "secret",
			},
			WaitingFor: wait.ForListeningPort(nat.Port("3306/tcp")).WithStartupTimeout(3 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "3306")
	require.NoError(t, err)

	return fmt.Sprintf("cardiocheck:secret@tcp(%s:%s)/cardiocheck?parseTime=true", host, port.Port())
}

func TestGormStore_MySQL(t *testing.T) {
	dsn := runMySQL(t)
	ctx := context.Background()

	var s *GormStore
	require.Eventually(t, func() bool {
		var err error
		s, err = Open(DriverMySQL, dsn)
		return err == nil && s.Ping(ctx) == nil
	}, time.Minute, time.Second)
	require.NoError(t, s.Migrate(ctx))

	q, e := newSubmission("01JMYSQL0000000000000000AA", "dr-1", time.Now().UTC().Truncate(time.Second))
	require.NoError(t, s.CreateEvaluation(ctx, q, e))

	require.NoError(t, e.Complete(0, "low risk", time.Now().UTC().Truncate(time.Second)))
	require.NoError(t, s.SaveEvaluation(ctx, e))
	require.NoError(t, s.SaveEvaluation(ctx, e))

	_, conflicting := newSubmission(e.ID, "dr-1", time.Now())
	require.NoError(t, conflicting.Fail("late", time.Now()))
	require.ErrorIs(t, s.SaveEvaluation(ctx, conflicting), errspkg.ErrTerminalState)

	stored, found, err := s.FindEvaluationByID(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, evaluation.StatusCompleted, stored.Status)
}
