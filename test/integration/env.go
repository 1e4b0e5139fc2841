// Package integration exercises the wired-together PubSub core (C1-C9)
// against a real PostgreSQL instance, grounded in the teacher's
// test/util/database.go shared-testcontainer pattern and
// pkg/events/integration_test.go wiring style — but using
// golang-migrate/migrate instead of Ent schema creation, since this project
// drops Ent (see DESIGN.md).
package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codeready-toolchain/entity-sync-core/internal/auth"
	"github.com/codeready-toolchain/entity-sync-core/internal/changelog"
	"github.com/codeready-toolchain/entity-sync-core/internal/connmgr"
	"github.com/codeready-toolchain/entity-sync-core/internal/fanout"
	"github.com/codeready-toolchain/entity-sync-core/internal/gateway"
	"github.com/codeready-toolchain/entity-sync-core/internal/listener"
	"github.com/codeready-toolchain/entity-sync-core/internal/platform"
	"github.com/codeready-toolchain/entity-sync-core/internal/poller"
	"github.com/codeready-toolchain/entity-sync-core/internal/subscriptions"
)

var (
	sharedDSN     string
	containerOnce sync.Once
	containerErr  error
)

// testEnv wires every real component together against the shared container,
// the way streamingTestEnv does in the teacher's integration suite.
type testEnv struct {
	pool     *pgxpool.Pool
	conns    *connmgr.Manager
	subs     *subscriptions.Registry
	log      *changelog.Log
	engine   *fanout.Engine
	listener *listener.Listener
	poller   *poller.Poller
	gateway  *gateway.Gateway
	verifier *auth.Verifier
}

func setupEnv(t *testing.T, startListener bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	dsn := sharedDatabase(t)

	require.NoError(t, platform.Migrate(dsn))

	pool, err := platform.OpenPool(ctx, dsn, 10, 5)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	// Each test gets a clean slate rather than a schema-per-test, since the
	// migrated tables are small and truncation is cheap and simpler than the
	// teacher's per-schema isolation.
	_, err = pool.Exec(ctx, `TRUNCATE change_log, subscriptions, connection_heartbeats`)
	require.NoError(t, err)

	conns := connmgr.New(connmgr.Config{WriteTimeout: 5 * time.Second})
	subs := subscriptions.New(pool, 5*time.Second)
	clog := changelog.New(pool, 5*time.Second)
	engine := fanout.New(subs, conns, clog, 256)
	verifier := auth.NewVerifier("integration-test-signing-secret")

	env := &testEnv{
		pool:     pool,
		conns:    conns,
		subs:     subs,
		log:      clog,
		engine:   engine,
		verifier: verifier,
		gateway:  gateway.New(verifier, conns, subs, "test-pod"),
		poller:   poller.New(clog, engine, poller.Config{Interval: time.Hour, InitDelay: time.Hour, BatchLimit: 100}),
	}

	if startListener {
		nl := listener.New(dsn, listener.Config{Channel: "entity_changes", ReconnectBase: time.Second, ReconnectMaxAtt: 3}, engine)
		require.NoError(t, nl.Start(ctx))
		t.Cleanup(func() { nl.Stop(context.Background()) })
		env.listener = nl
	}

	return env
}

func sharedDatabase(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("pubsub_test"),
			postgres.WithUsername("pubsub_test"),
			postgres.WithPassword("pubsub_test"),
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("getting connection string: %w", err)
			return
		}
		sharedDSN = connStr
	})
	require.NoError(t, containerErr)
	return sharedDSN
}

func insertChange(t *testing.T, pool *pgxpool.Pool, entityCode, entityID string, action int) {
	t.Helper()
	ctx := context.Background()
	_, err := pool.Exec(ctx,
		`INSERT INTO change_log (entity_code, entity_id, action, sync_status) VALUES ($1, $2, $3, 'pending')`,
		entityCode, entityID, action)
	require.NoError(t, err)
}
