package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealpool/surrealpool/internal/fakesdb"
	"github.com/surrealpool/surrealpool/pkg/connection"
	"github.com/surrealpool/surrealpool/pkg/constants"
	"github.com/surrealpool/surrealpool/pkg/pool"
)

func startServers(t *testing.T, n int) []*fakesdb.Server {
	t.Helper()
	servers := make([]*fakesdb.Server, n)
	for i := range servers {
		srv := fakesdb.NewServer("127.0.0.1:0")
		require.NoError(t, srv.Start())
		servers[i] = srv
	}
	t.Cleanup(func() {
		for _, srv := range servers {
			_ = srv.Stop()
		}
	})
	return servers
}

func urls(servers []*fakesdb.Server) []string {
	out := make([]string, len(servers))
	for i, srv := range servers {
		out[i] = srv.URL()
	}
	return out
}

func poolConfig(servers []*fakesdb.Server) pool.Config {
	return pool.Config{
		Size: len(servers),
		URLs: urls(servers),
		Connection: connection.Config{
			Namespace: "test",
			Database:  "test",
			Username:  "root",
			Password:  "root",
			Timeout:   5 * time.Second,
		},
		// Long interval so the health loop does not interfere unless a
		// test shortens it deliberately.
		HealthCheckInterval: time.Hour,
	}
}

func TestConnectAllHealthy(t *testing.T) {
	servers := startServers(t, 3)
	p := pool.New(poolConfig(servers))
	require.NoError(t, p.Connect(context.Background()))
	defer p.Close(context.Background())

	s := p.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.Healthy)
	assert.Equal(t, 0, s.Unhealthy)
	assert.Equal(t, 3, s.MaxSize)
	assert.InDelta(t, 100.0, s.HealthPercentage, 0.01)
}

// One endpoint down at startup must not block or fail pool creation;
// the dead slot is just reported unhealthy.
func TestConnectPartialOutage(t *testing.T) {
	servers := startServers(t, 3)
	require.NoError(t, servers[2].Stop())

	p := pool.New(poolConfig(servers))

	start := time.Now()
	require.NoError(t, p.Connect(context.Background()))
	defer p.Close(context.Background())
	assert.Less(t, time.Since(start), 5*time.Second)

	s := p.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Healthy)
	assert.Equal(t, 1, s.Unhealthy)

	require.NoError(t, p.Ping(context.Background()))
}

func TestConnectAllDown(t *testing.T) {
	servers := startServers(t, 2)
	for _, srv := range servers {
		require.NoError(t, srv.Stop())
	}

	p := pool.New(poolConfig(servers))
	err := p.Connect(context.Background())
	assert.ErrorIs(t, err, constants.ErrNoConnectionsAvailable)
}

// Sequential requests over three healthy entries must land on each
// backend exactly a third of the time.
func TestRoundRobinDistribution(t *testing.T) {
	servers := startServers(t, 3)
	p := pool.New(poolConfig(servers))
	require.NoError(t, p.Connect(context.Background()))
	defer p.Close(context.Background())

	for i := 0; i < 30; i++ {
		var v string
		require.NoError(t, p.Send(context.Background(), &v, connection.MethodVersion))
	}

	for i, srv := range servers {
		assert.Equal(t, 10, srv.RequestCount(connection.MethodVersion), "server %d", i)
	}
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	servers := startServers(t, 3)
	require.NoError(t, servers[1].Stop())

	p := pool.New(poolConfig(servers))
	require.NoError(t, p.Connect(context.Background()))
	defer p.Close(context.Background())

	for i := 0; i < 10; i++ {
		var v string
		require.NoError(t, p.Send(context.Background(), &v, connection.MethodVersion))
	}
	n0 := servers[0].RequestCount(connection.MethodVersion)
	n2 := servers[2].RequestCount(connection.MethodVersion)
	assert.Zero(t, servers[1].RequestCount(connection.MethodVersion))
	assert.Equal(t, 10, n0+n2)
	assert.Positive(t, n0)
	assert.Positive(t, n2)
}

func TestAllEntriesLostAfterConnect(t *testing.T) {
	servers := startServers(t, 2)

	conf := poolConfig(servers)
	conf.HealthCheckInterval = 50 * time.Millisecond
	conf.FailureThreshold = 1
	conf.ReconnectDelay = time.Hour
	p := pool.New(conf)
	require.NoError(t, p.Connect(context.Background()))
	defer p.Close(context.Background())

	for _, srv := range servers {
		require.NoError(t, srv.Stop())
	}

	require.Eventually(t, func() bool {
		return p.Stats().Healthy == 0
	}, 5*time.Second, 50*time.Millisecond)

	err := p.Ping(context.Background())
	assert.ErrorIs(t, err, constants.ErrNoConnectionsAvailable)

	s := p.Stats()
	assert.Equal(t, 2, s.Total, "dead entries must stay in the pool accounting")
	assert.Equal(t, 0, s.Healthy)
}

// A restarted backend is picked up by the reconnect path and its slot
// returns to healthy without changing the pool size.
func TestEntryRecovery(t *testing.T) {
	servers := startServers(t, 1)
	addr := servers[0].Address()

	conf := poolConfig(servers)
	conf.HealthCheckInterval = 50 * time.Millisecond
	conf.FailureThreshold = 1
	conf.ReconnectDelay = 50 * time.Millisecond
	p := pool.New(conf)
	require.NoError(t, p.Connect(context.Background()))
	defer p.Close(context.Background())

	require.NoError(t, servers[0].Stop())
	require.Eventually(t, func() bool {
		return p.Stats().Healthy == 0
	}, 5*time.Second, 50*time.Millisecond)

	replacement := fakesdb.NewServer(addr)
	require.NoError(t, replacement.Start())
	t.Cleanup(func() { _ = replacement.Stop() })

	require.Eventually(t, func() bool {
		return p.Stats().Healthy == 1
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, 1, p.Stats().Total)
}

func TestWaitUntilReady(t *testing.T) {
	servers := startServers(t, 1)
	p := pool.New(poolConfig(servers))
	require.NoError(t, p.Connect(context.Background()))
	defer p.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, p.WaitUntilReady(ctx))
}

func TestWaitUntilReadyTimesOut(t *testing.T) {
	servers := startServers(t, 1)
	p := pool.New(poolConfig(servers))
	// Never connected: readiness cannot be signaled.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitUntilReady(ctx), context.DeadlineExceeded)
}

// Live queries must stick to the connection that created them, so the
// kill and the notification lookup reach the same backend.
func TestLiveQueryPinning(t *testing.T) {
	servers := startServers(t, 3)
	p := pool.New(poolConfig(servers))
	require.NoError(t, p.Connect(context.Background()))
	defer p.Close(context.Background())

	ctx := context.Background()
	liveID, err := p.Live(ctx, "person", false)
	require.NoError(t, err)

	ch, err := p.LiveNotifications(liveID)
	require.NoError(t, err)

	var owner *fakesdb.Server
	for _, srv := range servers {
		if srv.RequestCount(connection.MethodLive) == 1 {
			owner = srv
		}
	}
	require.NotNil(t, owner)

	require.NoError(t, owner.Push(liveID, connection.UpdateAction, map[string]any{"ok": true}))
	select {
	case n := <-ch:
		assert.Equal(t, connection.UpdateAction, n.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}

	require.NoError(t, p.Kill(ctx, liveID))
	assert.Equal(t, 1, owner.RequestCount(connection.MethodKill))

	err = p.Kill(ctx, liveID)
	assert.Error(t, err, "killing an unknown live id must fail")
}

func TestCloseIdempotent(t *testing.T) {
	servers := startServers(t, 2)
	p := pool.New(poolConfig(servers))
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	err := p.Send(context.Background(), nil, connection.MethodVersion)
	assert.Error(t, err)
}
