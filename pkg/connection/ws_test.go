package connection_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surrealpool/surrealpool/internal/fakesdb"
	"github.com/surrealpool/surrealpool/pkg/connection"
	"github.com/surrealpool/surrealpool/pkg/constants"
)

func startServer(t *testing.T) *fakesdb.Server {
	t.Helper()
	srv := fakesdb.NewServer("127.0.0.1:0")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func testConfig(srv *fakesdb.Server) connection.Config {
	return connection.Config{
		URL:       srv.URL(),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		Timeout:   5 * time.Second,
	}
}

func connect(t *testing.T, srv *fakesdb.Server) *connection.WebSocketConnection {
	t.Helper()
	c := connection.New(testConfig(srv))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestConnect(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	assert.Equal(t, connection.StateReady, c.State())
	assert.True(t, c.IsReady())
	assert.Equal(t, "fake-signin-token", c.Session().Token())

	ns, db := c.Session().Scope()
	assert.Equal(t, "test", ns)
	assert.Equal(t, "test", db)
}

func TestConnectWithToken(t *testing.T) {
	srv := startServer(t)

	conf := testConfig(srv)
	conf.Username = ""
	conf.Password = ""
	conf.Token = "preissued-token"

	c := connection.New(conf)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close(context.Background())

	assert.Equal(t, "preissued-token", c.Session().Token())
}

func TestConnectAuthRejected(t *testing.T) {
	srv := startServer(t)
	srv.RejectAuth = true

	c := connection.New(testConfig(srv))
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, constants.ErrAuthFailed)
	assert.Equal(t, connection.StateClosed, c.State())
}

func TestConnectTwice(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	err := c.Connect(context.Background())
	require.Error(t, err)
}

func TestSendBeforeConnect(t *testing.T) {
	srv := startServer(t)
	c := connection.New(testConfig(srv))

	err := c.Send(context.Background(), nil, "ping")
	assert.ErrorIs(t, err, constants.ErrNotConnected)
}

func TestSendAfterClose(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	require.NoError(t, c.Close(context.Background()))

	err := c.Send(context.Background(), nil, "ping")
	assert.ErrorIs(t, err, constants.ErrConnectionClosed)
}

func TestSendDecodesResult(t *testing.T) {
	srv := startServer(t)
	srv.AddStubResponse(fakesdb.SimpleStubResponse("select", map[string]any{
		"id":   "person:tobie",
		"name": "Tobie",
	}))
	c := connect(t, srv)

	var got struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, c.Send(context.Background(), &got, "select", "person:tobie"))
	assert.Equal(t, "person:tobie", got.ID)
	assert.Equal(t, "Tobie", got.Name)
}

func TestSendServerError(t *testing.T) {
	srv := startServer(t)
	srv.AddStubResponse(fakesdb.ErrorStubResponse("select", -32000, "table does not exist"))
	c := connect(t, srv)

	err := c.Send(context.Background(), nil, "select", "nosuch")
	require.Error(t, err)

	var rpcErr *connection.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "table does not exist", rpcErr.Message)
}

// Concurrent senders must each get their own response regardless of the
// order replies arrive in.
func TestSendConcurrent(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	results := make([]struct {
		Method string `json:"method"`
		Params []any  `json:"params"`
	}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Send(context.Background(), &results[i], "select", fmt.Sprintf("record:%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Params, 1)
		assert.Equal(t, fmt.Sprintf("record:%d", i), results[i].Params[0])
	}
}

// A request that times out must not poison the connection: it stays
// ready and later requests succeed.
func TestSendTimeout(t *testing.T) {
	srv := startServer(t)
	srv.AddStubResponse(fakesdb.SilentStubResponse("slowop"))

	conf := testConfig(srv)
	conf.Timeout = 200 * time.Millisecond
	c := connection.New(conf)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close(context.Background())

	err := c.Send(context.Background(), nil, "slowop")
	assert.ErrorIs(t, err, constants.ErrTimeout)

	assert.Equal(t, connection.StateReady, c.State())
	assert.NoError(t, c.Ping(context.Background()))
}

func TestCloseResolvesPending(t *testing.T) {
	srv := startServer(t)
	srv.AddStubResponse(fakesdb.SilentStubResponse("hang"))
	c := connect(t, srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Send(context.Background(), nil, "hang")
	}()

	// Give the request time to hit the wire before tearing down.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Close(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, constants.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not resolved by close")
	}
}

func TestCloseIdempotent(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.True(t, c.IsClosed())
}

func TestServerDisconnectFailsPending(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	require.NoError(t, srv.Stop())

	require.Eventually(t, c.IsClosed, 2*time.Second, 10*time.Millisecond)
	err := c.Send(context.Background(), nil, "ping")
	assert.ErrorIs(t, err, constants.ErrConnectionClosed)
}

// Frames that are neither responses nor notifications are dropped
// without affecting in-flight traffic.
func TestUnrecognizedFramesIgnored(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	srv.BroadcastRaw([]byte(`{"unexpected":"frame"}`))
	srv.BroadcastRaw([]byte(`this is not json`))
	srv.BroadcastRaw([]byte(`{"id":"999","result":"orphan"}`))

	assert.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, connection.StateReady, c.State())
}

func TestLiveAndKill(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	liveID, err := c.Live(ctx, "person", false)
	require.NoError(t, err)
	require.NotEmpty(t, liveID)

	ch, err := c.LiveNotifications(liveID)
	require.NoError(t, err)

	require.NoError(t, srv.Push(liveID, connection.CreateAction, map[string]any{"name": "Tobie"}))

	select {
	case n := <-ch:
		assert.Equal(t, liveID, n.ID)
		assert.Equal(t, connection.CreateAction, n.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}

	require.NoError(t, c.Kill(ctx, liveID))

	_, open := <-ch
	assert.False(t, open, "live channel should be closed after kill")
}

func TestLetUnsetReset(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Let(ctx, "name", "tobie"))
	require.NoError(t, c.Unset(ctx, "name"))

	require.NoError(t, c.Reset(ctx))
	assert.Empty(t, c.Session().Token())
}

func TestConnectContextCanceled(t *testing.T) {
	c := connection.New(connection.Config{
		URL:       "ws://127.0.0.1:1/rpc",
		Namespace: "test",
		Database:  "test",
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, constants.ErrAuthFailed))
}
