package breaker

import (
	"context"

	"github.com/surrealpool/surrealpool/internal/codec"
	"github.com/surrealpool/surrealpool/pkg/connection"
)

// Guarded wraps a client so every outbound RPC passes through a
// breaker. Channel lookups and teardown bypass it: they do no network
// round-trip worth guarding.
type Guarded struct {
	client  connection.Client
	breaker *Breaker
}

var _ connection.Client = (*Guarded)(nil)

// Wrap guards client with b.
func Wrap(client connection.Client, b *Breaker) *Guarded {
	return &Guarded{client: client, breaker: b}
}

// Breaker exposes the underlying breaker, mainly for state inspection.
func (g *Guarded) Breaker() *Breaker { return g.breaker }

func (g *Guarded) Send(ctx context.Context, dest any, method string, params ...any) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.client.Send(ctx, dest, method, params...)
	})
}

func (g *Guarded) Live(ctx context.Context, table string, diff bool) (string, error) {
	var id string
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		id, err = g.client.Live(ctx, table, diff)
		return err
	})
	return id, err
}

func (g *Guarded) Kill(ctx context.Context, liveID string) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.client.Kill(ctx, liveID)
	})
}

func (g *Guarded) Ping(ctx context.Context) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.client.Ping(ctx)
	})
}

func (g *Guarded) LiveNotifications(liveID string) (chan connection.Notification, error) {
	return g.client.LiveNotifications(liveID)
}

func (g *Guarded) Close(ctx context.Context) error {
	return g.client.Close(ctx)
}

func (g *Guarded) GetUnmarshaler() codec.Unmarshaler {
	return g.client.GetUnmarshaler()
}
