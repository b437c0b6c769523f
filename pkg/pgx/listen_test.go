package pgx

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/pgcollections/internal/testutil/pgtest"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestListen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	listenConn := pgtest.Connect(ctx, t)
	notifyConn := pgtest.Connect(ctx, t)

	channel := "pgc_test_channel"
	notifications, errs := Listen(ctx, listenConn, channel)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = notifyConn.Exec(ctx, "SELECT pg_notify($1, $2)", channel, "public.parcels")
	}()

	select {
	case n := <-notifications:
		require.NotNil(t, n)
		require.Equal(t, "public.parcels", n.Payload)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for notification")
	}
}

func TestSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := pgtest.Pool(ctx, t)
	notifyConn := pgtest.Connect(ctx, t)

	channel := "pgc_test_subscribe"
	got := make(chan string, 1)
	done := make(chan error, 1)
	subCtx, stop := context.WithCancel(ctx)
	go func() {
		done <- Subscribe(subCtx, pool, channel, nil, func(n *pgconn.Notification) {
			select {
			case got <- n.Payload:
			default:
			}
		})
	}()

	require.Eventually(t, func() bool {
		_, err := notifyConn.Exec(ctx, "SELECT pg_notify($1, $2)", channel, "pgc_test.points")
		require.NoError(t, err)
		select {
		case p := <-got:
			return p == "pgc_test.points"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 100*time.Millisecond)

	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Subscribe did not return after cancel")
	}
}
