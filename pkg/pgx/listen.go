package pgx

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Listen issues `LISTEN channel` on conn and forwards notifications until ctx
// is canceled or the connection fails. The returned error channel receives at
// most one error and is closed together with the notification channel.
// conn must not be shared: it is dedicated to the listener for its lifetime.
func Listen(ctx context.Context, conn *pgx.Conn, channel string) (<-chan *pgconn.Notification, <-chan error) {
	notifications := make(chan *pgconn.Notification)
	errs := make(chan error, 1)

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		errs <- fmt.Errorf("listen %s: %w", channel, err)
		close(notifications)
		close(errs)
		return notifications, errs
	}

	go func() {
		defer close(notifications)
		defer close(errs)

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
			select {
			case notifications <- n:
			case <-ctx.Done():
				return
			}
		}
	}()

	return notifications, errs
}

// Subscribe listens on channel with a connection taken out of pool and calls
// fn for every notification until ctx is canceled. A lost connection is
// replaced after an exponential backoff, so notifications sent while
// reconnecting are missed. Subscribe blocks; run it in its own goroutine.
func Subscribe(ctx context.Context, pool *pgxpool.Pool, channel string, logger *zap.Logger, fn func(*pgconn.Notification)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	operation := func() error {
		pconn, err := pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("acquire listen connection: %w", err)
		}
		conn := pconn.Hijack()
		defer conn.Close(context.WithoutCancel(ctx))

		notifications, errs := Listen(ctx, conn, channel)
		b.Reset()
		logger.Info("listening for notifications", zap.String("channel", channel))

		for n := range notifications {
			fn(n)
		}
		if err := <-errs; err != nil {
			return err
		}
		return backoff.Permanent(ctx.Err())
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("notification listener failed, reconnecting",
			zap.String("channel", channel), zap.Duration("retry_in", wait), zap.Error(err))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
