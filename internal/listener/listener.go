package listener

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"popup-policy-engine/internal/debounce"
	"popup-policy-engine/internal/engine"
	"popup-policy-engine/internal/storage"
)

const (
	// quietPeriod is how long the channel must be silent before a rebuild, so
	// that a multi-statement change is read once it has fully committed.
	quietPeriod = 200 * time.Millisecond
	maxDelay    = 2 * time.Second
)

// ListenAndRefresh rebuilds the engine snapshot whenever policy tables change.
// Lost connections are re-acquired with jittered backoff; a full rebuild follows
// every reconnect since notifications may have been missed in between.
func ListenAndRefresh(ctx context.Context, st *storage.Store, eng *engine.PopupEngine, channel string, baseBackoff time.Duration) {
	for {
		err := listen(ctx, st, eng, channel)
		if ctx.Err() != nil {
			log.Info().Msg("listener stopped")
			return
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Dur("retry_in", backoff).Msg("listener connection lost")
		select {
		case <-ctx.Done():
			log.Info().Msg("listener stopped")
			return
		case <-time.After(backoff):
		}
		if err := eng.BuildSnapshot(ctx, st); err != nil {
			log.Error().Err(err).Msg("refresh snapshot error")
		}
	}
}

func listen(ctx context.Context, st *storage.Store, eng *engine.PopupEngine, channel string) error {
	conn, err := st.PgxPool().Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("listening for policy changes")

	changes := make(chan struct{}, 1)
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		debounce.Run(rctx, changes, quietPeriod, maxDelay, func() {
			log.Info().Str("channel", channel).Msg("policy change; refreshing snapshot")
			if err := eng.BuildSnapshot(rctx, st); err != nil {
				log.Error().Err(err).Msg("refresh snapshot error")
			}
		})
	}()
	defer func() {
		cancel()
		<-done
	}()

	for {
		ntf, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		log.Debug().Str("channel", ntf.Channel).Str("table", ntf.Payload).Msg("policy change notification")
		debounce.Notify(changes)
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
