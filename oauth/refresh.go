// Package oauth provides background token refresh scheduling for channels
// whose cached Dailymotion tokens have gone stale. It performs jittered scans
// and re-authenticates with the stored account credentials, so the first
// upload after a quiet period skips the auth round-trip.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/thaimozhi-2005/New-Daily/db"
	"github.com/thaimozhi-2005/New-Daily/store"
)

// AuthFunc re-authenticates one channel and returns fresh tokens.
type AuthFunc func(ctx context.Context, ch store.Channel) (access, refresh string, err error)

// Channels is the store surface the refresher needs.
type Channels interface {
	StaleTokenChannels(ctx context.Context, window time.Duration, limit int) ([]store.Channel, error)
	UpdateTokens(ctx context.Context, id int64, access, refresh string)
}

// StartRefresher launches a goroutine that periodically re-authenticates
// channels whose token cache is older than window.
// interval: how often to wake up and scan.
// window: tokens older than this are considered stale.
func StartRefresher(ctx context.Context, database *sql.DB, channels Channels, interval, window time.Duration, fn AuthFunc) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if window <= 0 {
		window = 45 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Add per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			refreshOnce(ctx, database, channels, window, fn)
		}
	}()
}

func refreshOnce(ctx context.Context, database *sql.DB, channels Channels, window time.Duration, fn AuthFunc) {
	stale, err := channels.StaleTokenChannels(ctx, window, 10)
	if err != nil {
		slog.Warn("stale token scan failed", slog.Any("err", err))
		return
	}
	var refreshed int
	for _, ch := range stale {
		// Small per-channel jitter to avoid hammering the token endpoint.
		//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
		pre := time.Duration(rand.Int63n(int64(2 * time.Second)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(pre):
		}
		authCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		access, refresh, err := fn(authCtx, ch)
		cancel()
		if err != nil {
			slog.Warn("token refresh failed",
				slog.Int64("channel_id", ch.ID),
				slog.String("channel", ch.Name),
				slog.Any("err", err))
			continue
		}
		channels.UpdateTokens(ctx, ch.ID, access, refresh)
		refreshed++
	}
	if refreshed > 0 {
		slog.Info("channel tokens refreshed", slog.Int("count", refreshed))
	}
	if database != nil {
		db.Heartbeat(ctx, database, "job_token_refresh_last")
	}
}
