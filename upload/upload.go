// Package upload orchestrates one video's journey from Telegram to
// Dailymotion: fetch the file to local disk, run the provider upload
// pipeline, report progress to the user, and record outcome metrics.
package upload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/thaimozhi-2005/New-Daily/dailymotion"
	"github.com/thaimozhi-2005/New-Daily/db"
	"github.com/thaimozhi-2005/New-Daily/store"
	"github.com/thaimozhi-2005/New-Daily/telemetry"
)

// MediaSource fetches a file from the chat platform onto local disk.
type MediaSource interface {
	Download(ctx context.Context, fileID, dest string, progress func(received, total int64)) error
}

// StatusSink receives human-readable progress lines for the user.
type StatusSink interface {
	Update(text string)
}

// Client is the slice of the provider API the pipeline needs. Satisfied by
// *dailymotion.Client; tests substitute fakes.
type Client interface {
	Authenticate(ctx context.Context) (dailymotion.AuthResult, error)
	UploadVideo(ctx context.Context, path, title, description string, maxBytes int64, progress dailymotion.ProgressFunc) (string, error)
	Ping(ctx context.Context) error
	Tokens() (access, refresh string)
	SetTokens(access, refresh string)
	Close()
}

// TokenSaver persists freshly minted provider tokens for reuse.
type TokenSaver interface {
	UpdateTokens(ctx context.Context, channelID int64, access, refresh string)
}

// Outcome summarizes how a pipeline run ended.
type Outcome int

const (
	// Success means the video is live and a public URL is available.
	Success Outcome = iota
	// Canceled means the surrounding context was canceled mid-run.
	Canceled
	// AuthFailed means the channel's stored credentials were rejected.
	AuthFailed
	// Failed covers every other terminal error.
	Failed
)

// String returns a short name for logging.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Canceled:
		return "canceled"
	case AuthFailed:
		return "auth_failed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Params configures one pipeline run.
type Params struct {
	Channel  store.Channel
	FileID   string
	FileName string
	FileSize int64

	Source MediaSource
	Status StatusSink

	// DataDir holds scratch files during transfer. Defaults to the OS
	// temp directory.
	DataDir  string
	MaxBytes int64

	// NewClient builds the provider client. Defaults to the real
	// Dailymotion client.
	NewClient func(dailymotion.Credentials) Client

	// Tokens, when set, receives refreshed OAuth tokens after a run that
	// authenticated successfully.
	Tokens TokenSaver

	// DB, when set, receives moving-average duration samples for the
	// status endpoint.
	DB *sql.DB
}

// Result is the terminal state of one run.
type Result struct {
	Outcome Outcome
	URL     string
	Err     error
	// Hint carries a diagnostic suffix for the user-facing failure
	// message, derived from post-mortem probes.
	Hint string
}

// Run executes the full pipeline. It always cleans up its scratch file and
// never panics across the boundary; the returned Result is the single source
// of truth for what the user should be told.
func Run(ctx context.Context, p Params) Result {
	telemetry.Init()
	telemetry.UploadsStarted.Inc()
	telemetry.TrackUpload(1)
	defer telemetry.TrackUpload(-1)

	ctx, span := telemetry.StartSpan(ctx, "upload", "upload-pipeline",
		attribute.Int64("channel.id", p.Channel.ID))
	defer span.End()

	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "upload"),
		slog.Int64("channel_id", p.Channel.ID),
		slog.String("file", p.FileName),
	)
	started := time.Now()

	res := run(ctx, p, log)

	elapsed := time.Since(started)
	switch res.Outcome {
	case Success:
		telemetry.UploadsSucceeded.Inc()
		telemetry.TotalDuration.Observe(elapsed.Seconds())
		telemetry.SetSpanSuccess(span)
		if p.DB != nil {
			db.UpdateMovingAvg(context.WithoutCancel(ctx), p.DB, "avg_total_ms", float64(elapsed.Milliseconds()))
		}
		log.Info("upload finished", slog.String("url", res.URL), slog.Duration("elapsed", elapsed))
	case Canceled:
		telemetry.UploadsCanceled.Inc()
		telemetry.RecordError(span, res.Err)
		log.Info("upload canceled", slog.Duration("elapsed", elapsed))
	case AuthFailed:
		telemetry.AuthFailures.Inc()
		telemetry.UploadsFailed.Inc()
		telemetry.RecordError(span, res.Err)
		log.Warn("upload failed on authentication", slog.Any("err", res.Err))
	default:
		telemetry.UploadsFailed.Inc()
		telemetry.RecordError(span, res.Err)
		log.Error("upload failed", slog.Any("err", res.Err), slog.Duration("elapsed", elapsed))
	}
	return res
}

func run(ctx context.Context, p Params, log *slog.Logger) Result {
	status := newThrottledStatus(p.Status)

	dir := p.DataDir
	if dir == "" {
		dir = os.TempDir()
	}
	scratch, err := os.CreateTemp(dir, "upload-*"+filepath.Ext(p.FileName))
	if err != nil {
		return Result{Outcome: Failed, Err: fmt.Errorf("create scratch file: %w", err)}
	}
	path := scratch.Name()
	scratch.Close()
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("scratch file cleanup failed", slog.String("path", path), slog.Any("err", err))
		}
	}()

	status.Force("Downloading your video...")
	dlStart := time.Now()
	err = p.Source.Download(ctx, p.FileID, path, func(received, total int64) {
		if total > 0 {
			status.Update(int(received*100/total), "Downloading your video")
		}
	})
	if err != nil {
		if canceled(ctx, err) {
			return Result{Outcome: Canceled, Err: err}
		}
		return Result{Outcome: Failed, Err: fmt.Errorf("download from telegram: %w", err)}
	}
	dlElapsed := time.Since(dlStart)
	telemetry.DownloadDuration.Observe(dlElapsed.Seconds())
	if p.DB != nil {
		db.UpdateMovingAvg(context.WithoutCancel(ctx), p.DB, "avg_download_ms", float64(dlElapsed.Milliseconds()))
	}

	if err := dailymotion.ValidateFile(path, p.MaxBytes); err != nil {
		return Result{Outcome: Failed, Err: err}
	}

	newClient := p.NewClient
	if newClient == nil {
		newClient = func(c dailymotion.Credentials) Client { return dailymotion.NewClient(c) }
	}
	client := newClient(dailymotion.Credentials{
		APIKey:    p.Channel.APIKey,
		APISecret: p.Channel.APISecret,
		Username:  p.Channel.Username,
		Password:  p.Channel.Password,
	})
	defer client.Close()
	if p.Channel.AccessToken != "" {
		client.SetTokens(p.Channel.AccessToken, p.Channel.RefreshToken)
	}

	title := DeriveTitle(p.FileName)
	description := fmt.Sprintf("Uploaded via Telegram on %s\nOriginal file: %s",
		time.Now().UTC().Format("2006-01-02 15:04 MST"), p.FileName)
	status.Force("Uploading to Dailymotion...")
	upStart := time.Now()
	url, err := client.UploadVideo(ctx, path, title, description, p.MaxBytes, func(pct int, stage string) {
		status.Update(pct, stageLabel(stage))
	})
	if err != nil {
		if canceled(ctx, err) {
			return Result{Outcome: Canceled, Err: err}
		}
		outcome, hint := diagnose(ctx, client, err, log)
		return Result{Outcome: outcome, Err: err, Hint: hint}
	}
	upElapsed := time.Since(upStart)
	telemetry.UploadDuration.Observe(upElapsed.Seconds())
	if p.DB != nil {
		db.UpdateMovingAvg(context.WithoutCancel(ctx), p.DB, "avg_upload_ms", float64(upElapsed.Milliseconds()))
	}

	if p.Tokens != nil {
		if access, refresh := client.Tokens(); access != "" {
			p.Tokens.UpdateTokens(context.WithoutCancel(ctx), p.Channel.ID, access, refresh)
		}
	}

	status.Force("Upload complete!")
	return Result{Outcome: Success, URL: url}
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// diagnose probes after a failure so the user message can distinguish bad
// credentials from a provider outage.
func diagnose(ctx context.Context, client Client, cause error, log *slog.Logger) (Outcome, string) {
	ctx = context.WithoutCancel(ctx)
	if result, err := client.Authenticate(ctx); err != nil && result == dailymotion.AuthInvalidCredentials {
		return AuthFailed, "Dailymotion rejected this channel's credentials. Check the API key, secret, username, and password, then re-add the channel."
	}
	if err := client.Ping(ctx); err != nil {
		log.Warn("provider unreachable during diagnostics", slog.Any("err", err))
		return Failed, "Dailymotion appears to be unreachable right now. Please try again in a few minutes."
	}
	if dailymotion.IsFatalError(cause) {
		return Failed, "The file was rejected. Make sure it is a supported video format under the size limit."
	}
	return Failed, "A temporary error interrupted the upload. Please try again."
}

func stageLabel(stage string) string {
	switch stage {
	case "validated":
		return "Preparing upload"
	case "authenticated":
		return "Authenticating with Dailymotion"
	case "upload slot ready":
		return "Starting transfer"
	case "uploading", "uploaded":
		return "Uploading to Dailymotion"
	case "registered", "done":
		return "Publishing video"
	default:
		return "Working"
	}
}

// throttledStatus rate-limits user-visible progress edits so chat APIs do
// not throttle us instead. An update goes out when progress advanced at
// least 10 points or 2 seconds passed, and always at a forced milestone.
type throttledStatus struct {
	sink    StatusSink
	lastPct int
	lastAt  time.Time
}

func newThrottledStatus(sink StatusSink) *throttledStatus {
	return &throttledStatus{sink: sink, lastPct: -1}
}

func (t *throttledStatus) Update(pct int, label string) {
	if t.sink == nil {
		return
	}
	if pct < 100 && pct-t.lastPct < 10 && time.Since(t.lastAt) < 2*time.Second {
		return
	}
	if pct <= t.lastPct && pct < 100 {
		return
	}
	t.lastPct = pct
	t.lastAt = time.Now()
	t.sink.Update(fmt.Sprintf("%s... %d%%", label, pct))
}

func (t *throttledStatus) Force(text string) {
	if t.sink == nil {
		return
	}
	t.lastAt = time.Now()
	t.sink.Update(text)
}

// DeriveTitle turns a filename into a presentable video title: the extension
// goes, separators become spaces, control and symbol noise is filtered, and
// the result is bounded to the provider's title limit. An unusable name
// falls back to a timestamped default.
func DeriveTitle(fileName string) string {
	name := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	name = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\'', r == ',', r == '(', r == ')', r == '!', r == '&':
			b.WriteRune(r)
		case r > 127:
			// Keep non-ASCII letters; titles are often not English.
			b.WriteRune(r)
		}
	}
	title := strings.Join(strings.Fields(b.String()), " ")
	if title == "" {
		return "Video upload " + time.Now().Format("2006-01-02 15:04")
	}
	return dailymotion.TruncateTitle(title)
}
