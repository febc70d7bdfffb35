package upload

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/thaimozhi-2005/New-Daily/dailymotion"
	"github.com/thaimozhi-2005/New-Daily/store"
	"github.com/thaimozhi-2005/New-Daily/telemetry"
)

type fakeSource struct {
	data []byte
	err  error
}

func (f *fakeSource) Download(ctx context.Context, fileID, dest string, progress func(received, total int64)) error {
	if f.err != nil {
		return f.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if progress != nil {
		progress(int64(len(f.data)), int64(len(f.data)))
	}
	return os.WriteFile(dest, f.data, 0o600)
}

type fakeSink struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeSink) Update(text string) {
	f.mu.Lock()
	f.lines = append(f.lines, text)
	f.mu.Unlock()
}

func (f *fakeSink) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

type fakeClient struct {
	uploadURL  string
	uploadErr  error
	authResult dailymotion.AuthResult
	authErr    error
	pingErr    error

	seenPath   string
	seenTitle  string
	access     string
	refresh    string
	seeded     string
	closed     bool
}

func (f *fakeClient) Authenticate(ctx context.Context) (dailymotion.AuthResult, error) {
	return f.authResult, f.authErr
}

func (f *fakeClient) UploadVideo(ctx context.Context, path, title, description string, maxBytes int64, progress dailymotion.ProgressFunc) (string, error) {
	f.seenPath = path
	f.seenTitle = title
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	if progress != nil {
		progress(25, "authenticated")
		progress(60, "uploading")
		progress(100, "done")
	}
	f.access, f.refresh = "fresh-access", "fresh-refresh"
	return f.uploadURL, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeClient) Tokens() (string, string)       { return f.access, f.refresh }
func (f *fakeClient) SetTokens(access, refresh string) {
	f.seeded = access
	f.access, f.refresh = access, refresh
}
func (f *fakeClient) Close()                                 { f.closed = true }

type fakeTokens struct {
	channelID int64
	access    string
	refresh   string
}

func (f *fakeTokens) UpdateTokens(ctx context.Context, channelID int64, access, refresh string) {
	f.channelID, f.access, f.refresh = channelID, access, refresh
}

func baseParams(client *fakeClient, sink *fakeSink, src *fakeSource) Params {
	return Params{
		Channel:  store.Channel{ID: 42, APIKey: "k", APISecret: "s", Username: "u", Password: "p"},
		FileID:   "file-1",
		FileName: "holiday_trip-2024.mp4",
		FileSize: 1024,
		Source:   src,
		Status:   sink,
		NewClient: func(dailymotion.Credentials) Client {
			return client
		},
	}
}

func TestRunSuccess(t *testing.T) {
	client := &fakeClient{uploadURL: "https://www.dailymotion.com/video/x1"}
	sink := &fakeSink{}
	src := &fakeSource{data: make([]byte, 2048)}
	tokens := &fakeTokens{}

	p := baseParams(client, sink, src)
	p.DataDir = t.TempDir()
	p.Tokens = tokens

	res := Run(context.Background(), p)
	if res.Outcome != Success {
		t.Fatalf("outcome = %v (err %v), want Success", res.Outcome, res.Err)
	}
	if res.URL != "https://www.dailymotion.com/video/x1" {
		t.Errorf("url = %q", res.URL)
	}
	if client.seenTitle != "holiday trip 2024" {
		t.Errorf("derived title = %q", client.seenTitle)
	}
	if !client.closed {
		t.Error("client not closed")
	}
	if tokens.channelID != 42 || tokens.access != "fresh-access" {
		t.Errorf("tokens not persisted: %+v", tokens)
	}

	// Scratch file must be gone after the run.
	if client.seenPath == "" {
		t.Fatal("client never saw a path")
	}
	if _, err := os.Stat(client.seenPath); !os.IsNotExist(err) {
		t.Errorf("scratch file %s still present (err %v)", client.seenPath, err)
	}

	lines := sink.all()
	if len(lines) == 0 || lines[len(lines)-1] != "Upload complete!" {
		t.Errorf("status lines = %v", lines)
	}
}

func histSampleCount(t *testing.T, obs prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := obs.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T does not expose samples", obs)
	}
	var pb dto.Metric
	if err := metric.Write(&pb); err != nil {
		t.Fatal(err)
	}
	return pb.GetHistogram().GetSampleCount()
}

func TestRunObservesDurationHistograms(t *testing.T) {
	telemetry.Init()
	dlBefore := histSampleCount(t, telemetry.DownloadDuration)
	upBefore := histSampleCount(t, telemetry.UploadDuration)
	totalBefore := histSampleCount(t, telemetry.TotalDuration)

	client := &fakeClient{uploadURL: "https://www.dailymotion.com/video/x3"}
	src := &fakeSource{data: make([]byte, 256)}
	p := baseParams(client, &fakeSink{}, src)
	p.DataDir = t.TempDir()

	if res := Run(context.Background(), p); res.Outcome != Success {
		t.Fatalf("outcome = %v (err %v)", res.Outcome, res.Err)
	}

	if got := histSampleCount(t, telemetry.DownloadDuration); got != dlBefore+1 {
		t.Errorf("download samples = %d, want %d", got, dlBefore+1)
	}
	if got := histSampleCount(t, telemetry.UploadDuration); got != upBefore+1 {
		t.Errorf("upload samples = %d, want %d", got, upBefore+1)
	}
	if got := histSampleCount(t, telemetry.TotalDuration); got != totalBefore+1 {
		t.Errorf("total samples = %d, want %d", got, totalBefore+1)
	}
}

func TestRunSeedsCachedTokens(t *testing.T) {
	client := &fakeClient{uploadURL: "https://www.dailymotion.com/video/x2"}
	src := &fakeSource{data: make([]byte, 128)}
	p := baseParams(client, &fakeSink{}, src)
	p.DataDir = t.TempDir()
	p.Channel.AccessToken = "cached-access"
	p.Channel.RefreshToken = "cached-refresh"

	res := Run(context.Background(), p)
	if res.Outcome != Success {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if client.seeded != "cached-access" {
		t.Errorf("cached token not seeded into client, got %q", client.seeded)
	}
}

func TestRunCanceledDuringDownload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{uploadURL: "unused"}
	src := &fakeSource{data: make([]byte, 128)}
	p := baseParams(client, &fakeSink{}, src)
	p.DataDir = t.TempDir()

	res := Run(ctx, p)
	if res.Outcome != Canceled {
		t.Fatalf("outcome = %v, want Canceled", res.Outcome)
	}
}

func TestRunAuthFailure(t *testing.T) {
	client := &fakeClient{
		uploadErr:  errors.New("dailymotion rejected credentials: oauth2: invalid_grant"),
		authResult: dailymotion.AuthInvalidCredentials,
		authErr:    errors.New("invalid_grant"),
	}
	src := &fakeSource{data: make([]byte, 128)}
	p := baseParams(client, &fakeSink{}, src)
	p.DataDir = t.TempDir()

	res := Run(context.Background(), p)
	if res.Outcome != AuthFailed {
		t.Fatalf("outcome = %v, want AuthFailed", res.Outcome)
	}
	if !strings.Contains(res.Hint, "credentials") {
		t.Errorf("hint should mention credentials: %q", res.Hint)
	}
}

func TestRunProviderOutage(t *testing.T) {
	client := &fakeClient{
		uploadErr:  errors.New("dailymotion api: status 503: maintenance"),
		authResult: dailymotion.AuthOK,
		pingErr:    errors.New("connection refused"),
	}
	src := &fakeSource{data: make([]byte, 128)}
	p := baseParams(client, &fakeSink{}, src)
	p.DataDir = t.TempDir()

	res := Run(context.Background(), p)
	if res.Outcome != Failed {
		t.Fatalf("outcome = %v, want Failed", res.Outcome)
	}
	if !strings.Contains(res.Hint, "unreachable") {
		t.Errorf("hint should mention outage: %q", res.Hint)
	}
}

func TestRunDownloadError(t *testing.T) {
	client := &fakeClient{}
	src := &fakeSource{err: errors.New("telegram: file expired")}
	p := baseParams(client, &fakeSink{}, src)
	p.DataDir = t.TempDir()

	res := Run(context.Background(), p)
	if res.Outcome != Failed {
		t.Fatalf("outcome = %v, want Failed", res.Outcome)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "telegram") {
		t.Errorf("err = %v", res.Err)
	}
}

func TestRunRejectsOversizedDownload(t *testing.T) {
	client := &fakeClient{uploadURL: "unused"}
	src := &fakeSource{data: make([]byte, 4096)}
	p := baseParams(client, &fakeSink{}, src)
	p.DataDir = t.TempDir()
	p.MaxBytes = 1024

	res := Run(context.Background(), p)
	if res.Outcome != Failed {
		t.Fatalf("outcome = %v, want Failed", res.Outcome)
	}
	if !errors.Is(res.Err, dailymotion.ErrFileTooLarge) {
		t.Errorf("err = %v, want ErrFileTooLarge", res.Err)
	}
	if client.seenPath != "" {
		t.Error("oversized file should never reach the provider client")
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"holiday_trip-2024.mp4", "holiday trip 2024"},
		{"My Video.mkv", "My Video"},
		{"clip.final.v2.webm", "clip final v2"},
		{"  spaced  out .mp4", "spaced out"},
		{"café_rencontre.mov", "café rencontre"},
		{"@#$%.mp4", ""},
		{strings.Repeat("a", 300) + ".mp4", strings.Repeat("a", 147) + "..."},
	}
	for _, tt := range tests {
		got := DeriveTitle(tt.in)
		if tt.want == "" {
			if !strings.HasPrefix(got, "Video upload ") {
				t.Errorf("DeriveTitle(%q) = %q, want timestamp fallback", tt.in, got)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("DeriveTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestThrottledStatus(t *testing.T) {
	sink := &fakeSink{}
	ts := newThrottledStatus(sink)

	ts.Update(5, "Working")
	ts.Update(7, "Working")  // +2, too soon
	ts.Update(12, "Working") // +7, too soon
	ts.Update(20, "Working") // +15, goes out
	ts.Update(100, "Working")

	lines := sink.all()
	if len(lines) != 3 {
		t.Fatalf("got %d updates %v, want 3", len(lines), lines)
	}
	if lines[0] != "Working... 5%" || lines[1] != "Working... 20%" || lines[2] != "Working... 100%" {
		t.Errorf("lines = %v", lines)
	}

	// Time-based flush
	ts2 := newThrottledStatus(sink)
	ts2.Update(5, "W")
	ts2.lastAt = time.Now().Add(-3 * time.Second)
	ts2.Update(7, "W")
	if got := sink.all(); got[len(got)-1] != "W... 7%" {
		t.Errorf("expected time-based update, got %v", got[len(got)-1])
	}

	// Nil sink is a no-op.
	nilTS := newThrottledStatus(nil)
	nilTS.Update(50, "x")
	nilTS.Force("y")
}
