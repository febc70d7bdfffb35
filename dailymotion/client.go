// Package dailymotion wraps the Dailymotion partner HTTP API for the single
// purpose of uploading videos: password-grant OAuth, upload slot negotiation,
// multipart file transfer, and video registration. Tokens obtained here can be
// cached by the caller and seeded back via SetTokens.
package dailymotion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultBaseURL is the Dailymotion REST API root.
	DefaultBaseURL = "https://api.dailymotion.com"
	// DefaultVideoBaseURL is the public watch-page root for registered videos.
	DefaultVideoBaseURL = "https://www.dailymotion.com/video"
	// DefaultScope is the OAuth scope required for uploading.
	DefaultScope = "manage_videos"
	// TitleLimit is the maximum title length the API accepts.
	TitleLimit = 150
	// DescriptionLimit bounds video descriptions.
	DescriptionLimit = 3000
)

// AuthResult distinguishes why an authentication attempt failed, so callers
// can tell a user to fix their credentials rather than retry later.
type AuthResult int

const (
	// AuthOK means a token was obtained.
	AuthOK AuthResult = iota
	// AuthInvalidCredentials means the API rejected the key, secret,
	// username, or password. Retrying with the same inputs will not help.
	AuthInvalidCredentials
	// AuthTransient means the token endpoint was unreachable or failing.
	AuthTransient
)

// String returns a human-readable name for the auth result.
func (r AuthResult) String() string {
	switch r {
	case AuthOK:
		return "ok"
	case AuthInvalidCredentials:
		return "invalid_credentials"
	case AuthTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Credentials is one registered channel's Dailymotion account material.
type Credentials struct {
	APIKey    string
	APISecret string
	Username  string
	Password  string
}

// ProgressFunc receives coarse pipeline progress. percent is 0..100 and
// monotonically non-decreasing within a single UploadVideo call.
type ProgressFunc func(percent int, stage string)

// Client is a per-channel Dailymotion API client. It is safe for use by a
// single upload at a time; token state is guarded for the background
// refresher case.
type Client struct {
	creds Credentials

	// BaseURL and VideoBaseURL default to the public endpoints and are
	// overridden in tests.
	BaseURL      string
	VideoBaseURL string
	Scope        string

	// HTTPClient defaults to a client with a generous timeout suited to
	// large uploads.
	HTTPClient *http.Client

	MaxAttempts int
	BackoffBase time.Duration

	mu           sync.Mutex
	accessToken  string
	refreshToken string

	log *slog.Logger
}

// NewClient builds a Client for one channel's credentials with production
// defaults.
func NewClient(creds Credentials) *Client {
	return &Client{
		creds:        creds,
		BaseURL:      DefaultBaseURL,
		VideoBaseURL: DefaultVideoBaseURL,
		Scope:        DefaultScope,
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		log:          slog.With(slog.String("component", "dailymotion")),
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	return c.HTTPClient
}

// Tokens returns the current access and refresh tokens, if any.
func (c *Client) Tokens() (access, refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, c.refreshToken
}

// SetTokens seeds cached tokens obtained from a previous session. A stale
// access token is handled transparently: any 401 triggers one fresh
// authentication.
func (c *Client) SetTokens(access, refresh string) {
	c.mu.Lock()
	c.accessToken = access
	c.refreshToken = refresh
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// oauthConfig builds the password-grant config. Dailymotion wants client
// credentials in the POST body, not in a basic-auth header.
func (c *Client) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.creds.APIKey,
		ClientSecret: c.creds.APISecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.BaseURL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{c.Scope},
	}
}

// Authenticate obtains a fresh access token with the resource-owner password
// grant. Transient failures are retried with exponential backoff; credential
// rejections are reported immediately via AuthInvalidCredentials so the bot
// can tell the user instead of spinning.
func (c *Client) Authenticate(ctx context.Context) (AuthResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient())
	cfg := c.oauthConfig()

	var lastErr error
	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.BackoffBase * time.Duration(1<<(attempt-1))
			c.log.Warn("retrying authentication", slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return AuthTransient, ctx.Err()
			case <-time.After(backoff):
			}
		}
		tok, err := cfg.PasswordCredentialsToken(ctx, c.creds.Username, c.creds.Password)
		if err == nil {
			c.mu.Lock()
			c.accessToken = tok.AccessToken
			c.refreshToken = tok.RefreshToken
			c.mu.Unlock()
			c.log.Info("authenticated", slog.String("username", c.creds.Username))
			return AuthOK, nil
		}
		lastErr = err
		if result := classifyAuthError(err); result == AuthInvalidCredentials {
			return AuthInvalidCredentials, fmt.Errorf("dailymotion rejected credentials: %w", err)
		}
	}
	return AuthTransient, fmt.Errorf("authenticate after %d attempts: %w", c.MaxAttempts, lastErr)
}

func classifyAuthError(err error) AuthResult {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return AuthInvalidCredentials
		}
	}
	return AuthTransient
}

// apiError captures a non-2xx response body for classification.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("dailymotion api: status %d: %s", e.Status, e.Body)
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func isUnauthorized(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusUnauthorized
}

// reauthOnce re-authenticates after a 401 and reports whether the caller
// should retry the original request. Only one re-auth per operation.
func (c *Client) reauthOnce(ctx context.Context) bool {
	c.log.Info("access token rejected, re-authenticating")
	result, err := c.Authenticate(ctx)
	if err != nil {
		c.log.Warn("re-authentication failed", slog.String("result", result.String()), slog.Any("err", err))
		return false
	}
	return true
}

// GetUploadSlot asks the API for a one-shot upload URL. A 401 on a cached
// token triggers a single re-authentication before giving up.
func (c *Client) GetUploadSlot(ctx context.Context) (string, error) {
	url, err := c.getUploadSlot(ctx)
	if err != nil && isUnauthorized(err) && c.reauthOnce(ctx) {
		url, err = c.getUploadSlot(ctx)
	}
	return url, err
}

func (c *Client) getUploadSlot(ctx context.Context) (string, error) {
	var slotURL string
	err := c.withRetry(ctx, "upload_slot", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.BaseURL+"/file/upload?access_token="+url.QueryEscape(c.token()), nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return readAPIError(resp)
		}
		var out struct {
			UploadURL string `json:"upload_url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode upload slot: %w", err)
		}
		if out.UploadURL == "" {
			return fmt.Errorf("upload slot response missing upload_url")
		}
		slotURL = out.UploadURL
		return nil
	})
	return slotURL, err
}

// UploadFile streams the file at path to an upload slot URL as multipart
// form data and returns the resulting media URL. The file is re-opened on
// every retry attempt so a partial first transfer cannot corrupt the next.
// progress, if non-nil, receives byte counts as the stream advances.
func (c *Client) UploadFile(ctx context.Context, uploadURL, path string, progress func(sent int64)) (string, error) {
	var mediaURL string
	err := c.withRetry(ctx, "upload_file", func() error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", filepath.Base(path), err)
		}
		defer f.Close()

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			part, err := mw.CreateFormFile("file", filepath.Base(path))
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			var sent int64
			buf := make([]byte, 256*1024)
			for {
				n, rerr := f.Read(buf)
				if n > 0 {
					if _, werr := part.Write(buf[:n]); werr != nil {
						pw.CloseWithError(werr)
						return
					}
					sent += int64(n)
					if progress != nil {
						progress(sent)
					}
				}
				if rerr == io.EOF {
					break
				}
				if rerr != nil {
					pw.CloseWithError(rerr)
					return
				}
			}
			pw.CloseWithError(mw.Close())
		}()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, pr)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return readAPIError(resp)
		}
		var out struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode upload response: %w", err)
		}
		if out.URL == "" {
			return fmt.Errorf("upload response missing url")
		}
		mediaURL = out.URL
		return nil
	})
	return mediaURL, err
}

// CreateVideo registers an uploaded media URL as a published video and
// returns its video id. Title and description are truncated to the API
// limits. A 401 triggers one re-authentication.
func (c *Client) CreateVideo(ctx context.Context, mediaURL, title, description string, tags []string) (string, error) {
	id, err := c.createVideo(ctx, mediaURL, title, description, tags)
	if err != nil && isUnauthorized(err) && c.reauthOnce(ctx) {
		id, err = c.createVideo(ctx, mediaURL, title, description, tags)
	}
	return id, err
}

func (c *Client) createVideo(ctx context.Context, mediaURL, title, description string, tags []string) (string, error) {
	var videoID string
	err := c.withRetry(ctx, "create_video", func() error {
		form := url.Values{
			"access_token": {c.token()},
			"url":          {mediaURL},
			"title":        {TruncateTitle(title)},
			"description":  {truncate(description, DescriptionLimit)},
			"published":    {"true"},
		}
		if len(tags) > 0 {
			form.Set("tags", strings.Join(tags, ","))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.BaseURL+"/me/videos", strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return readAPIError(resp)
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode video create: %w", err)
		}
		if out.ID == "" {
			return fmt.Errorf("video create response missing id")
		}
		videoID = out.ID
		return nil
	})
	return videoID, err
}

// UploadVideo runs the full pipeline for a local file: validate, authenticate
// (skipped while a cached token is present), negotiate an upload slot, stream
// the file, register the video. It returns the public watch URL.
func (c *Client) UploadVideo(ctx context.Context, path, title, description string, maxBytes int64, progress ProgressFunc) (string, error) {
	report := func(pct int, stage string) {
		if progress != nil {
			progress(pct, stage)
		}
	}

	if err := ValidateFile(path, maxBytes); err != nil {
		return "", err
	}
	report(5, "validated")

	if c.token() == "" {
		if _, err := c.Authenticate(ctx); err != nil {
			return "", err
		}
	}
	report(25, "authenticated")

	slotURL, err := c.GetUploadSlot(ctx)
	if err != nil {
		return "", fmt.Errorf("get upload slot: %w", err)
	}
	report(40, "upload slot ready")

	var total int64
	if info, err := os.Stat(path); err == nil {
		total = info.Size()
	}
	mediaURL, err := c.UploadFile(ctx, slotURL, path, func(sent int64) {
		if total <= 0 {
			return
		}
		// Map transfer progress onto the 50..70 band of the pipeline.
		pct := 50 + int(sent*20/total)
		report(min(pct, 70), "uploading")
	})
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	report(75, "uploaded")

	videoID, err := c.CreateVideo(ctx, mediaURL, title, description, nil)
	if err != nil {
		return "", fmt.Errorf("create video: %w", err)
	}
	report(90, "registered")

	publicURL := strings.TrimSuffix(c.VideoBaseURL, "/") + "/" + videoID
	report(100, "done")
	c.log.Info("video uploaded", slog.String("video_id", videoID), slog.String("url", publicURL))
	return publicURL, nil
}

// Ping checks reachability of the API root without authentication. Used for
// failure diagnostics to separate provider outages from bad credentials.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return readAPIError(resp)
	}
	return nil
}

// Close releases idle transport connections.
func (c *Client) Close() {
	if c.HTTPClient != nil {
		c.HTTPClient.CloseIdleConnections()
	}
}

// withRetry runs fn up to MaxAttempts times with exponential backoff, but
// only while failures classify as retryable.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.BackoffBase * time.Duration(1<<(attempt-1))
			c.log.Warn("retrying", slog.String("op", op), slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if IsFatalError(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, c.MaxAttempts, lastErr)
}

// TruncateTitle bounds a title to the API limit, marking the cut with an
// ellipsis like the web uploader does.
func TruncateTitle(title string) string {
	return truncate(title, TitleLimit)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
