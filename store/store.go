// Package store is the data access layer for per-user channel credentials.
// Each row holds one user-named set of Dailymotion account credentials plus
// the most recently cached OAuth tokens. Secrets are encrypted at rest with
// AES-256-GCM when ENCRYPTION_KEY is set (encryption_version=1); rows written
// without a key carry encryption_version=0 and are read back as plaintext.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/thaimozhi-2005/New-Daily/crypto"
)

var (
	// ErrDuplicateChannel signals a (user_id, channel_name) uniqueness violation.
	ErrDuplicateChannel = errors.New("channel name already exists for this user")
	// ErrNotFound signals a missing or foreign channel row.
	ErrNotFound = errors.New("channel not found")
)

// Channel is the typed record for one credential set.
type Channel struct {
	ID           int64
	UserID       int64
	Name         string
	APIKey       string
	APISecret    string
	Username     string
	Password     string
	AccessToken  string
	RefreshToken string
	CreatedAt    time.Time
}

// Store provides transactional single-statement access to the channels table.
// Connection failures are retried a bounded number of times with exponential
// backoff before surfacing; constraint violations surface immediately.
type Store struct {
	db *sql.DB

	maxAttempts int
	backoffBase time.Duration

	encOnce sync.Once
	enc     crypto.Encryptor
	encErr  error
}

// Option customizes a Store.
type Option func(*Store)

// WithRetry overrides the connect-retry policy.
func WithRetry(attempts int, base time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
		if base > 0 {
			s.backoffBase = base
		}
	}
}

// New creates a Store. Encryption is initialized lazily from ENCRYPTION_KEY
// on first use; when the key is unset, secrets are stored in plaintext and a
// warning is logged once.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, maxAttempts: 3, backoffBase: time.Second}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) encryptor() (crypto.Encryptor, error) {
	s.encOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, channel credentials will be stored in plaintext (not recommended for production)",
				slog.String("component", "store"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			s.encErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", s.encErr), slog.String("component", "store"))
			return
		}
		s.enc = enc
		slog.Info("channel credential encryption enabled (AES-256-GCM)", slog.String("component", "store"))
	})
	return s.enc, s.encErr
}

// sealed holds the to-store representation of a channel's secret columns.
type sealed struct {
	apiSecret, password, access, refresh string
	version                              int
}

func (s *Store) seal(ch Channel) (sealed, error) {
	enc, err := s.encryptor()
	if err != nil {
		return sealed{}, err
	}
	out := sealed{apiSecret: ch.APISecret, password: ch.Password, access: ch.AccessToken, refresh: ch.RefreshToken}
	if enc == nil {
		return out, nil
	}
	out.version = 1
	if out.apiSecret, err = crypto.EncryptString(enc, ch.APISecret); err != nil {
		return sealed{}, fmt.Errorf("encrypt api secret: %w", err)
	}
	if out.password, err = crypto.EncryptString(enc, ch.Password); err != nil {
		return sealed{}, fmt.Errorf("encrypt password: %w", err)
	}
	if out.access, err = crypto.EncryptString(enc, ch.AccessToken); err != nil {
		return sealed{}, fmt.Errorf("encrypt access token: %w", err)
	}
	if out.refresh, err = crypto.EncryptString(enc, ch.RefreshToken); err != nil {
		return sealed{}, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return out, nil
}

func (s *Store) unseal(ch *Channel, version int) error {
	if version == 0 {
		return nil
	}
	enc, err := s.encryptor()
	if err != nil {
		return fmt.Errorf("get encryptor for decryption: %w", err)
	}
	if enc == nil {
		return fmt.Errorf("row is encrypted but ENCRYPTION_KEY not configured")
	}
	if ch.APISecret, err = crypto.DecryptString(enc, ch.APISecret); err != nil {
		return fmt.Errorf("decrypt api secret: %w", err)
	}
	if ch.Password, err = crypto.DecryptString(enc, ch.Password); err != nil {
		return fmt.Errorf("decrypt password: %w", err)
	}
	if ch.AccessToken, err = crypto.DecryptString(enc, ch.AccessToken); err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}
	if ch.RefreshToken, err = crypto.DecryptString(enc, ch.RefreshToken); err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}
	return nil
}

// retriable reports whether an operation failed on connectivity rather than
// on the statement itself. Postgres-reported errors (constraint violations,
// bad SQL) and context cancellation are never retried.
func retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	return true
}

// withRetry runs fn up to maxAttempts times with exponential backoff on
// connectivity failures.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := s.backoffBase * time.Duration(1<<(attempt-1))
			slog.Warn("retrying store operation", slog.String("op", op), slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = fn()
		if lastErr == nil || !retriable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("store %s: %w", op, lastErr)
}

const uniqueViolation = "23505"

// CreateChannel inserts a new channel row and returns it with the generated
// id and timestamp. A (user_id, channel_name) collision yields
// ErrDuplicateChannel and never overwrites the existing row.
func (s *Store) CreateChannel(ctx context.Context, ch Channel) (Channel, error) {
	sec, err := s.seal(ch)
	if err != nil {
		return Channel{}, err
	}
	err = s.withRetry(ctx, "create_channel", func() error {
		var tokenSeen interface{}
		if ch.AccessToken != "" {
			tokenSeen = time.Now().UTC()
		}
		return s.db.QueryRowContext(ctx, `INSERT INTO channels
			(user_id, channel_name, api_key, api_secret, username, password, access_token, refresh_token, encryption_version, token_updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9,$10)
			RETURNING id, created_at`,
			ch.UserID, ch.Name, ch.APIKey, sec.apiSecret, ch.Username, sec.password, sec.access, sec.refresh, sec.version, tokenSeen,
		).Scan(&ch.ID, &ch.CreatedAt)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Channel{}, ErrDuplicateChannel
		}
		return Channel{}, err
	}
	return ch, nil
}

// ListChannels returns the user's channels ordered by creation time
// descending (most recent first). Secret columns are decrypted so callers
// can hand credentials straight to the upload client.
func (s *Store) ListChannels(ctx context.Context, userID int64) ([]Channel, error) {
	var out []Channel
	err := s.withRetry(ctx, "list_channels", func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, channel_name, api_key, api_secret, username, password,
			COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(encryption_version,0), created_at
			FROM channels WHERE user_id=$1 ORDER BY created_at DESC`, userID)
		if err != nil {
			return err
		}
		defer func() {
			if err := rows.Close(); err != nil {
				slog.Warn("failed to close rows", slog.Any("err", err))
			}
		}()
		out = out[:0]
		for rows.Next() {
			var ch Channel
			var version int
			if err := rows.Scan(&ch.ID, &ch.UserID, &ch.Name, &ch.APIKey, &ch.APISecret, &ch.Username, &ch.Password,
				&ch.AccessToken, &ch.RefreshToken, &version, &ch.CreatedAt); err != nil {
				return err
			}
			if err := s.unseal(&ch, version); err != nil {
				return err
			}
			out = append(out, ch)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetChannel returns one channel owned by userID, or ErrNotFound. The owner
// check is part of the query so a foreign id behaves exactly like a missing one.
func (s *Store) GetChannel(ctx context.Context, userID, id int64) (Channel, error) {
	var ch Channel
	var version int
	err := s.withRetry(ctx, "get_channel", func() error {
		return s.db.QueryRowContext(ctx, `SELECT id, user_id, channel_name, api_key, api_secret, username, password,
			COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(encryption_version,0), created_at
			FROM channels WHERE id=$1 AND user_id=$2`, id, userID).
			Scan(&ch.ID, &ch.UserID, &ch.Name, &ch.APIKey, &ch.APISecret, &ch.Username, &ch.Password,
				&ch.AccessToken, &ch.RefreshToken, &version, &ch.CreatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, err
	}
	if err := s.unseal(&ch, version); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// DeleteChannel removes one channel owned by userID and returns the number of
// rows removed (0 or 1). Deleting a missing or foreign channel is not an error.
func (s *Store) DeleteChannel(ctx context.Context, userID, id int64) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "delete_channel", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id=$1 AND user_id=$2`, id, userID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// UpdateTokens caches freshly obtained OAuth tokens on a channel row.
// This is a best-effort cache update: failures are logged, not propagated,
// since re-authentication with the stored credentials is always possible.
func (s *Store) UpdateTokens(ctx context.Context, id int64, access, refresh string) {
	sec, err := s.seal(Channel{AccessToken: access, RefreshToken: refresh})
	if err != nil {
		slog.Warn("token cache update skipped", slog.Int64("channel_id", id), slog.Any("err", err))
		return
	}
	_, err = s.db.ExecContext(ctx, `UPDATE channels SET access_token=NULLIF($1,''), refresh_token=NULLIF($2,''),
		encryption_version=$3, token_updated_at=NOW() WHERE id=$4`, sec.access, sec.refresh, sec.version, id)
	if err != nil {
		slog.Warn("token cache update failed", slog.Int64("channel_id", id), slog.Any("err", err))
	}
}

// CountChannels returns the number of channels a user has.
func (s *Store) CountChannels(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.withRetry(ctx, "count_channels", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM channels WHERE user_id=$1`, userID).Scan(&n)
	})
	return n, err
}

// StaleTokenChannels returns channels whose cached access token is older than
// the given window (or never set at all while credentials exist). Used by the
// background refresher to keep uploads from paying the auth round-trip.
func (s *Store) StaleTokenChannels(ctx context.Context, window time.Duration, limit int) ([]Channel, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Channel
	err := s.withRetry(ctx, "stale_token_channels", func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, channel_name, api_key, api_secret, username, password,
			COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(encryption_version,0), created_at
			FROM channels
			WHERE token_updated_at IS NULL OR token_updated_at < NOW() - $1::interval
			ORDER BY token_updated_at ASC NULLS FIRST LIMIT $2`,
			fmt.Sprintf("%d seconds", int(window.Seconds())), limit)
		if err != nil {
			return err
		}
		defer func() {
			if err := rows.Close(); err != nil {
				slog.Warn("failed to close rows", slog.Any("err", err))
			}
		}()
		out = out[:0]
		for rows.Next() {
			var ch Channel
			var version int
			if err := rows.Scan(&ch.ID, &ch.UserID, &ch.Name, &ch.APIKey, &ch.APISecret, &ch.Username, &ch.Password,
				&ch.AccessToken, &ch.RefreshToken, &version, &ch.CreatedAt); err != nil {
				return err
			}
			if err := s.unseal(&ch, version); err != nil {
				return err
			}
			out = append(out, ch)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
