// Package conversation tracks per-user multi-step dialog state for the bot:
// the add-channel credential wizard and the upload channel selection. State
// lives in memory only; a restart simply drops in-flight wizards, which the
// user restarts with a command.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Step identifies where a user is in a multi-message flow.
type Step int

const (
	// StepNone means no flow is active.
	StepNone Step = iota
	// StepChannelName through StepPassword are the add-channel wizard in order.
	StepChannelName
	StepAPIKey
	StepAPISecret
	StepUsername
	StepPassword
	// StepAwaitingVideo means the user picked a channel and owes us a file.
	StepAwaitingVideo
	// StepSelectChannel means a video arrived and the user owes us a channel pick.
	StepSelectChannel
)

// String returns a short name for logging.
func (s Step) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepChannelName:
		return "channel_name"
	case StepAPIKey:
		return "api_key"
	case StepAPISecret:
		return "api_secret"
	case StepUsername:
		return "username"
	case StepPassword:
		return "password"
	case StepAwaitingVideo:
		return "awaiting_video"
	case StepSelectChannel:
		return "select_channel"
	default:
		return "unknown"
	}
}

// PendingChannel accumulates wizard answers until the final insert.
type PendingChannel struct {
	Name      string
	APIKey    string
	APISecret string
	Username  string
	Password  string
}

// PendingUpload remembers a received file while the user picks a channel,
// or a picked channel while we wait for the file.
type PendingUpload struct {
	ChannelID int64
	FileID    string
	FileName  string
	FileSize  int64
	MimeType  string
}

// State is one user's active flow.
type State struct {
	Step      Step
	Channel   PendingChannel
	Upload    PendingUpload
	UpdatedAt time.Time
}

// Store holds conversation state keyed by Telegram user id.
type Store struct {
	mu     sync.Mutex
	states map[int64]*State
	ttl    time.Duration
}

// NewStore creates a Store whose entries expire after ttl of inactivity.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{states: make(map[int64]*State), ttl: ttl}
}

// Begin starts a flow for the user, discarding any previous one.
func (s *Store) Begin(userID int64, step Step) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &State{Step: step, UpdatedAt: time.Now()}
	s.states[userID] = st
	return st
}

// Get returns the user's active state, or nil. An expired entry is treated
// as absent and removed. The returned state is mutated in place by flow
// handlers; callers must not process two updates for the same user
// concurrently.
func (s *Store) Get(userID int64) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID]
	if !ok {
		return nil
	}
	if time.Since(st.UpdatedAt) > s.ttl {
		delete(s.states, userID)
		return nil
	}
	return st
}

// Touch refreshes the expiry clock after a step advances.
func (s *Store) Touch(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[userID]; ok {
		st.UpdatedAt = time.Now()
	}
}

// Clear ends the user's flow.
func (s *Store) Clear(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
}

// Len reports the number of active conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// sweep removes expired entries and returns how many were dropped.
func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped int
	for id, st := range s.states {
		if time.Since(st.UpdatedAt) > s.ttl {
			delete(s.states, id)
			dropped++
		}
	}
	return dropped
}

// StartJanitor sweeps expired conversations in the background until ctx is
// done. Abandoned wizards would otherwise pin credential fragments in memory
// indefinitely.
func (s *Store) StartJanitor(ctx context.Context) {
	interval := s.ttl / 2
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.sweep(); n > 0 {
					slog.Debug("expired conversations swept", slog.Int("count", n), slog.String("component", "conversation"))
				}
			}
		}
	}()
}
