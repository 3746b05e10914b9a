// Package session keeps per-user conversation history with bounded length
// and whole-map persistence to a single JSON file.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
)

// MaxMessages bounds the history kept per user; the oldest messages are
// evicted when an append would exceed it.
const MaxMessages = 10

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Input kinds.
const (
	InputText  = "text"
	InputVoice = "voice"
	InputImage = "image"
)

// TokenUsage is the optional per-message token accounting.
type TokenUsage struct {
	Input       int64 `json:"input"`
	Output      int64 `json:"output"`
	CacheCreate int64 `json:"cache_create,omitempty"`
	CacheRead   int64 `json:"cache_read,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	InputKind string      `json:"input_kind,omitempty"`
	Model     string      `json:"model,omitempty"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
}

// Session is one user's conversation state. Created lazily on first message,
// cleared only by an explicit control command.
type Session struct {
	UserID           string    `json:"user_id"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	Messages         []Message `json:"messages"`
	CurrentWorkspace string    `json:"current_workspace,omitempty"`
}

// Store holds every user's session in memory and writes the whole map to a
// single JSON file after each mutation. The write is atomic (temp file plus
// rename) so a crash mid-write never corrupts the history.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	path     string
	logger   *logger.Logger
}

// NewStore loads existing sessions from path, starting empty when the file
// does not exist yet. An unreadable file is logged and skipped rather than
// blocking startup.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("session store path is required")
	}
	s := &Store{
		sessions: make(map[string]*Session),
		path:     path,
		logger:   log.WithFields(zap.String("component", "session")),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session file: %w", err)
	}

	var sessions map[string]*Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		s.logger.Warn("session file is corrupt, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return nil
	}
	if sessions != nil {
		s.sessions = sessions
	}
	s.logger.Info("loaded sessions", zap.Int("count", len(s.sessions)))
	return nil
}

// Append adds a message to the user's session, creating the session on first
// contact and evicting the oldest messages beyond MaxMessages.
func (s *Store) Append(userID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	sess, ok := s.sessions[userID]
	if !ok {
		sess = &Session{UserID: userID, CreatedAt: now}
		s.sessions[userID] = sess
	}
	sess.Messages = append(sess.Messages, msg)
	if overflow := len(sess.Messages) - MaxMessages; overflow > 0 {
		sess.Messages = append([]Message(nil), sess.Messages[overflow:]...)
	}
	sess.LastActivityAt = now

	return s.persistLocked()
}

// Recent returns up to n of the user's newest messages, oldest first. n <= 0
// returns the full retained history.
func (s *Store) Recent(userID string, n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return nil
	}
	msgs := sess.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Get returns a copy of the user's session.
func (s *Store) Get(userID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return nil, false
	}
	out := *sess
	out.Messages = make([]Message, len(sess.Messages))
	copy(out.Messages, sess.Messages)
	return &out, true
}

// Clear removes the user's session entirely; the next message recreates it.
func (s *Store) Clear(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[userID]; !ok {
		return nil
	}
	delete(s.sessions, userID)
	return s.persistLocked()
}

// SetWorkspace records the user's current working-copy path.
func (s *Store) SetWorkspace(userID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sess, ok := s.sessions[userID]
	if !ok {
		sess = &Session{UserID: userID, CreatedAt: now}
		s.sessions[userID] = sess
	}
	sess.CurrentWorkspace = path
	sess.LastActivityAt = now

	return s.persistLocked()
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// persistLocked writes the whole map atomically. Callers hold the write lock.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	cleanup = false
	return nil
}
