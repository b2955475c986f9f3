package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	ErrSessionInvalid = errors.New("session token is invalid")
	ErrSessionExpired = errors.New("session token is expired")
)

const sessionCleanupInterval = 5 * time.Minute
const privateDirPerm = 0o700

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}

// SessionRecord holds the data associated with a stored session token.
type SessionRecord struct {
	UserID    string
	ExpiresAt time.Time
}

// SessionStore persists login sessions in SQLite. Sessions are identified by
// SHA-256(rawToken) stored as hex; the raw token only ever lives in the
// user's cookie.
type SessionStore struct {
	db          *sql.DB
	stopCleanup chan struct{}
}

// NewSessionStore opens (or creates) the session database in dir.
func NewSessionStore(dir string) (*SessionStore, error) {
	dir = filepath.Clean(dir)
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("dir is required")
	}
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("create session store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "sessions.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SessionStore{
		db:          db,
		stopCleanup: make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close session db after schema init failure: %w", closeErr))
		}
		return nil, err
	}

	go s.cleanupLoop()
	return s, nil
}

func (s *SessionStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init session schema: %w", err)
	}
	return nil
}

func (s *SessionStore) cleanupLoop() {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.DeleteExpired(time.Now().UTC()); err != nil {
				log.Warn().Err(err).Msg("Failed to delete expired sessions")
			}
		case <-s.stopCleanup:
			return
		}
	}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Create mints a new session for the user and returns the raw token.
func (s *SessionStore) Create(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("userID is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	raw := hex.EncodeToString(buf)

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO sessions (token_hash, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		hashToken(raw), userID, now.Add(ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return raw, nil
}

// Get resolves a raw session token. Expired sessions are deleted on sight.
func (s *SessionStore) Get(raw string) (*SessionRecord, error) {
	if raw == "" {
		return nil, ErrSessionInvalid
	}
	tokenHash := hashToken(raw)

	var rec SessionRecord
	var expiresAt int64
	err := s.db.QueryRow(`
		SELECT user_id, expires_at FROM sessions WHERE token_hash = ?`,
		tokenHash,
	).Scan(&rec.UserID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if time.Now().UTC().After(rec.ExpiresAt) {
		_, _ = s.db.Exec(`DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
		return nil, ErrSessionExpired
	}
	return &rec, nil
}

// Delete removes a session by raw token. Unknown tokens are a no-op.
func (s *SessionStore) Delete(raw string) error {
	if raw == "" {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE token_hash = ?`, hashToken(raw)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteForUser removes every session belonging to the user.
func (s *SessionStore) DeleteForUser(userID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete sessions for user: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions past their expiry.
func (s *SessionStore) DeleteExpired(now time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, now.Unix()); err != nil {
		return fmt.Errorf("delete expired sessions: %w", err)
	}
	return nil
}

// Close stops the background cleanup goroutine and closes the database.
func (s *SessionStore) Close() {
	close(s.stopCleanup)
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close session db")
	}
}
