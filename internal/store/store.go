package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides persistence for users, subscriptions, and the story catalog,
// backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database in dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "storygate.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_admin      INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id          TEXT PRIMARY KEY REFERENCES users(id),
		customer_id      TEXT NOT NULL DEFAULT '',
		subscription_id  TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'incomplete',
		period_start     INTEGER,
		period_end       INTEGER,
		provider_version INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_id ON subscriptions(customer_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_subscription_id ON subscriptions(subscription_id);
	CREATE TABLE IF NOT EXISTS stories (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		video_url     TEXT NOT NULL,
		video_id      TEXT NOT NULL,
		thumbnail_url TEXT NOT NULL DEFAULT '',
		active        INTEGER NOT NULL DEFAULT 1,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_stories_video_id ON stories(video_id);
	CREATE INDEX IF NOT EXISTS idx_stories_active ON stories(active);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- users ---

// CreateUser inserts a new user record.
func (s *Store) CreateUser(u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	_, err := s.db.Exec(`
		INSERT INTO users (id, email, password_hash, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, boolToInt(u.IsAdmin), u.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID. Returns (nil, nil) when absent.
func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, password_hash, is_admin, created_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email. Returns (nil, nil) when absent.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, password_hash, is_admin, created_at
		FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

// SetUserPassword replaces a user's password hash.
func (s *Store) SetUserPassword(id, passwordHash string) error {
	res, err := s.db.Exec(`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("set user password: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %q not found", id)
	}
	return nil
}

// SetUserAdmin updates a user's administrative flag.
func (s *Store) SetUserAdmin(id string, isAdmin bool) error {
	res, err := s.db.Exec(`UPDATE users SET is_admin = ? WHERE id = ?`, boolToInt(isAdmin), id)
	if err != nil {
		return fmt.Errorf("set user admin: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %q not found", id)
	}
	return nil
}

// CountUsers returns the total number of users.
func (s *Store) CountUsers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// --- subscriptions ---

// GetSubscription retrieves the subscription row for a user.
// Returns (nil, nil) when absent.
func (s *Store) GetSubscription(userID string) (*Subscription, error) {
	row := s.db.QueryRow(subscriptionSelect+` WHERE user_id = ?`, userID)
	return scanSubscription(row)
}

// GetSubscriptionByCustomerID retrieves the subscription row holding the
// given external customer ID. Returns (nil, nil) when absent.
func (s *Store) GetSubscriptionByCustomerID(customerID string) (*Subscription, error) {
	row := s.db.QueryRow(subscriptionSelect+` WHERE customer_id = ?`, customerID)
	return scanSubscription(row)
}

// GetSubscriptionBySubscriptionID retrieves the subscription row holding the
// given external subscription ID. Returns (nil, nil) when absent.
func (s *Store) GetSubscriptionBySubscriptionID(subscriptionID string) (*Subscription, error) {
	row := s.db.QueryRow(subscriptionSelect+` WHERE subscription_id = ?`, subscriptionID)
	return scanSubscription(row)
}

const subscriptionSelect = `SELECT
	user_id, customer_id, subscription_id, status,
	period_start, period_end, provider_version, created_at, updated_at
	FROM subscriptions`

// BindCustomer records the external customer ID for a user, inserting the
// subscription row if absent. The customer ID is immutable once set: a row
// that already holds a different non-empty customer ID is left untouched and
// an error is returned.
func (s *Store) BindCustomer(userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("user id and customer id are required")
	}
	now := time.Now().UTC().Unix()
	res, err := s.db.Exec(`
		INSERT INTO subscriptions (user_id, customer_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			customer_id = excluded.customer_id,
			updated_at  = excluded.updated_at
		WHERE subscriptions.customer_id = '' OR subscriptions.customer_id = excluded.customer_id`,
		userID, customerID, string(StatusIncomplete), now, now,
	)
	if err != nil {
		return fmt.Errorf("bind customer: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("customer id already bound for user %q", userID)
	}
	return nil
}

// RebindCustomer replaces a user's customer ID after the provider has stopped
// recognizing the stored one. Unlike BindCustomer the overwrite is explicit:
// the caller names the id being replaced and the write only lands while the
// row still holds it, so a concurrent rebind cannot be clobbered.
func (s *Store) RebindCustomer(userID, oldCustomerID, newCustomerID string) error {
	if userID == "" || oldCustomerID == "" || newCustomerID == "" {
		return fmt.Errorf("user id and both customer ids are required")
	}
	res, err := s.db.Exec(`
		UPDATE subscriptions SET customer_id = ?, updated_at = ?
		WHERE user_id = ? AND customer_id = ?`,
		newCustomerID, time.Now().UTC().Unix(), userID, oldCustomerID,
	)
	if err != nil {
		return fmt.Errorf("rebind customer: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("customer id for user %q is no longer %q", userID, oldCustomerID)
	}
	return nil
}

// ApplySnapshot writes a reconciled provider snapshot to the user's
// subscription row. Status, period bounds, subscription ID, provider version,
// and updated_at change together in one statement; a partial write is never
// observable.
func (s *Store) ApplySnapshot(userID string, sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	sub.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE subscriptions SET
			subscription_id  = ?,
			status           = ?,
			period_start     = ?,
			period_end       = ?,
			provider_version = ?,
			updated_at       = ?
		WHERE user_id = ?`,
		sub.SubscriptionID, string(sub.Status),
		nullableTimeUnix(sub.PeriodStart), nullableTimeUnix(sub.PeriodEnd),
		sub.ProviderVersion, sub.UpdatedAt.Unix(),
		userID,
	)
	if err != nil {
		return fmt.Errorf("apply subscription snapshot: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("subscription row for user %q not found", userID)
	}
	return nil
}

// CountEntitled returns the number of users whose subscription grants access
// at the given time (active status with an unexpired period).
func (s *Store) CountEntitled(now time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM subscriptions
		WHERE status = ? AND period_end IS NOT NULL AND period_end > ?`,
		string(StatusActive), now.UTC().Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entitled: %w", err)
	}
	return n, nil
}

// CountByStatus returns a map of subscription status -> count.
func (s *Store) CountByStatus() (map[SubscriptionStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[SubscriptionStatus(status)] = count
	}
	return counts, rows.Err()
}

// --- stories ---

// CreateStory inserts a new story record.
func (s *Store) CreateStory(st *Story) error {
	if st == nil {
		return fmt.Errorf("story is nil")
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO stories (id, title, description, video_url, video_id, thumbnail_url, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Title, st.Description, st.VideoURL, st.VideoID, st.ThumbnailURL,
		boolToInt(st.Active), st.CreatedAt.Unix(), st.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create story: %w", err)
	}
	return nil
}

// GetStory retrieves a story by ID. Returns (nil, nil) when absent.
func (s *Store) GetStory(id string) (*Story, error) {
	row := s.db.QueryRow(storySelect+` WHERE id = ?`, id)
	return scanStory(row)
}

// GetStoryByVideoID retrieves a story by its extracted video ID.
func (s *Store) GetStoryByVideoID(videoID string) (*Story, error) {
	row := s.db.QueryRow(storySelect+` WHERE video_id = ?`, videoID)
	return scanStory(row)
}

// ListStories returns all stories, newest first.
func (s *Store) ListStories() ([]*Story, error) {
	rows, err := s.db.Query(storySelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()
	return scanStories(rows)
}

// ListActiveStories returns active stories, newest first.
func (s *Store) ListActiveStories() ([]*Story, error) {
	rows, err := s.db.Query(storySelect+` WHERE active = 1 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active stories: %w", err)
	}
	defer rows.Close()
	return scanStories(rows)
}

// UpdateStory modifies an existing story record.
func (s *Store) UpdateStory(st *Story) error {
	if st == nil {
		return fmt.Errorf("story is nil")
	}
	st.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE stories SET
			title = ?, description = ?, video_url = ?, video_id = ?,
			thumbnail_url = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		st.Title, st.Description, st.VideoURL, st.VideoID,
		st.ThumbnailURL, boolToInt(st.Active), st.UpdatedAt.Unix(),
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("update story: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("story %q not found", st.ID)
	}
	return nil
}

// DeleteStory removes a story record.
func (s *Store) DeleteStory(id string) error {
	res, err := s.db.Exec(`DELETE FROM stories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete story: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("story %q not found", id)
	}
	return nil
}

// CountActiveStories returns the number of active stories, and how many of
// those were created at or after since.
func (s *Store) CountActiveStories(since time.Time) (total, recent int, err error) {
	row := s.db.QueryRow(`SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0)
		FROM stories WHERE active = 1`, since.UTC().Unix())
	if err := row.Scan(&total, &recent); err != nil {
		return 0, 0, fmt.Errorf("count active stories: %w", err)
	}
	return total, recent, nil
}

// --- scan helpers ---

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*User, error) {
	var u User
	var isAdmin int
	var createdAt int64

	err := s.Scan(&u.ID, &u.Email, &u.PasswordHash, &isAdmin, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.IsAdmin = isAdmin != 0
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var status string
	var periodStart, periodEnd sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&sub.UserID, &sub.CustomerID, &sub.SubscriptionID, &status,
		&periodStart, &periodEnd, &sub.ProviderVersion, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Status = SubscriptionStatus(status)
	if periodStart.Valid {
		ts := time.Unix(periodStart.Int64, 0).UTC()
		sub.PeriodStart = &ts
	}
	if periodEnd.Valid {
		ts := time.Unix(periodEnd.Int64, 0).UTC()
		sub.PeriodEnd = &ts
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

const storySelect = `SELECT
	id, title, description, video_url, video_id, thumbnail_url, active, created_at, updated_at
	FROM stories`

func scanStory(s scanner) (*Story, error) {
	var st Story
	var active int
	var createdAt, updatedAt int64

	err := s.Scan(
		&st.ID, &st.Title, &st.Description, &st.VideoURL, &st.VideoID,
		&st.ThumbnailURL, &active, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan story: %w", err)
	}
	st.Active = active != 0
	st.CreatedAt = time.Unix(createdAt, 0).UTC()
	st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &st, nil
}

func scanStories(rows *sql.Rows) ([]*Story, error) {
	var stories []*Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, st)
	}
	return stories, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
