package content

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/storygate/storygate/internal/auth"
	"github.com/storygate/storygate/internal/billing"
	"github.com/storygate/storygate/internal/store"
)

type testEnv struct {
	store    *store.Store
	auth     *auth.Handlers
	content  *Handlers
	sessions *auth.SessionStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sessions, err := auth.NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	t.Cleanup(sessions.Close)

	return &testEnv{
		store:    st,
		auth:     auth.NewHandlers(st, sessions, false),
		content:  NewHandlers(st, billing.NewEntitlements(st)),
		sessions: sessions,
	}
}

// register creates an account through the auth handlers and returns the user
// id and session cookie.
func (env *testEnv) register(t *testing.T, email string) (string, *http.Cookie) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "password": "long-enough-pass"})
	rec := httptest.NewRecorder()
	env.auth.HandleRegister(rec, httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var u struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			return u.ID, c
		}
	}
	t.Fatal("no session cookie")
	return "", nil
}

func (env *testEnv) entitle(t *testing.T, userID string) {
	t.Helper()
	rec := billing.NewReconciler(env.store, nil)
	now := time.Now().UTC()
	err := rec.Apply(context.Background(), &billing.Snapshot{
		SubscriptionID: "sub_feed_test1",
		CustomerID:     "cus_feed_test1",
		Status:         store.StatusActive,
		PeriodStart:    now.Add(-time.Hour),
		PeriodEnd:      now.Add(30 * 24 * time.Hour),
		Version:        1,
	}, userID)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func (env *testEnv) addStory(t *testing.T, title string, active bool) *store.Story {
	t.Helper()
	id, err := store.GenerateStoryID()
	if err != nil {
		t.Fatalf("GenerateStoryID: %v", err)
	}
	st := &store.Story{
		ID:       id,
		Title:    title,
		VideoURL: "https://youtu.be/dQw4w9WgXcQ",
		VideoID:  id[3:],
		Active:   active,
	}
	if err := env.store.CreateStory(st); err != nil {
		t.Fatalf("CreateStory: %v", err)
	}
	return st
}

func TestFeedRequiresEntitlement(t *testing.T) {
	env := newTestEnv(t)
	_, cookie := env.register(t, "viewer@example.com")
	env.addStory(t, "Gated story", true)

	feed := env.auth.RequireUser(env.content.HandleFeed)

	req := httptest.NewRequest(http.MethodGet, "/stories", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	feed(rec, req)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("unentitled feed status=%d, want %d, body=%q", rec.Code, http.StatusPaymentRequired, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	feed(rec, httptest.NewRequest(http.MethodGet, "/stories", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous feed status=%d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestFeedListsActiveStoriesForEntitledUser(t *testing.T) {
	env := newTestEnv(t)
	userID, cookie := env.register(t, "subscriber@example.com")
	env.entitle(t, userID)

	env.addStory(t, "Visible story", true)
	env.addStory(t, "Hidden story", false)

	feed := env.auth.RequireUser(env.content.HandleFeed)
	req := httptest.NewRequest(http.MethodGet, "/stories", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	feed(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("feed status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var resp storiesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if len(resp.Stories) != 1 || resp.Stories[0].Title != "Visible story" {
		t.Fatalf("unexpected feed contents: %+v", resp.Stories)
	}
}

func TestCreateStoryExtractsVideoMetadata(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(storyRequest{
		Title:    "How it began",
		VideoURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
	})
	rec := httptest.NewRecorder()
	env.content.HandleCreateStory(rec, httptest.NewRequest(http.MethodPost, "/admin/stories", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var story store.Story
	if err := json.Unmarshal(rec.Body.Bytes(), &story); err != nil {
		t.Fatalf("decode story: %v", err)
	}
	if story.VideoID != "dQw4w9WgXcQ" {
		t.Fatalf("video id=%q", story.VideoID)
	}
	if story.ThumbnailURL != ThumbnailURL("dQw4w9WgXcQ") {
		t.Fatalf("thumbnail=%q", story.ThumbnailURL)
	}
	if !story.Active {
		t.Fatal("story not active by default")
	}

	// Same video again is a conflict.
	rec = httptest.NewRecorder()
	env.content.HandleCreateStory(rec, httptest.NewRequest(http.MethodPost, "/admin/stories", bytes.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status=%d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestUpdateAndDeleteStory(t *testing.T) {
	env := newTestEnv(t)
	story := env.addStory(t, "Before", true)

	inactive := false
	body, _ := json.Marshal(storyRequest{Title: "After", Active: &inactive})
	req := httptest.NewRequest(http.MethodPut, "/admin/stories/"+story.ID, bytes.NewReader(body))
	req.SetPathValue("id", story.ID)
	rec := httptest.NewRecorder()
	env.content.HandleUpdateStory(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status=%d, body=%q", rec.Code, rec.Body.String())
	}

	updated, _ := env.store.GetStory(story.ID)
	if updated.Title != "After" || updated.Active {
		t.Fatalf("update not persisted: %+v", updated)
	}

	req = httptest.NewRequest(http.MethodDelete, "/admin/stories/"+story.ID, nil)
	req.SetPathValue("id", story.ID)
	rec = httptest.NewRecorder()
	env.content.HandleDeleteStory(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rec.Code)
	}
	if got, _ := env.store.GetStory(story.ID); got != nil {
		t.Fatalf("story still present after delete: %+v", got)
	}

	// Deleting again is a 404.
	req = httptest.NewRequest(http.MethodDelete, "/admin/stories/"+story.ID, nil)
	req.SetPathValue("id", story.ID)
	rec = httptest.NewRecorder()
	env.content.HandleDeleteStory(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	userID, _ := env.register(t, "stats@example.com")
	env.entitle(t, userID)
	env.addStory(t, "One", true)
	env.addStory(t, "Two", false)

	rec := httptest.NewRecorder()
	env.content.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resp.Users != 1 || resp.Entitled != 1 {
		t.Fatalf("users=%d entitled=%d, want 1/1", resp.Users, resp.Entitled)
	}
	if resp.Stories.Total != 1 {
		t.Fatalf("active stories=%d, want 1", resp.Stories.Total)
	}
}
