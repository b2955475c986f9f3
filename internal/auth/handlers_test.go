package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/storygate/storygate/internal/store"
)

func newTestHandlers(t *testing.T) (*Handlers, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sessions, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	t.Cleanup(sessions.Close)

	return NewHandlers(st, sessions, false), st
}

func credentialsBody(t *testing.T, email, password string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(credentialsRequest{Email: email, Password: password})
	if err != nil {
		t.Fatalf("marshal credentials: %v", err)
	}
	return bytes.NewReader(body)
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestRegisterLoginCheckLogout(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.HandleRegister(rec, httptest.NewRequest(http.MethodPost, "/auth/register", credentialsBody(t, "Person@Example.Com", "correct-horse")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var registered userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &registered); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if registered.Email != "person@example.com" {
		t.Fatalf("email not normalized: %q", registered.Email)
	}
	cookie := sessionCookie(t, rec)
	if !cookie.HttpOnly {
		t.Fatal("session cookie is not HttpOnly")
	}

	rec = httptest.NewRecorder()
	h.HandleLogin(rec, httptest.NewRequest(http.MethodPost, "/auth/login", credentialsBody(t, "person@example.com", "correct-horse")))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status=%d, body=%q", rec.Code, rec.Body.String())
	}
	cookie = sessionCookie(t, rec)

	req := httptest.NewRequest(http.MethodGet, "/auth/check", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.HandleCheck(rec, req)
	var check checkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil {
		t.Fatalf("decode check response: %v", err)
	}
	if !check.Authenticated || check.User == nil || check.User.ID != registered.ID {
		t.Fatalf("check after login: %+v", check)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.HandleLogout(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/auth/check", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.HandleCheck(rec, req)
	check = checkResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil {
		t.Fatalf("decode check response: %v", err)
	}
	if check.Authenticated {
		t.Fatal("session still valid after logout")
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.HandleRegister(rec, httptest.NewRequest(http.MethodPost, "/auth/register", credentialsBody(t, "dup@example.com", "long-enough-pass")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first register status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HandleRegister(rec, httptest.NewRequest(http.MethodPost, "/auth/register", credentialsBody(t, "dup@example.com", "another-password")))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register status=%d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestRegisterRejectsWeakPasswordAndBadEmail(t *testing.T) {
	h, _ := newTestHandlers(t)

	cases := []struct {
		email, password string
	}{
		{"ok@example.com", "short"},
		{"not-an-email", "long-enough-pass"},
		{"", "long-enough-pass"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.HandleRegister(rec, httptest.NewRequest(http.MethodPost, "/auth/register", credentialsBody(t, tc.email, tc.password)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("register(%q, %q) status=%d, want %d", tc.email, tc.password, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.HandleRegister(rec, httptest.NewRequest(http.MethodPost, "/auth/register", credentialsBody(t, "who@example.com", "the-real-password")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status=%d", rec.Code)
	}

	for _, tc := range []struct{ email, password string }{
		{"who@example.com", "wrong-password"},
		{"nobody@example.com", "the-real-password"},
	} {
		rec = httptest.NewRecorder()
		h.HandleLogin(rec, httptest.NewRequest(http.MethodPost, "/auth/login", credentialsBody(t, tc.email, tc.password)))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("login(%q) status=%d, want %d", tc.email, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	h, st := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.HandleRegister(rec, httptest.NewRequest(http.MethodPost, "/auth/register", credentialsBody(t, "plain@example.com", "long-enough-pass")))
	cookie := sessionCookie(t, rec)
	var plain userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &plain); err != nil {
		t.Fatalf("decode register response: %v", err)
	}

	handler := h.RequireAdmin(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/thing", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin status=%d, want %d", rec.Code, http.StatusForbidden)
	}

	if err := st.SetUserAdmin(plain.ID, true); err != nil {
		t.Fatalf("SetUserAdmin: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/admin/thing", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status=%d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/admin/thing", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSessionExpiry(t *testing.T) {
	sessions, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	t.Cleanup(sessions.Close)

	token, err := sessions.Create("u_test", time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec, err := sessions.Get(token)
	if err != nil || rec.UserID != "u_test" {
		t.Fatalf("Get: rec=%+v err=%v", rec, err)
	}

	if err := sessions.DeleteExpired(time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if _, err := sessions.Get(token); err == nil {
		t.Fatal("expired session still resolves")
	}
}
