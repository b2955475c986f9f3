package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storygate/storygate/internal/store"
)

// SessionCookieName is the cookie carrying the raw session token.
const SessionCookieName = "storygate_session"

// DefaultSessionTTL is how long a login session lasts.
const DefaultSessionTTL = 7 * 24 * time.Hour

// Handlers implements email/password authentication over cookie sessions.
type Handlers struct {
	store         *store.Store
	sessions      *SessionStore
	secureCookies bool
	sessionTTL    time.Duration
}

// NewHandlers creates authentication handlers. secureCookies must be true
// whenever the service is reached over HTTPS.
func NewHandlers(st *store.Store, sessions *SessionStore, secureCookies bool) *Handlers {
	return &Handlers{
		store:         st,
		sessions:      sessions,
		secureCookies: secureCookies,
		sessionTTL:    DefaultSessionTTL,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

type checkResponse struct {
	Authenticated bool          `json:"authenticated"`
	User          *userResponse `json:"user,omitempty"`
}

func toUserResponse(u *store.User) *userResponse {
	return &userResponse{ID: u.ID, Email: u.Email, IsAdmin: u.IsAdmin}
}

// HandleRegister creates a new account.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	email, err := NormalizeEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := ValidatePasswordComplexity(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := h.store.GetUserByEmail(email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	id, err := store.GenerateUserID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	user := &store.User{ID: id, Email: email, PasswordHash: hash}
	if err := h.store.CreateUser(user); err != nil {
		// A concurrent register for the same email loses the unique-index
		// race here.
		writeError(w, http.StatusConflict, "email already registered")
		return
	}

	log.Info().Str("user_id", user.ID).Msg("User registered")
	h.startSession(w, user, http.StatusCreated)
}

// HandleLogin verifies credentials and starts a session.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := h.store.GetUserByEmail(email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	// The hash check runs against a dummy hash when the user is unknown so
	// both paths take comparable time.
	hash := "$2a$12$C6UzMDM.H6dfI/f/IKcEeO7ZnWVtV0GIs1NJEbhs2uhCZVf6hGium"
	if user != nil {
		hash = user.PasswordHash
	}
	if !CheckPasswordHash(req.Password, hash) || user == nil {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	log.Info().Str("user_id", user.ID).Msg("User logged in")
	h.startSession(w, user, http.StatusOK)
}

// HandleLogout ends the current session.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if err := h.sessions.Delete(cookie.Value); err != nil {
			log.Warn().Err(err).Msg("Failed to delete session on logout")
		}
	}
	h.clearCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}

// HandleCheck reports the authentication state of the request.
func (h *Handlers) HandleCheck(w http.ResponseWriter, r *http.Request) {
	user := h.userForRequest(r)
	if user == nil {
		writeJSON(w, http.StatusOK, checkResponse{Authenticated: false})
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Authenticated: true, User: toUserResponse(user)})
}

func (h *Handlers) startSession(w http.ResponseWriter, user *store.User, status int) {
	token, err := h.sessions.Create(user.ID, h.sessionTTL)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to create session")
		writeError(w, http.StatusInternalServerError, "session creation failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, status, toUserResponse(user))
}

func (h *Handlers) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// userForRequest resolves the request's session cookie to a user, or nil.
func (h *Handlers) userForRequest(r *http.Request) *store.User {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil
	}
	rec, err := h.sessions.Get(cookie.Value)
	if err != nil {
		return nil
	}
	user, err := h.store.GetUser(rec.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", rec.UserID).Msg("Failed to load session user")
		return nil
	}
	return user
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("auth: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
