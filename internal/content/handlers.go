package content

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storygate/storygate/internal/auth"
	"github.com/storygate/storygate/internal/billing"
	"github.com/storygate/storygate/internal/store"
)

// Handlers serves the story catalog. The feed is gated on entitlement; the
// management surface is admin-only and wired behind auth.RequireAdmin by the
// router.
type Handlers struct {
	store        *store.Store
	entitlements *billing.Entitlements
}

// NewHandlers creates content handlers.
func NewHandlers(st *store.Store, ent *billing.Entitlements) *Handlers {
	return &Handlers{store: st, entitlements: ent}
}

type storyRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	VideoURL    string `json:"video_url"`
	Active      *bool  `json:"active"`
}

type storiesResponse struct {
	Stories []*store.Story `json:"stories"`
}

// HandleFeed returns the active stories for an entitled user. Entitlement is
// answered from local state only; a lapsed period denies access even if a
// cancellation event went missing.
func (h *Handlers) HandleFeed(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	entitled, err := h.entitlements.IsEntitled(user.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("Entitlement check failed")
		writeError(w, http.StatusInternalServerError, "entitlement check failed")
		return
	}
	if !entitled {
		writeError(w, http.StatusPaymentRequired, "active subscription required")
		return
	}

	stories, err := h.store.ListActiveStories()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stories")
		writeError(w, http.StatusInternalServerError, "failed to load stories")
		return
	}
	writeJSON(w, http.StatusOK, storiesResponse{Stories: stories})
}

// HandleListStories returns every story including inactive ones.
func (h *Handlers) HandleListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := h.store.ListStories()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stories")
		return
	}
	writeJSON(w, http.StatusOK, storiesResponse{Stories: stories})
}

// HandleCreateStory adds a story to the catalog.
func (h *Handlers) HandleCreateStory(w http.ResponseWriter, r *http.Request) {
	var req storyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	videoID, err := ExtractVideoID(req.VideoURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := h.store.GetStoryByVideoID(videoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create story")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "a story for this video already exists")
		return
	}

	id, err := store.GenerateStoryID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create story")
		return
	}
	story := &store.Story{
		ID:           id,
		Title:        strings.TrimSpace(req.Title),
		Description:  strings.TrimSpace(req.Description),
		VideoURL:     strings.TrimSpace(req.VideoURL),
		VideoID:      videoID,
		ThumbnailURL: ThumbnailURL(videoID),
		Active:       req.Active == nil || *req.Active,
	}
	if err := h.store.CreateStory(story); err != nil {
		log.Error().Err(err).Msg("Failed to create story")
		writeError(w, http.StatusInternalServerError, "failed to create story")
		return
	}

	log.Info().Str("story_id", story.ID).Str("video_id", videoID).Msg("Story created")
	writeJSON(w, http.StatusCreated, story)
}

// HandleUpdateStory modifies a story's fields. Omitted fields keep their
// current value.
func (h *Handlers) HandleUpdateStory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	story, err := h.store.GetStory(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load story")
		return
	}
	if story == nil {
		writeError(w, http.StatusNotFound, "story not found")
		return
	}

	var req storyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) != "" {
		story.Title = strings.TrimSpace(req.Title)
	}
	if req.Description != "" {
		story.Description = strings.TrimSpace(req.Description)
	}
	if strings.TrimSpace(req.VideoURL) != "" {
		videoID, err := ExtractVideoID(req.VideoURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		story.VideoURL = strings.TrimSpace(req.VideoURL)
		story.VideoID = videoID
		story.ThumbnailURL = ThumbnailURL(videoID)
	}
	if req.Active != nil {
		story.Active = *req.Active
	}

	if err := h.store.UpdateStory(story); err != nil {
		log.Error().Err(err).Str("story_id", id).Msg("Failed to update story")
		writeError(w, http.StatusInternalServerError, "failed to update story")
		return
	}
	writeJSON(w, http.StatusOK, story)
}

// HandleDeleteStory removes a story.
func (h *Handlers) HandleDeleteStory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	story, err := h.store.GetStory(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load story")
		return
	}
	if story == nil {
		writeError(w, http.StatusNotFound, "story not found")
		return
	}
	if err := h.store.DeleteStory(id); err != nil {
		log.Error().Err(err).Str("story_id", id).Msg("Failed to delete story")
		writeError(w, http.StatusInternalServerError, "failed to delete story")
		return
	}
	log.Info().Str("story_id", id).Msg("Story deleted")
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type statsResponse struct {
	Users         int                              `json:"users"`
	Entitled      int                              `json:"entitled"`
	Subscriptions map[store.SubscriptionStatus]int `json:"subscriptions"`
	Stories       struct {
		Total  int `json:"total"`
		Recent int `json:"recent"`
	} `json:"stories"`
}

// HandleStats returns catalog and subscriber counts for the admin dashboard.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	var err error

	if resp.Users, err = h.store.CountUsers(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	if resp.Entitled, err = h.store.CountEntitled(time.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	if resp.Subscriptions, err = h.store.CountByStatus(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	total, recent, err := h.store.CountActiveStories(time.Now().AddDate(0, 0, -30))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	resp.Stories.Total = total
	resp.Stories.Recent = recent

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("content: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
