package content

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ExtractVideoID pulls the 11-character YouTube video id out of any of the
// common URL shapes (watch, youtu.be, embed, shorts). A bare video id is
// accepted as-is.
func ExtractVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("video URL is required")
	}
	if videoIDPattern.MatchString(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid video URL")
	}

	var candidate string
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtu.be":
		candidate = strings.Trim(u.Path, "/")
	case "youtube.com", "m.youtube.com", "youtube-nocookie.com":
		switch {
		case u.Path == "/watch":
			candidate = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/embed/"):
			candidate = strings.TrimPrefix(u.Path, "/embed/")
		case strings.HasPrefix(u.Path, "/shorts/"):
			candidate = strings.TrimPrefix(u.Path, "/shorts/")
		case strings.HasPrefix(u.Path, "/v/"):
			candidate = strings.TrimPrefix(u.Path, "/v/")
		}
	default:
		return "", fmt.Errorf("unsupported video host %q", u.Hostname())
	}

	candidate = strings.Trim(candidate, "/")
	if i := strings.IndexAny(candidate, "/?&"); i >= 0 {
		candidate = candidate[:i]
	}
	if !videoIDPattern.MatchString(candidate) {
		return "", fmt.Errorf("could not extract video id from URL")
	}
	return candidate, nil
}

// ThumbnailURL returns the standard YouTube thumbnail for a video id.
func ThumbnailURL(videoID string) string {
	return fmt.Sprintf("https://img.youtube.com/vi/%s/hqdefault.jpg", videoID)
}
