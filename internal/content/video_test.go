package content

import "testing"

func TestExtractVideoID(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
		{"https://youtube.com/watch?v=dQw4w9WgXcQ&t=42s", "dQw4w9WgXcQ", false},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
		{"https://youtu.be/dQw4w9WgXcQ?si=abc", "dQw4w9WgXcQ", false},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
		{"https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
		{"dQw4w9WgXcQ", "dQw4w9WgXcQ", false},
		{"https://vimeo.com/123456789", "", true},
		{"https://www.youtube.com/watch", "", true},
		{"not a url", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ExtractVideoID(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ExtractVideoID(%q) = %q, want error", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ExtractVideoID(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ExtractVideoID(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestThumbnailURL(t *testing.T) {
	got := ThumbnailURL("dQw4w9WgXcQ")
	want := "https://img.youtube.com/vi/dQw4w9WgXcQ/hqdefault.jpg"
	if got != want {
		t.Fatalf("ThumbnailURL = %q, want %q", got, want)
	}
}
