package media

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestSynthesizePath_Shape(t *testing.T) {
	now := time.Date(2025, 3, 9, 14, 30, 5, 0, time.UTC)

	got, err := SynthesizePath("photos", "acme", "Holiday Photo.JPG", now)
	if err != nil {
		t.Fatalf("synthesize failed: %v", err)
	}

	pattern := regexp.MustCompile(`^photos/2025/03/09/acme_20250309_143005_[0-9a-f]{12}\.jpg$`)
	if !pattern.MatchString(got) {
		t.Errorf("path %q does not match canonical shape", got)
	}
}

func TestSynthesizePath_NoExtension(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := SynthesizePath("other", "t1", "README", now)
	if err != nil {
		t.Fatalf("synthesize failed: %v", err)
	}
	if strings.Contains(got[len("other/2006/01/02/"):], ".") {
		t.Errorf("expected no extension in %q", got)
	}
}

func TestSynthesizePath_UTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	local := time.Date(2025, 6, 1, 2, 0, 0, 0, loc) // 2025-05-31 21:00 UTC

	got, err := SynthesizePath("text", "t1", "a.txt", local)
	if err != nil {
		t.Fatalf("synthesize failed: %v", err)
	}
	if !strings.HasPrefix(got, "text/2025/05/31/") {
		t.Errorf("expected UTC date folder, got %q", got)
	}
}

func TestSynthesizePath_RandomSuffixVaries(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		p, err := SynthesizePath("photos", "t1", "a.jpg", now)
		if err != nil {
			t.Fatalf("synthesize failed: %v", err)
		}
		if seen[p] {
			t.Fatalf("duplicate path %q", p)
		}
		seen[p] = true
	}
}

func TestThumbPath(t *testing.T) {
	got := ThumbPath("photos/2025/03/09/t1_20250309_143005_abcdef123456.jpg", "small", "jpg")
	want := "thumbnails/t1_20250309_143005_abcdef123456_small.jpg"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStagingPath(t *testing.T) {
	got := StagingPath("t1", "u-123")
	if got != "staging/t1/u-123.part" {
		t.Errorf("unexpected staging path %q", got)
	}
}
