package classifier

import (
	"testing"
)

func mustTaxonomy(t *testing.T) *Taxonomy {
	t.Helper()
	tax, err := Default()
	if err != nil {
		t.Fatalf("failed to load built-in taxonomy: %v", err)
	}
	return tax
}

func TestClassify_ExtensionWins(t *testing.T) {
	tax := mustTaxonomy(t)

	// Uppercase extension, arbitrary magic: extension still decides.
	res := tax.Classify("photo.JPG", "image/jpeg", "application/zip")

	if res.Tag.Name != "photos" {
		t.Errorf("expected category photos, got %s", res.Tag.Name)
	}
	if res.MatchedBy != MatchedByExtension {
		t.Errorf("expected matched_by extension, got %s", res.MatchedBy)
	}
	if res.Extension != ".jpg" {
		t.Errorf("expected extension .jpg, got %s", res.Extension)
	}
	if !res.Tag.Thumbable {
		t.Error("expected photos to be thumbable")
	}
}

func TestClassify_MagicPreferredOverDeclared(t *testing.T) {
	tax := mustTaxonomy(t)

	res := tax.Classify("upload.bin", "text/plain", "image/png")

	if res.Tag.Name != "photos" {
		t.Errorf("expected category photos from magic, got %s", res.Tag.Name)
	}
	if res.MatchedBy != MatchedByMagic {
		t.Errorf("expected matched_by magic, got %s", res.MatchedBy)
	}
}

func TestClassify_DeclaredMIMEWhenMagicGeneric(t *testing.T) {
	tax := mustTaxonomy(t)

	res := tax.Classify("noext", "video/mp4", "application/octet-stream")

	if res.Tag.Name != "videos_mp4" {
		t.Errorf("expected videos_mp4, got %s", res.Tag.Name)
	}
	if res.MatchedBy != MatchedByMIME {
		t.Errorf("expected matched_by mime, got %s", res.MatchedBy)
	}
}

func TestClassify_UnknownFallsBackToOther(t *testing.T) {
	tax := mustTaxonomy(t)

	res := tax.Classify("mystery.zzz", "", "")

	if res.Tag.Name != FallbackTag {
		t.Errorf("expected other, got %s", res.Tag.Name)
	}
	if res.MatchedBy != MatchedByDefault {
		t.Errorf("expected matched_by default, got %s", res.MatchedBy)
	}
	if res.EffectiveMIME != "application/octet-stream" {
		t.Errorf("expected octet-stream effective MIME, got %s", res.EffectiveMIME)
	}
}

func TestClassify_SpecificBeforeGeneral(t *testing.T) {
	tax := mustTaxonomy(t)

	// videos_other carries the bare "video/" prefix; a quicktime MIME must
	// still land on videos_mov because it is configured earlier.
	res := tax.Classify("clip", "video/quicktime", "")
	if res.Tag.Name != "videos_mov" {
		t.Errorf("expected videos_mov, got %s", res.Tag.Name)
	}

	// An unlisted video subtype falls through to the generic prefix.
	res = tax.Classify("clip", "video/x-unknown-codec", "")
	if res.Tag.Name != "videos_other" {
		t.Errorf("expected videos_other, got %s", res.Tag.Name)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	tax := mustTaxonomy(t)

	first := tax.Classify("a.tar.gz", "application/gzip", "application/gzip")
	for i := 0; i < 10; i++ {
		got := tax.Classify("a.tar.gz", "application/gzip", "application/gzip")
		if got.Tag.Name != first.Tag.Name || got.MatchedBy != first.MatchedBy ||
			got.Extension != first.Extension || got.EffectiveMIME != first.EffectiveMIME {
			t.Fatalf("classification not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestClassify_MIMEParametersIgnored(t *testing.T) {
	tax := mustTaxonomy(t)

	res := tax.Classify("page", "", "text/html; charset=utf-8")
	if res.Tag.Name != "html" {
		t.Errorf("expected html, got %s", res.Tag.Name)
	}
	if res.MatchedBy != MatchedByMagic {
		t.Errorf("expected matched_by magic, got %s", res.MatchedBy)
	}
}

func TestThumbable_GatedByTagOnly(t *testing.T) {
	tax := mustTaxonomy(t)

	// Mis-extension cannot make a non-thumbable tag thumbable: the pipeline
	// consults only the tag.
	res := tax.Classify("movie.mp4", "image/jpeg", "image/jpeg")
	if res.Tag.Name != "videos_mp4" {
		t.Fatalf("expected videos_mp4, got %s", res.Tag.Name)
	}
	if tax.Thumbable(res.Tag.Name) {
		t.Error("videos_mp4 must not be thumbable")
	}

	for _, name := range []string{"photos", "gifs", "webp", "icons"} {
		if !tax.Thumbable(name) {
			t.Errorf("expected %s to be thumbable", name)
		}
	}
}

func TestParse_RequiresFallback(t *testing.T) {
	_, err := parse([]byte(`
[[category]]
name = "photos"
extensions = [".jpg"]
mime_patterns = ["image/jpeg"]
thumbable = true
description = "Photos"
`))
	if err == nil {
		t.Fatal("expected error for taxonomy missing the other category")
	}
}

func TestParse_RejectsDuplicates(t *testing.T) {
	_, err := parse([]byte(`
[[category]]
name = "other"
extensions = []
mime_patterns = []
thumbable = false
description = "A"

[[category]]
name = "other"
extensions = []
mime_patterns = []
thumbable = false
description = "B"
`))
	if err == nil {
		t.Fatal("expected error for duplicate category names")
	}
}

func TestSniffMIME(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}
	if got := SniffMIME(png); got != "image/png" {
		t.Errorf("expected image/png, got %q", got)
	}
	if got := SniffMIME(nil); got != "" {
		t.Errorf("expected empty sniff for empty head, got %q", got)
	}
	// Random binary yields octet-stream, which counts as no signal.
	if got := SniffMIME([]byte{0x00, 0x01, 0x02, 0x03}); got != "" {
		t.Errorf("expected empty sniff for generic binary, got %q", got)
	}
}
