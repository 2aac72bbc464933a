// Package classifier assigns uploaded artifacts to a fixed, ordered
// taxonomy of category tags using extension, MIME and magic-byte signals.
package classifier

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/stackhaus/mediavault/internal/fault"
)

// FallbackTag is the designated fallback category. The taxonomy must
// contain it.
const FallbackTag = "other"

// genericMIME is the MIME type treated as "no signal" from magic sniffing.
const genericMIME = "application/octet-stream"

//go:embed taxonomy.toml
var builtinTaxonomy []byte

// MatchedBy records which signal decided a classification.
type MatchedBy string

const (
	MatchedByExtension MatchedBy = "extension"
	MatchedByMIME      MatchedBy = "mime"
	MatchedByMagic     MatchedBy = "magic"
	MatchedByDefault   MatchedBy = "default"
)

// Tag is one category of the taxonomy.
type Tag struct {
	Name         string   `toml:"name"`
	Extensions   []string `toml:"extensions"`
	MIMEPatterns []string `toml:"mime_patterns"`
	Thumbable    bool     `toml:"thumbable"`
	Description  string   `toml:"description"`
}

// Taxonomy is the closed, ordered set of category tags. It is immutable
// after load; a reload requires a restart.
type Taxonomy struct {
	tags   []Tag
	byName map[string]int
}

type taxonomyFile struct {
	Categories []Tag `toml:"category"`
}

// Result describes a classification decision.
type Result struct {
	Tag           Tag
	MatchedBy     MatchedBy
	Extension     string
	EffectiveMIME string
}

// Default returns the built-in taxonomy.
func Default() (*Taxonomy, error) {
	return parse(builtinTaxonomy)
}

// Load reads a taxonomy from a TOML file. An empty path loads the
// built-in taxonomy.
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Taxonomy, error) {
	var file taxonomyFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy: %w", err)
	}
	if len(file.Categories) == 0 {
		return nil, fault.New(fault.Internal, "taxonomy has no categories")
	}

	t := &Taxonomy{
		tags:   file.Categories,
		byName: make(map[string]int, len(file.Categories)),
	}
	for i, tag := range t.tags {
		if tag.Name == "" {
			return nil, fault.Newf(fault.Internal, "taxonomy category %d has no name", i)
		}
		if _, dup := t.byName[tag.Name]; dup {
			return nil, fault.Newf(fault.Internal, "duplicate taxonomy category %q", tag.Name)
		}
		t.byName[tag.Name] = i
	}
	if _, ok := t.byName[FallbackTag]; !ok {
		return nil, fault.Newf(fault.Internal, "taxonomy is missing the %q fallback category", FallbackTag)
	}
	return t, nil
}

// Classify maps (filename, declared MIME, magic MIME) to a category tag.
// It is a pure function: the same inputs always yield the same result.
//
// The extension wins over any MIME signal; when no extension matches, the
// effective MIME is the magic result if it carried a real signal, else the
// declared MIME, else application/octet-stream. A tag matches when one of
// its MIME patterns is a prefix of the effective MIME. Tags are scanned in
// configured order in both passes.
func (t *Taxonomy) Classify(filename, declaredMIME, magicMIME string) Result {
	ext := strings.ToLower(filepath.Ext(filename))

	if ext != "" {
		for _, tag := range t.tags {
			for _, e := range tag.Extensions {
				if e == ext {
					return Result{
						Tag:           tag,
						MatchedBy:     MatchedByExtension,
						Extension:     ext,
						EffectiveMIME: effectiveMIME(declaredMIME, magicMIME),
					}
				}
			}
		}
	}

	matched := MatchedByMIME
	mime := normalizeMIME(magicMIME)
	if mime != "" && mime != genericMIME {
		matched = MatchedByMagic
	} else if declared := normalizeMIME(declaredMIME); declared != "" {
		mime = declared
	} else {
		mime = genericMIME
	}

	for _, tag := range t.tags {
		for _, pattern := range tag.MIMEPatterns {
			if pattern != "" && strings.HasPrefix(mime, pattern) {
				return Result{
					Tag:           tag,
					MatchedBy:     matched,
					Extension:     ext,
					EffectiveMIME: mime,
				}
			}
		}
	}

	fallback := t.tags[t.byName[FallbackTag]]
	return Result{
		Tag:           fallback,
		MatchedBy:     MatchedByDefault,
		Extension:     ext,
		EffectiveMIME: mime,
	}
}

// Tag looks up a category by name.
func (t *Taxonomy) Tag(name string) (Tag, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Tag{}, false
	}
	return t.tags[i], true
}

// Tags returns the categories in configured order.
func (t *Taxonomy) Tags() []Tag {
	out := make([]Tag, len(t.tags))
	copy(out, t.tags)
	return out
}

// Thumbable reports whether the named category admits derivative work.
// Unknown categories never do.
func (t *Taxonomy) Thumbable(name string) bool {
	tag, ok := t.Tag(name)
	return ok && tag.Thumbable
}

// SniffMIME detects a MIME type from the first bytes of a stream. It
// returns an empty string when the content carries no usable signal.
func SniffMIME(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	mime := normalizeMIME(http.DetectContentType(head))
	if mime == genericMIME {
		return ""
	}
	return mime
}

func effectiveMIME(declared, magic string) string {
	if m := normalizeMIME(magic); m != "" && m != genericMIME {
		return m
	}
	if d := normalizeMIME(declared); d != "" {
		return d
	}
	return genericMIME
}

// normalizeMIME lowercases a MIME type and strips parameters such as
// "; charset=utf-8".
func normalizeMIME(mime string) string {
	mime = strings.TrimSpace(strings.ToLower(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}
