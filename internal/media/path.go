// Package media implements the binary-artifact ingest pipeline: staging,
// classification, canonical path synthesis, derivatives and catalog commit.
package media

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/stackhaus/mediavault/internal/fault"
)

// Filesystem layout under the media root.
const (
	StagingDir    = "staging"
	ThumbnailsDir = "thumbnails"
)

// SynthesizePath produces the collision-free canonical relative path
//
//	<tag>/<YYYY>/<MM>/<DD>/<tenantID>_<YYYYMMDD_HHMMSS>_<rand12>.<ext>
//
// The timestamp is UTC; rand12 is 12 hex characters from a cryptographic
// RNG; the extension is the lowercased original extension, or absent.
func SynthesizePath(tag, tenantID, originalName string, now time.Time) (string, error) {
	rand12, err := randomHex(6)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "random source unavailable")
	}

	now = now.UTC()
	ext := strings.ToLower(filepath.Ext(originalName))

	name := fmt.Sprintf("%s_%s_%s%s", tenantID, now.Format("20060102_150405"), rand12, ext)
	return path.Join(tag, now.Format("2006/01/02"), name), nil
}

// ThumbPath places a derivative next to the canonical tree:
// thumbnails/<stem>_<size>.<format>.
func ThumbPath(canonicalRelPath, size, format string) string {
	base := filepath.Base(canonicalRelPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return path.Join(ThumbnailsDir, fmt.Sprintf("%s_%s.%s", stem, size, format))
}

// StagingPath names a tenant-scoped staging file.
func StagingPath(tenantID, uploadID string) string {
	return path.Join(StagingDir, tenantID, uploadID+".part")
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
