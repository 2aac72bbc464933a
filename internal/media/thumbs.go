package media

import (
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/nfnt/resize"

	"github.com/stackhaus/mediavault/internal/store"
)

// Derivative target boxes. Aspect ratio is preserved inside each box.
var thumbSizes = []struct {
	name string
	box  uint
}{
	{"small", 150},
	{"medium", 300},
	{"large", 600},
}

const jpegQuality = 85

// ImageInfo carries the metadata extracted from a decodable image.
type ImageInfo struct {
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Format          string `json:"format"`
	HasTransparency bool   `json:"has_transparency"`
}

// decodeImage opens and decodes an image file.
func decodeImage(path string) (image.Image, *ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	info := &ImageInfo{
		Width:           bounds.Dx(),
		Height:          bounds.Dy(),
		Format:          format,
		HasTransparency: hasTransparency(img),
	}
	return img, info, nil
}

// hasTransparency reports whether the image carries any non-opaque pixel.
func hasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}

// generateThumbs renders the three derivatives of a decoded image into the
// thumbnails tree. Transparent sources re-encode to PNG, opaque ones to
// JPEG. Returns the derivative descriptors recorded in the catalog.
func generateThumbs(root, canonicalRelPath string, img image.Image, transparent bool) ([]store.Thumb, error) {
	format := "jpg"
	if transparent {
		format = "png"
	}

	if err := os.MkdirAll(filepath.Join(root, ThumbnailsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnails dir: %w", err)
	}

	var thumbs []store.Thumb
	for _, size := range thumbSizes {
		thumb := resize.Thumbnail(size.box, size.box, img, resize.Lanczos3)

		relPath := ThumbPath(canonicalRelPath, size.name, format)
		if err := writeThumb(filepath.Join(root, relPath), thumb, format); err != nil {
			// Remove whatever was produced so far; derivatives are
			// all-or-nothing per artifact.
			removeThumbFiles(root, thumbs)
			return nil, err
		}

		bounds := thumb.Bounds()
		thumbs = append(thumbs, store.Thumb{
			Size:   size.name,
			Path:   relPath,
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
			Format: format,
		})
	}

	return thumbs, nil
}

func writeThumb(path string, img image.Image, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create thumbnail: %w", err)
	}
	defer f.Close()

	switch format {
	case "png":
		err = png.Encode(f, img)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality})
	}
	if err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return nil
}

// removeThumbFiles deletes derivative files, ignoring missing ones.
func removeThumbFiles(root string, thumbs []store.Thumb) {
	for _, t := range thumbs {
		os.Remove(filepath.Join(root, t.Path))
	}
}
