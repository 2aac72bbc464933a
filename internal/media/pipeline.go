package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/stackhaus/mediavault/internal/classifier"
	"github.com/stackhaus/mediavault/internal/fault"
	"github.com/stackhaus/mediavault/internal/store"
	"github.com/stackhaus/mediavault/internal/tenant"
	"github.com/stackhaus/mediavault/pkg/logger"
)

// copyChunkSize is the read granularity for staging; quota is re-checked
// after every chunk so an oversized stream aborts mid-flight.
const copyChunkSize = 32 * 1024

// pathAttempts bounds canonical-path collision retries.
const pathAttempts = 3

// Publisher emits ingest lifecycle events. Implementations must not block
// the ingest path; failures are the caller's to log.
type Publisher interface {
	MediaIngested(ctx context.Context, f *store.CatalogFile) error
	MediaDeleted(ctx context.Context, tenantID, fileID string) error
}

// Config holds pipeline parameters.
type Config struct {
	Root           string
	SniffBytes     int
	MaxUploadBytes int64
}

// Pipeline ingests binary artifacts: stage, classify, place, derive,
// commit. Only committed ingests are observable.
type Pipeline struct {
	cfg      Config
	taxonomy *classifier.Taxonomy
	files    store.FileCatalog
	guard    *tenant.Guard
	mirror   store.Mirror // optional
	events   Publisher    // optional
	log      *logger.Logger
}

// NewPipeline creates a media pipeline.
func NewPipeline(cfg Config, taxonomy *classifier.Taxonomy, files store.FileCatalog, guard *tenant.Guard, log *logger.Logger) (*Pipeline, error) {
	if cfg.Root == "" {
		return nil, fault.New(fault.Internal, "media root is required")
	}
	if cfg.SniffBytes < 4096 {
		cfg.SniffBytes = 4096
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, StagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	return &Pipeline{
		cfg:      cfg,
		taxonomy: taxonomy,
		files:    files,
		guard:    guard,
		log:      log.WithComponent("media"),
	}, nil
}

// WithMirror attaches an optional object-store replica.
func (p *Pipeline) WithMirror(m store.Mirror) *Pipeline {
	p.mirror = m
	return p
}

// WithEvents attaches an optional event publisher.
func (p *Pipeline) WithEvents(ev Publisher) *Pipeline {
	p.events = ev
	return p
}

// IngestMedia streams an upload into the canonical tree and commits its
// catalog row. The stream is hashed and measured incrementally; the quota
// is enforced while bytes arrive, not after.
func (p *Pipeline) IngestMedia(ctx context.Context, tenantID string, r io.Reader, declaredName, declaredMIME, comment string) (*store.CatalogFile, error) {
	if r == nil {
		return nil, fault.New(fault.Validation, "missing upload stream")
	}
	if declaredName == "" {
		return nil, fault.New(fault.Validation, "missing file name")
	}

	start := time.Now()
	log := p.log.WithContext(ctx).With("tenant_id", tenantID, "name", declaredName)

	token, err := p.guard.Admit(ctx, tenantID, 0)
	if err != nil {
		return nil, err
	}

	// RECEIVING: stream into tenant-scoped staging.
	staged, err := p.stage(ctx, token, r)
	if staged != nil {
		defer os.Remove(staged.path)
	}
	if err != nil {
		p.guard.Release(token)
		return nil, err
	}
	log.Debug("upload staged", "bytes", staged.size, "sha256", staged.sha256)

	// CLASSIFIED: the tag decides placement and derivative work.
	res := p.taxonomy.Classify(declaredName, declaredMIME, classifier.SniffMIME(staged.head))

	relPath, err := p.place(ctx, res.Tag.Name, tenantID, declaredName, staged.path)
	if err != nil {
		p.guard.Release(token)
		return nil, err
	}
	canonical := filepath.Join(p.cfg.Root, relPath)

	// Derivative and metadata work is demoted to warnings: a broken image
	// never fails its own ingest.
	var thumbs []store.Thumb
	meta := map[string]any{
		"size_bytes": staged.size,
		"sha256":     staged.sha256,
		"mime":       res.EffectiveMIME,
		"matched_by": string(res.MatchedBy),
	}
	if comment != "" {
		meta["comment"] = comment
	}
	if p.taxonomy.Thumbable(res.Tag.Name) && staged.size > 0 {
		img, info, err := decodeImage(canonical)
		if err != nil {
			log.Warn("image decode failed, skipping derivatives", "error", err)
		} else {
			meta["image"] = info
			thumbs, err = generateThumbs(p.cfg.Root, relPath, img, info.HasTransparency)
			if err != nil {
				log.Warn("thumbnail generation failed", "error", err)
				thumbs = nil
			}
		}
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte(`{}`)
	}

	f := &store.CatalogFile{
		ID:            fmt.Sprintf("%s_%s_%s", res.Tag.Name, time.Now().UTC().Format("20060102150405"), staged.sha256[:12]),
		TenantID:      tenantID,
		OriginalName:  declaredName,
		Category:      res.Tag.Name,
		MIMEType:      res.EffectiveMIME,
		SizeBytes:     staged.size,
		SHA256:        staged.sha256,
		CanonicalPath: relPath,
		CreatedAt:     time.Now().UTC(),
		Thumbs:        thumbs,
		Meta:          metaJSON,
	}

	// COMMITTED: the catalog insert and usage charge are one transactional
	// unit, and the commit itself is the non-cancellable point.
	if err := p.files.Commit(context.WithoutCancel(ctx), f); err != nil {
		p.cleanup(canonical, thumbs)
		p.guard.Release(token)
		return nil, err
	}
	p.guard.Confirm(token)

	p.replicate(ctx, canonical, relPath, res.EffectiveMIME, thumbs)
	if p.events != nil {
		if err := p.events.MediaIngested(ctx, f); err != nil {
			log.Warn("failed to publish ingest event", "error", err)
		}
	}

	log.Info("media ingested",
		"file_id", f.ID,
		"category", f.Category,
		"bytes", f.SizeBytes,
		"thumbs", len(thumbs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return f, nil
}

// Open returns the catalog record and a reader over the canonical bytes.
// The caller closes the reader.
func (p *Pipeline) Open(ctx context.Context, tenantID, fileID string) (*store.CatalogFile, io.ReadCloser, error) {
	f, err := p.files.Get(ctx, tenantID, fileID)
	if err != nil {
		return nil, nil, err
	}
	r, err := os.Open(filepath.Join(p.cfg.Root, f.CanonicalPath))
	if err != nil {
		return nil, nil, fault.Wrap(fault.StoreUnavailable, err, "canonical file unreadable").
			WithHint("the reconciler may have flagged this artifact")
	}
	return f, r, nil
}

// Delete removes a file's catalog row, canonical bytes and derivatives,
// refunding tenant usage. Deleting an absent id yields NotFound.
func (p *Pipeline) Delete(ctx context.Context, tenantID, fileID string) (*store.CatalogFile, error) {
	f, err := p.files.Delete(ctx, tenantID, fileID)
	if err != nil {
		return nil, err
	}

	p.cleanup(filepath.Join(p.cfg.Root, f.CanonicalPath), f.Thumbs)
	if p.mirror != nil {
		keys := []string{f.CanonicalPath}
		for _, t := range f.Thumbs {
			keys = append(keys, t.Path)
		}
		if err := p.mirror.Remove(ctx, keys); err != nil {
			p.log.Warn("failed to remove mirrored objects", "file_id", fileID, "error", err)
		}
	}
	if p.events != nil {
		if err := p.events.MediaDeleted(ctx, tenantID, fileID); err != nil {
			p.log.Warn("failed to publish delete event", "error", err)
		}
	}

	p.log.Info("media deleted", "tenant_id", tenantID, "file_id", fileID, "bytes", f.SizeBytes)
	return f, nil
}

// stagedUpload describes a fully received staging file.
type stagedUpload struct {
	path   string
	size   int64
	sha256 string
	head   []byte
}

// stage copies the stream to disk, hashing and sniffing as bytes arrive.
// The admit token grows with the observed size; crossing the quota aborts
// the copy immediately.
func (p *Pipeline) stage(ctx context.Context, token *tenant.AdmitToken, r io.Reader) (*stagedUpload, error) {
	dir := filepath.Join(p.cfg.Root, StagingDir, token.TenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed to create staging dir")
	}

	path := filepath.Join(p.cfg.Root, StagingPath(token.TenantID, uuid.New().String()))
	f, err := os.Create(path)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed to create staging file")
	}
	defer f.Close()

	staged := &stagedUpload{path: path}
	hash := sha256.New()
	buf := make([]byte, copyChunkSize)

	for {
		if err := fault.FromContext(ctx); err != nil {
			return staged, err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if len(staged.head) < p.cfg.SniffBytes {
				staged.head = append(staged.head, chunk[:min(n, p.cfg.SniffBytes-len(staged.head))]...)
			}
			if _, err := f.Write(chunk); err != nil {
				return staged, fault.Wrap(fault.Internal, err, "failed to write staging file")
			}
			hash.Write(chunk)
			staged.size += int64(n)

			if p.cfg.MaxUploadBytes > 0 && staged.size > p.cfg.MaxUploadBytes {
				return staged, fault.Newf(fault.Validation, "upload exceeds the %d byte limit", p.cfg.MaxUploadBytes)
			}
			if err := p.guard.Grow(token, staged.size); err != nil {
				return staged, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return staged, fault.Wrap(fault.Validation, readErr, "upload stream failed")
		}
	}

	staged.sha256 = hex.EncodeToString(hash.Sum(nil))
	return staged, nil
}

// place synthesizes the canonical path and atomically renames the staging
// file into it, retrying on the (practically unreachable) collision.
func (p *Pipeline) place(ctx context.Context, tag, tenantID, declaredName, stagedPath string) (string, error) {
	for attempt := 0; attempt < pathAttempts; attempt++ {
		relPath, err := SynthesizePath(tag, tenantID, declaredName, time.Now())
		if err != nil {
			return "", err
		}

		target := filepath.Join(p.cfg.Root, relPath)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fault.Wrap(fault.Internal, err, "failed to create category dir")
		}

		if _, err := os.Stat(target); err == nil {
			p.log.Warn("canonical path collision", "path", relPath, "attempt", attempt+1)
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fault.Wrap(fault.Internal, err, "failed to probe canonical path")
		}

		if err := os.Rename(stagedPath, target); err != nil {
			return "", fault.Wrap(fault.Internal, err, "failed to finalize upload")
		}
		return relPath, nil
	}
	return "", fault.New(fault.NameCollision, "canonical path collisions exhausted retries").
		WithHint("retry the upload")
}

// cleanup removes the canonical file and derivatives on a failed commit.
func (p *Pipeline) cleanup(canonical string, thumbs []store.Thumb) {
	os.Remove(canonical)
	removeThumbFiles(p.cfg.Root, thumbs)
}

// replicate mirrors committed bytes; failures degrade to warnings.
func (p *Pipeline) replicate(ctx context.Context, canonical, relPath, contentType string, thumbs []store.Thumb) {
	if p.mirror == nil {
		return
	}
	if err := p.mirror.UploadFile(ctx, canonical, relPath, contentType); err != nil {
		p.log.Warn("failed to mirror canonical file", "path", relPath, "error", err)
		return
	}
	for _, t := range thumbs {
		contentType := "image/jpeg"
		if t.Format == "png" {
			contentType = "image/png"
		}
		if err := p.mirror.UploadFile(ctx, filepath.Join(p.cfg.Root, t.Path), t.Path, contentType); err != nil {
			p.log.Warn("failed to mirror thumbnail", "path", t.Path, "error", err)
		}
	}
}
