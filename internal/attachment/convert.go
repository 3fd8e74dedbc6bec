// Package attachment implements the image ingestion pipeline from spec.md
// §4.7: hash each attachment, skip re-conversion when a manifest-backed
// cache hit exists, otherwise decode and re-encode losslessly as WebP,
// writing the WebP file, an optional original, a manifest, and an audit
// log line. It also implements internal/writers.AttachmentProcessor for
// rewriting local image references inside message markdown.
package attachment

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // content addressing, not a security boundary
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"  // decode support, registered as a black-box codec per spec.md §4.7
	_ "image/jpeg" // decode support, registered as a black-box codec per spec.md §4.7
	_ "image/png"  // decode support, registered as a black-box codec per spec.md §4.7
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/chai2010/webp"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/model"
)

const manifestDirName = "_manifests"

// Config tunes attachment ingestion (spec.md §4.7, SPEC_FULL.md §10).
type Config struct {
	MaxAttachmentBytes           int64 // default 50 MiB
	InlineImageMaxBytes          int64 // <= this, embed as base64; above, reference by path
	KeepOriginalImages           bool
	AllowAbsoluteAttachmentPaths bool
	AuditLogRelPath              string // project-relative; default attachments/_audit.jsonl
}

func (c *Config) setDefaults() {
	if c.MaxAttachmentBytes <= 0 {
		c.MaxAttachmentBytes = 50 * 1024 * 1024
	}
	if c.AuditLogRelPath == "" {
		c.AuditLogRelPath = filepath.Join("attachments", "_audit.jsonl")
	}
}

// Converter is the attachment pipeline's entry point.
type Converter struct {
	cfg  Config
	dirs *archivepath.DirCache
}

// New builds a Converter with cfg's defaults applied.
func New(cfg Config, dirs *archivepath.DirCache) *Converter {
	cfg.setDefaults()
	return &Converter{cfg: cfg, dirs: dirs}
}

// Convert hashes data and either reconstructs metadata from a cached
// manifest or decodes, re-encodes, and persists a new one. It returns the
// resulting metadata and the project-relative paths newly written to disk
// (empty on a cache hit, since nothing new was written).
func (c *Converter) Convert(projectRoot string, data []byte) (*model.AttachmentMeta, []string, error) {
	sum := sha1.Sum(data) //nolint:gosec
	hexSum := hex.EncodeToString(sum[:])

	manifestRel := filepath.Join("attachments", manifestDirName, hexSum+".json")
	manifestPath := filepath.Join(projectRoot, manifestRel)

	if manifest, err := readManifest(manifestPath); err == nil {
		meta := metaFromManifest(manifest, c.cfg.InlineImageMaxBytes)
		if meta.Kind == model.AttachmentInline {
			if webpData, readErr := os.ReadFile(filepath.Join(projectRoot, manifest.WebPPath)); readErr == nil {
				meta.Base64 = base64.StdEncoding.EncodeToString(webpData)
			}
		}
		return meta, nil, nil
	}

	if int64(len(data)) > c.cfg.MaxAttachmentBytes {
		return nil, nil, archiveerr.New(archiveerr.KindIO, "attachment of %d bytes exceeds maximum of %d", len(data), c.cfg.MaxAttachmentBytes)
	}

	img, mediaType, err := decodeImage(data)
	if err != nil {
		return nil, nil, archiveerr.Wrap(archiveerr.KindIO, err, "decode attachment image")
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Lossless: true}); err != nil {
		return nil, nil, archiveerr.Wrap(archiveerr.KindIO, err, "encode attachment as webp")
	}
	webpBytes := buf.Bytes()

	prefix := hexSum[:2]
	webpRel := filepath.Join("attachments", prefix, hexSum+".webp")
	webpPath := filepath.Join(projectRoot, webpRel)
	if err := c.dirs.EnsureParent(webpPath); err != nil {
		return nil, nil, err
	}
	if err := archivepath.AtomicWrite(webpPath, webpBytes, 0o640); err != nil {
		return nil, nil, err
	}
	touched := []string{webpRel}

	var originalRel string
	if c.cfg.KeepOriginalImages {
		originalRel = filepath.Join("attachments", prefix, hexSum+originalExt(mediaType))
		if err := archivepath.AtomicWrite(filepath.Join(projectRoot, originalRel), data, 0o640); err != nil {
			return nil, nil, err
		}
		touched = append(touched, originalRel)
	}

	bounds := img.Bounds()
	manifest := model.AttachmentManifest{
		SHA1:      hexSum,
		MediaType: mediaType,
		SizeBytes: int64(len(webpBytes)),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		WebPPath:  webpRel,
		CreatedAt: time.Now().UTC(),
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, nil, archiveerr.Wrap(archiveerr.KindJSON, err, "marshal attachment manifest %s", hexSum)
	}
	if err := c.dirs.EnsureParent(manifestPath); err != nil {
		return nil, nil, err
	}
	if err := archivepath.AtomicWrite(manifestPath, manifestData, 0o640); err != nil {
		return nil, nil, err
	}
	touched = append(touched, manifestRel)

	_ = c.appendAudit(filepath.Join(projectRoot, c.cfg.AuditLogRelPath), auditEntry{
		Timestamp: time.Now().UTC(),
		SHA1:      hexSum,
		MediaType: mediaType,
		SizeBytes: manifest.SizeBytes,
		WebPPath:  webpRel,
		Cached:    false,
	})

	meta := &model.AttachmentMeta{
		Kind:        inlineOrFile(manifest.SizeBytes, c.cfg.InlineImageMaxBytes),
		MediaType:   mediaType,
		SizeBytes:   manifest.SizeBytes,
		SHA1:        hexSum,
		Width:       manifest.Width,
		Height:      manifest.Height,
		WebPRelPath: webpRel,
	}
	if c.cfg.KeepOriginalImages {
		meta.OriginalPath = originalRel
	}
	if meta.Kind == model.AttachmentInline {
		meta.Base64 = base64.StdEncoding.EncodeToString(webpBytes)
	}
	return meta, touched, nil
}

func metaFromManifest(m model.AttachmentManifest, inlineThreshold int64) *model.AttachmentMeta {
	return &model.AttachmentMeta{
		Kind:        inlineOrFile(m.SizeBytes, inlineThreshold),
		MediaType:   m.MediaType,
		SizeBytes:   m.SizeBytes,
		SHA1:        m.SHA1,
		Width:       m.Width,
		Height:      m.Height,
		WebPRelPath: m.WebPPath,
	}
}

func inlineOrFile(size, threshold int64) model.AttachmentKind {
	if threshold > 0 && size <= threshold {
		return model.AttachmentInline
	}
	return model.AttachmentFile
}

func originalExt(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	case "image/tiff":
		return ".tiff"
	default:
		return ".jpg"
	}
}

// decodeImage tries the standard library's registered codecs first (jpeg,
// png, gif), falling back to golang.org/x/image's bmp/tiff decoders for
// formats the standard library doesn't cover (SPEC_FULL.md §11).
func decodeImage(data []byte) (image.Image, string, error) {
	mediaType := http.DetectContentType(data)
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, mediaType, nil
	}
	if img, err := bmp.Decode(bytes.NewReader(data)); err == nil {
		return img, "image/bmp", nil
	}
	if img, err := tiff.Decode(bytes.NewReader(data)); err == nil {
		return img, "image/tiff", nil
	}
	return nil, "", fmt.Errorf("unrecognised image format")
}
