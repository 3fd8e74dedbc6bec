package attachment

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/model"
)

// markdownImageRef matches `![alt](ref)` image references.
var markdownImageRef = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

// RewriteMarkdownImages implements internal/writers.AttachmentProcessor: it
// finds local image references in body, converts each through the
// ingestion pipeline, and rewrites the reference to either an inline
// base64 data URI or a path pointing at the converted WebP file (spec.md
// §4.7). Remote (http/https) and data: references are left untouched.
func (c *Converter) RewriteMarkdownImages(projectRoot, body string) (string, []string, error) {
	var extraPaths []string
	var convErr error

	rewritten := markdownImageRef.ReplaceAllStringFunc(body, func(match string) string {
		if convErr != nil {
			return match
		}
		sub := markdownImageRef.FindStringSubmatch(match)
		alt, ref := sub[1], sub[2]
		if isRemoteOrData(ref) {
			return match
		}

		resolved, err := c.resolveAttachmentPath(projectRoot, ref)
		if err != nil {
			convErr = err
			return match
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			convErr = archiveerr.Wrap(archiveerr.KindIO, err, "read attachment %s", ref)
			return match
		}

		meta, touched, err := c.Convert(projectRoot, data)
		if err != nil {
			convErr = err
			return match
		}
		extraPaths = append(extraPaths, touched...)

		if meta.Kind == model.AttachmentInline {
			return fmt.Sprintf("![%s](data:image/webp;base64,%s)", alt, meta.Base64)
		}
		return fmt.Sprintf("![%s](%s)", alt, filepath.ToSlash(meta.WebPRelPath))
	})

	if convErr != nil {
		return "", nil, convErr
	}
	return rewritten, extraPaths, nil
}

func isRemoteOrData(ref string) bool {
	lower := strings.ToLower(strings.TrimSpace(ref))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:")
}

// resolveAttachmentPath turns a markdown image reference into an absolute
// path, enforcing that relative references stay inside projectRoot and
// that absolute references are only honoured when the caller opted in.
func (c *Converter) resolveAttachmentPath(projectRoot, ref string) (string, error) {
	if filepath.IsAbs(ref) {
		if !c.cfg.AllowAbsoluteAttachmentPaths {
			return "", archiveerr.New(archiveerr.KindInvalidPath, "absolute attachment path %q not permitted", ref)
		}
		return ref, nil
	}
	return archivepath.ResolveUnderRoot(projectRoot, ref)
}
