package writers

// AttachmentProcessor rewrites markdown image references in a message
// body, converting local images through the attachment pipeline (spec.md
// §4.7) and leaving remote URLs and data: URIs untouched. It is
// implemented by internal/attachment and kept as an interface here so
// internal/writers carries no compile-time dependency on image codecs.
type AttachmentProcessor interface {
	// RewriteMarkdownImages resolves local image references against
	// projectRoot, converts each to WebP (or an inline data URI,
	// depending on embed policy), and returns the rewritten body plus any
	// archive-relative paths that must also be included in the commit.
	RewriteMarkdownImages(projectRoot, body string) (rewritten string, extraRelPaths []string, err error)
}
