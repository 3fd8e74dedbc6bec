package attachment

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/agentmail/archivecore/internal/archiveerr"
)

// auditEntry is one line of the attachment pipeline's append-only JSONL
// audit log, grounded on the teacher's interactions.jsonl audit format.
type auditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	SHA1      string    `json:"sha1"`
	MediaType string    `json:"media_type"`
	SizeBytes int64     `json:"size_bytes"`
	WebPPath  string    `json:"webp_path"`
	Cached    bool      `json:"cached"`
}

// appendAudit appends entry to path as a single JSON line. A blank path
// disables auditing entirely.
func (c *Converter) appendAudit(path string, entry auditEntry) error {
	if path == "" {
		return nil
	}
	if err := c.dirs.EnsureParent(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // append-only, not secret
	if err != nil {
		return archiveerr.Wrap(archiveerr.KindIO, err, "open attachment audit log %s", path)
	}
	defer func() { _ = f.Close() }()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return archiveerr.Wrap(archiveerr.KindJSON, err, "encode attachment audit entry")
	}
	return bw.Flush()
}
