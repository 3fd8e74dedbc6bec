package writers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/model"
)

// threadPreviewMaxBytes bounds the digest entry's body preview (spec.md §4.4).
const threadPreviewMaxBytes = 1200

// executeMessageBundle writes the canonical message file, an outbox copy
// under the sender's directory, and one inbox copy per recipient, then
// appends a thread-digest entry if the message names a thread. All
// touched paths plus caller-supplied extras are enqueued as one commit
// (spec.md §4.4).
func (e *Executor) executeMessageBundle(op model.WriteOp) error {
	msg := op.Message
	if msg == nil {
		return archiveerr.New(archiveerr.KindIO, "message bundle op missing message record")
	}
	if err := archivepath.ValidateName(msg.Sender); err != nil {
		return err
	}
	for _, r := range msg.Recipients {
		if err := archivepath.ValidateName(r); err != nil {
			return err
		}
	}
	for _, extra := range op.ExtraPaths {
		if err := archivepath.ValidateRepoRelative(extra); err != nil {
			return err
		}
	}

	pa, err := e.projectArchive(op.Slug)
	if err != nil {
		return err
	}

	body := op.Body
	extras := op.ExtraPaths
	if e.attachments != nil {
		rewritten, attachmentPaths, err := e.attachments.RewriteMarkdownImages(pa.Root, body)
		if err != nil {
			return err
		}
		body = rewritten
		extras = append(extras, attachmentPaths...)
	}

	ts := parseMessageTimestamp(msg.CreatedAt)
	filename := fmt.Sprintf("%s__%s__%s.md", ts.Format("20060102T150405Z"), slugify(msg.Subject, 60), msg.ID)
	canonicalRel := filepath.Join("messages", fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%02d", int(ts.Month())), filename)
	outboxRel := filepath.Join("agents", msg.Sender, "outbox", filename)

	content, err := renderMessage(msg, body, ts)
	if err != nil {
		return err
	}

	var touched []string
	err = e.locks.WithProjectLock(pa.Slug, pa.LockPath, e.dirs, e.cfg.LockAcquireTimeout, func() error {
		copies := make([]string, 0, 2+len(msg.Recipients))
		copies = append(copies, canonicalRel, outboxRel)
		for _, r := range msg.Recipients {
			copies = append(copies, filepath.Join("agents", r, "inbox", filename))
		}

		for _, rel := range copies {
			full := filepath.Join(pa.Root, rel)
			if err := e.dirs.EnsureParent(full); err != nil {
				return err
			}
			if err := archivepath.AtomicWrite(full, content, 0o640); err != nil {
				return err
			}
			touched = append(touched, e.repoRelative(pa, rel))
		}

		if msg.ThreadID != "" {
			entry := buildThreadEntry(msg, canonicalRel, ts, body)
			digestRel, err := e.appendThreadDigest(pa, msg.ThreadID, entry)
			if err != nil {
				return err
			}
			touched = append(touched, digestRel)
		}
		return nil
	})
	if err != nil {
		return err
	}

	touched = append(touched, extras...)
	e.enqueueCommit(pa, mailCommitMessage(op, msg), touched)
	return nil
}

// mailCommitMessage builds the default `mail:` commit subject plus its
// trailer body (spec.md §4.4, §6): "mail: <sender> -> <r1>, <r2> |
// <subject>" followed by TOOL:/Agent:/Project:/Started:/Status:/Thread:
// lines. TOOL is sourced from the record's frontmatter extra field when
// present (model.MessageRecord carries no dedicated tool field); Started
// is the op's enqueue time since the record itself carries no separate
// "work started" timestamp; Status is always "archived" since this
// message is only built once the bundle has been durably written.
func mailCommitMessage(op model.WriteOp, msg *model.MessageRecord) string {
	subject := fmt.Sprintf("mail: %s -> %s | %s", msg.Sender, strings.Join(msg.Recipients, ", "), msg.Subject)

	var sb strings.Builder
	sb.WriteString(subject)
	sb.WriteString("\n\n")
	if tool, ok := msg.Frontmatter["tool"].(string); ok && tool != "" {
		sb.WriteString("TOOL: " + tool + "\n")
	}
	sb.WriteString("Agent: " + msg.Sender + "\n")
	sb.WriteString("Project: " + op.Slug + "\n")
	sb.WriteString("Started: " + op.Enqueued.UTC().Format(time.RFC3339) + "\n")
	sb.WriteString("Status: archived\n")
	if msg.ThreadID != "" {
		sb.WriteString("Thread: " + msg.ThreadID + "\n")
	}
	return sb.String()
}

// parseMessageTimestamp resolves CreatedAt's dynamic type (spec.md §4.4:
// "string ISO-8601 or integer microseconds"), falling back to now when
// the value is absent or unparseable.
func parseMessageTimestamp(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC()
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
	case int64:
		return time.UnixMicro(t).UTC()
	case int:
		return time.UnixMicro(int64(t)).UTC()
	case float64:
		return time.UnixMicro(int64(t)).UTC()
	}
	return time.Now().UTC()
}

var slugUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// slugify produces a filesystem-safe, length-bounded subject slug for the
// canonical message filename.
func slugify(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = slugUnsafe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "untitled"
	}
	if len(s) > maxLen {
		s = strings.Trim(s[:maxLen], "-")
	}
	return strings.ToLower(s)
}

type messageFrontmatter struct {
	ID         string         `json:"id"`
	Subject    string         `json:"subject"`
	Sender     string         `json:"sender"`
	Recipients []string       `json:"recipients"`
	ThreadID   string         `json:"thread_id,omitempty"`
	CreatedAt  string         `json:"created_at"`
	Importance string         `json:"importance"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// renderMessage frames the message as `---json ... ---` frontmatter plus
// the markdown body (spec.md §4.4).
func renderMessage(msg *model.MessageRecord, body string, ts time.Time) ([]byte, error) {
	fm := messageFrontmatter{
		ID:         msg.ID,
		Subject:    msg.Subject,
		Sender:     msg.Sender,
		Recipients: msg.Recipients,
		ThreadID:   msg.ThreadID,
		CreatedAt:  ts.Format(time.RFC3339),
		Importance: importanceOrDefault(msg.Importance),
		Extra:      msg.Frontmatter,
	}
	data, err := json.MarshalIndent(fm, "", "  ")
	if err != nil {
		return nil, archiveerr.Wrap(archiveerr.KindJSON, err, "marshal message frontmatter for %s", msg.ID)
	}

	var buf bytes.Buffer
	buf.WriteString("---json\n")
	buf.Write(data)
	buf.WriteString("\n---\n\n")
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// buildThreadEntry renders one digest entry: an optional subject heading,
// a header line naming sender/recipients/time, a canonical-link line back
// to the message file, and a UTF-8-safe truncated body preview (spec.md §4.4).
func buildThreadEntry(msg *model.MessageRecord, canonicalRel string, ts time.Time, body string) string {
	var sb strings.Builder
	if msg.Subject != "" {
		sb.WriteString("### " + msg.Subject + "\n")
	}
	sb.WriteString(fmt.Sprintf("## %s\n", ts.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("%s -> %s\n", msg.Sender, strings.Join(msg.Recipients, ", ")))
	sb.WriteString(fmt.Sprintf("[View canonical](../../%s)\n\n", filepath.ToSlash(canonicalRel)))
	sb.WriteString(truncateUTF8(body, threadPreviewMaxBytes))
	sb.WriteString("\n---\n")
	return sb.String()
}

// truncateUTF8 truncates s to at most maxBytes bytes without splitting a
// multi-byte UTF-8 code point (spec.md §4.7's truncation invariant, which
// the thread digest preview shares).
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	b := []byte(s)[:maxBytes]
	for len(b) > 0 {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size != 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return string(b)
}

var threadIDUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitiseThreadID produces a filename-safe digest slug, rejecting
// separators and a literal ".lock" suffix (spec.md §4.4/§4.7: "reject
// .lock/shell-sensitive characters from the filename slug").
func sanitiseThreadID(raw string) string {
	s := threadIDUnsafe.ReplaceAllString(raw, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "thread"
	}
	if strings.HasSuffix(s, ".lock") {
		s = strings.TrimSuffix(s, ".lock") + "-lock"
	}
	return s
}

// appendThreadDigest appends entry to messages/threads/<sanitised-id>.md,
// prepending a one-time "# Thread <raw id>" header the first time the
// file is created (spec.md §4.4). The header and entry are written in a
// single call on an append-opened fd so concurrent appenders for the same
// thread can never interleave their writes.
func (e *Executor) appendThreadDigest(pa *model.ProjectArchive, rawThreadID, entry string) (string, error) {
	slug := sanitiseThreadID(rawThreadID)
	rel := filepath.Join("messages", "threads", slug+".md")
	full := filepath.Join(pa.Root, rel)

	if err := e.dirs.EnsureParent(full); err != nil {
		return "", err
	}

	f, created, err := archivepath.AtomicCreateNew(full, 0o640)
	if err != nil {
		return "", archiveerr.Wrap(archiveerr.KindIO, err, "open thread digest %s", full)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	if created {
		buf.WriteString("# Thread " + rawThreadID + "\n\n")
	}
	buf.WriteString(entry)

	if _, err := f.Write(buf.Bytes()); err != nil {
		return "", archiveerr.Wrap(archiveerr.KindIO, err, "append thread digest %s", full)
	}
	return e.repoRelative(pa, rel), nil
}
