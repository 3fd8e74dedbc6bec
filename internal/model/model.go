// Package model holds the data types shared across the archive core's
// subsystems: project identity, pending write operations, and the
// records the commit coalescer and git engine pass between themselves.
package model

import "time"

// ProjectArchive identifies one project's on-disk location within a
// shared git repository (spec.md §3).
type ProjectArchive struct {
	Slug     string // filesystem-safe project identifier
	Root     string // repoRoot/projects/<slug>
	RepoRoot string // the git repository root containing one or more projects
	LockPath string // advisory lock path for this project

	// Canonical forms, resolved once at construction time to avoid
	// repeated symlink resolution on every write.
	CanonicalRoot     string
	CanonicalRepoRoot string
}

// AgentRecord is the minimal shape of an agent profile the archive writes.
// Fields beyond Name are passed through as opaque JSON so the archive core
// never needs to know the full agent schema owned by the database of
// record.
type AgentRecord struct {
	Name string          `json:"name"`
	JSON map[string]any  `json:"-"`
	Raw  []byte          `json:"-"`
}

// MessageRecord carries the fields of an agent-mail message the archive
// needs to place it on disk. CreatedAt may be expressed either as an
// ISO-8601 string or as integer microseconds by callers; the writers'
// parseMessageTimestamp resolves that ambiguity once (spec.md §4.4).
type MessageRecord struct {
	ID         string
	Subject    string
	Sender     string
	Recipients []string
	ThreadID   string
	CreatedAt  any // string (RFC3339) or int64 (microseconds), resolved by writers
	Importance string
	Frontmatter map[string]any
}

// WriteOpKind tags a WriteOp's variant.
type WriteOpKind int

const (
	OpMessageBundle WriteOpKind = iota
	OpAgentProfile
	OpFileReservation
	OpNotificationSignal
	OpClearSignal
)

// ReservationRecord is one file-reservation entry within a batch.
type ReservationRecord struct {
	ID         string
	Agent      string
	PathPattern string
	Extra      map[string]any
}

// WriteOp is a tagged record of a pending archive mutation (spec.md §3).
// Exactly one of the variant-specific fields is populated, selected by Kind.
type WriteOp struct {
	Kind      WriteOpKind
	Enqueued  time.Time
	Slug      string

	// MessageBundle
	Message      *MessageRecord
	Body         string
	ExtraPaths   []string

	// AgentProfile
	Agent *AgentRecord

	// FileReservation
	Reservations []ReservationRecord

	// NotificationSignal / ClearSignal
	AgentName string
	Metadata  map[string]any
}

// CoalescerCommitRequest is a pending git commit for one repository
// (spec.md §3).
type CoalescerCommitRequest struct {
	Enqueued time.Time
	Author   Author
	Message  string
	Paths    []string // repo-root-relative, validated
}

// Author identifies a commit's author/committer identity.
type Author struct {
	Name  string
	Email string
}

// AttachmentKind distinguishes inline-embedded from file-referenced
// attachments (spec.md §3).
type AttachmentKind string

const (
	AttachmentInline AttachmentKind = "inline"
	AttachmentFile   AttachmentKind = "file"
)

// AttachmentMeta records the outcome of converting one attachment.
type AttachmentMeta struct {
	Kind         AttachmentKind
	MediaType    string
	SizeBytes    int64
	SHA1         string
	Width        int
	Height       int
	Base64       string // populated only when Kind == AttachmentInline
	WebPRelPath  string // archive-relative path, populated when Kind == AttachmentFile
	OriginalPath string // optional, only when keep_original_images is set
}

// AttachmentManifest is the persisted companion for an attachment, keyed
// by content hash, used to skip re-conversion (spec.md §3, §4.7).
type AttachmentManifest struct {
	SHA1      string    `json:"sha1"`
	MediaType string    `json:"media_type"`
	SizeBytes int64     `json:"size_bytes"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	WebPPath  string    `json:"webp_path"`
	CreatedAt time.Time `json:"created_at"`
}

// ConsistencyReport is produced by the DB<->archive divergence check
// (spec.md §4.8).
type ConsistencyReport struct {
	Sampled         int
	Found           int
	Missing         int
	MissingSample   []string // bounded to 20 entries
}

// MessageRef is one DB-supplied reference consistency-check compares
// against the archive tree.
type MessageRef struct {
	Slug      string `json:"slug"`
	MessageID string `json:"message_id"`
	CreatedAt string `json:"created_at"` // ISO-8601
}
