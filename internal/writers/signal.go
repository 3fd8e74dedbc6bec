package writers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/model"
)

// signalDoc is the JSON content written to an agent's signal file.
type signalDoc struct {
	Timestamp  time.Time `json:"timestamp"`
	Project    string    `json:"project"`
	Agent      string    `json:"agent"`
	MessageID  string    `json:"message_id,omitempty"`
	From       string    `json:"from,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Importance string    `json:"importance,omitempty"`
}

// signalDebouncer tracks the last time a (project, agent) pair wrote a
// notification signal, so bursts of mail within the debounce window
// collapse to a single signal file update (spec.md §4.4).
type signalDebouncer struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newSignalDebouncer() *signalDebouncer {
	return &signalDebouncer{last: make(map[string]time.Time)}
}

// allow reports whether a signal for key may be written now. Only allowed
// attempts are recorded, so the window is measured from the last signal
// actually written; a request inside the window does not extend it.
func (d *signalDebouncer) allow(key string, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if last, ok := d.last[key]; ok && now.Sub(last) < window {
		return false
	}
	d.last[key] = now
	return true
}

func (d *signalDebouncer) clear(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, key)
}

// executeNotificationSignal writes a signal JSON file at
// <signals_root>/projects/<slug>/agents/<agent>.signal, silently skipping
// within the debounce window and when notifications are disabled
// entirely (spec.md §4.4). Signal files live outside the git repo and are
// not committed.
func (e *Executor) executeNotificationSignal(op model.WriteOp) error {
	if !e.cfg.NotificationsEnabled {
		return nil
	}
	if err := validateSignalIdentity(op.Slug, op.AgentName); err != nil {
		return err
	}

	key := op.Slug + "/" + op.AgentName
	if !e.debounce.allow(key, e.cfg.NotificationsDebounce) {
		return nil
	}

	doc := signalDoc{Timestamp: time.Now().UTC(), Project: op.Slug, Agent: op.AgentName}
	if e.cfg.NotificationsIncludeMetadata && op.Message != nil {
		doc.MessageID = op.Message.ID
		doc.From = op.Message.Sender
		doc.Subject = op.Message.Subject
		doc.Importance = importanceOrDefault(op.Message.Importance)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return archiveerr.Wrap(archiveerr.KindJSON, err, "marshal notification signal for %s/%s", op.Slug, op.AgentName)
	}

	path := e.signalPath(op.Slug, op.AgentName)
	if err := e.dirs.EnsureParent(path); err != nil {
		return err
	}
	return archivepath.AtomicWrite(path, data, 0o640)
}

// executeClearSignal removes the signal file if it exists, clearing any
// debounce state so the next notification is written immediately.
func (e *Executor) executeClearSignal(op model.WriteOp) error {
	if err := validateSignalIdentity(op.Slug, op.AgentName); err != nil {
		return err
	}
	e.debounce.clear(op.Slug + "/" + op.AgentName)

	path := e.signalPath(op.Slug, op.AgentName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return archiveerr.Wrap(archiveerr.KindIO, err, "remove signal %s", path)
	}
	return nil
}

func (e *Executor) signalPath(slug, agent string) string {
	return filepath.Join(e.cfg.SignalsRoot, "projects", slug, "agents", agent+".signal")
}

// validateSignalIdentity rejects slugs/agent names containing a
// separator or traversal segment (spec.md §4.4).
func validateSignalIdentity(slug, agent string) error {
	if strings.ContainsAny(slug, "/\\") || strings.Contains(slug, "..") {
		return archiveerr.New(archiveerr.KindInvalidPath, "signal project slug %q is unsafe", slug)
	}
	if strings.ContainsAny(agent, "/\\") || strings.Contains(agent, "..") {
		return archiveerr.New(archiveerr.KindInvalidPath, "signal agent %q is unsafe", agent)
	}
	return nil
}
