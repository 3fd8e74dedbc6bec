package writers

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/model"
)

// executeAgentProfile writes agents/<name>/profile.json atomically and
// enqueues an async commit with message "agent: profile <name>" and the
// one touched path (spec.md §4.4).
func (e *Executor) executeAgentProfile(op model.WriteOp) error {
	if op.Agent == nil {
		return archiveerr.New(archiveerr.KindIO, "agent profile op missing agent record")
	}
	if err := archivepath.ValidateName(op.Agent.Name); err != nil {
		return err
	}

	pa, err := e.projectArchive(op.Slug)
	if err != nil {
		return err
	}

	rel := filepath.Join("agents", op.Agent.Name, "profile.json")
	data, err := profileJSON(op.Agent)
	if err != nil {
		return err
	}

	err = e.locks.WithProjectLock(pa.Slug, pa.LockPath, e.dirs, e.cfg.LockAcquireTimeout, func() error {
		full := filepath.Join(pa.Root, rel)
		if err := e.dirs.EnsureParent(full); err != nil {
			return err
		}
		return archivepath.AtomicWrite(full, data, 0o640)
	})
	if err != nil {
		return err
	}

	message := fmt.Sprintf("agent: profile %s", op.Agent.Name)
	e.enqueueCommit(pa, message, []string{e.repoRelative(pa, rel)})
	return nil
}

// profileJSON renders an AgentRecord's profile content: Raw is used
// verbatim when the caller already supplied encoded JSON, otherwise the
// opaque JSON map is merged with the record's name.
func profileJSON(a *model.AgentRecord) ([]byte, error) {
	if len(a.Raw) > 0 {
		return a.Raw, nil
	}

	payload := make(map[string]any, len(a.JSON)+1)
	for k, v := range a.JSON {
		payload[k] = v
	}
	payload["name"] = a.Name

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, archiveerr.Wrap(archiveerr.KindJSON, err, "marshal agent profile for %s", a.Name)
	}
	return data, nil
}
