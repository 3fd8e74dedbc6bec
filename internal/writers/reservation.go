package writers

import (
	"crypto/sha1" //nolint:gosec // content-addressed legacy filename, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/model"
)

// executeFileReservation writes two artifacts per reservation record -- a
// legacy content-addressed file keyed by the pattern's SHA1 and a stable
// id-keyed file -- and enqueues one commit covering the whole batch
// (spec.md §4.4).
func (e *Executor) executeFileReservation(op model.WriteOp) error {
	pa, err := e.projectArchive(op.Slug)
	if err != nil {
		return err
	}

	var touched []string
	err = e.locks.WithProjectLock(pa.Slug, pa.LockPath, e.dirs, e.cfg.LockAcquireTimeout, func() error {
		for _, rec := range op.Reservations {
			if strings.TrimSpace(rec.PathPattern) == "" {
				return archiveerr.New(archiveerr.KindInvalidPath, "file reservation %s has an empty path_pattern", rec.ID)
			}

			data, err := reservationJSON(rec)
			if err != nil {
				return err
			}

			sum := sha1.Sum([]byte(rec.PathPattern)) //nolint:gosec
			legacyRel := filepath.Join("file_reservations", hex.EncodeToString(sum[:])+".json")
			stableRel := filepath.Join("file_reservations", fmt.Sprintf("id-%s.json", rec.ID))

			for _, rel := range []string{legacyRel, stableRel} {
				full := filepath.Join(pa.Root, rel)
				if err := e.dirs.EnsureParent(full); err != nil {
					return err
				}
				if err := archivepath.AtomicWrite(full, data, 0o640); err != nil {
					return err
				}
				touched = append(touched, e.repoRelative(pa, rel))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.enqueueCommit(pa, reservationCommitMessage(op.Reservations), touched)
	return nil
}

// reservationCommitMessage summarises a reservation batch (spec.md §4.4,
// §6): a single record names its agent and pattern directly; a batch
// names the first record and counts the rest, with a bullet per record.
func reservationCommitMessage(recs []model.ReservationRecord) string {
	if len(recs) == 1 {
		return fmt.Sprintf("file_reservation: %s %s", recs[0].Agent, recs[0].PathPattern)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "file_reservation: %s %s (+%d more)\n\n", recs[0].Agent, recs[0].PathPattern, len(recs)-1)
	for _, rec := range recs {
		fmt.Fprintf(&sb, "- %s %s\n", rec.Agent, rec.PathPattern)
	}
	return sb.String()
}

func reservationJSON(rec model.ReservationRecord) ([]byte, error) {
	payload := make(map[string]any, len(rec.Extra)+3)
	for k, v := range rec.Extra {
		payload[k] = v
	}
	payload["id"] = rec.ID
	payload["agent"] = rec.Agent
	payload["path_pattern"] = rec.PathPattern

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, archiveerr.Wrap(archiveerr.KindJSON, err, "marshal file reservation %s", rec.ID)
	}
	return data, nil
}
