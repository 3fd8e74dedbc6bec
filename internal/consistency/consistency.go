// Package consistency implements the read-only DB-to-archive divergence
// check (spec.md §4.8): for each reference the caller believes is in the
// archive, confirm a matching message file actually exists on disk.
package consistency

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
)

// maxMissingSample bounds the diagnostic detail in a ConsistencyReport
// (spec.md §4.8: "record up to 20 missing IDs").
const maxMissingSample = 20

// Checker scans the archive tree to verify a set of message references,
// publishing a needs_reindex_total gauge equal to the missing count.
type Checker struct {
	storageRoot string
	metrics     *metrics.Registry
	logger      *slog.Logger
}

func New(storageRoot string, reg *metrics.Registry, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{storageRoot: storageRoot, metrics: reg, logger: logger}
}

// Check scans <storage_root>/projects/<slug>/archive/messages/<Y>/<M>/ for
// each ref's expected file and reports how many were found vs missing.
// This performs no writes.
func (c *Checker) Check(refs []model.MessageRef) model.ConsistencyReport {
	report := model.ConsistencyReport{Sampled: len(refs)}

	dirCache := make(map[string][]string) // dir -> cached entry names
	for _, ref := range refs {
		found, err := c.refExists(ref, dirCache)
		if err != nil {
			c.logger.Warn("consistency check could not scan directory",
				"slug", ref.Slug, "message_id", ref.MessageID, "error", err)
		}
		if found {
			report.Found++
			continue
		}
		report.Missing++
		if len(report.MissingSample) < maxMissingSample {
			report.MissingSample = append(report.MissingSample, ref.Slug+"/"+ref.MessageID)
		}
	}

	if c.metrics != nil {
		c.metrics.SetNeedsReindex(int64(report.Missing))
	}
	return report
}

// refExists locates the expected messages/<Y>/<M> directory for ref and
// scans it (caching the directory listing across refs that share a
// project/year/month) for a filename with the ref's truncated ISO prefix
// and ending in "__<id>.md" (spec.md §4.8).
func (c *Checker) refExists(ref model.MessageRef, dirCache map[string][]string) (bool, error) {
	year, month, err := parseYearMonth(ref.CreatedAt)
	if err != nil {
		return false, err
	}

	dir := filepath.Join(c.storageRoot, "projects", ref.Slug, "archive", "messages", year, month)
	entries, ok := dirCache[dir]
	if !ok {
		names, err := listDir(dir)
		if err != nil {
			return false, err
		}
		entries = names
		dirCache[dir] = entries
	}

	prefix := ""
	if ts, perr := time.Parse(time.RFC3339Nano, ref.CreatedAt); perr == nil {
		prefix = ts.UTC().Format("20060102T150405Z")
	}
	suffix := "__" + ref.MessageID + ".md"
	for _, name := range entries {
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) {
			return true, nil
		}
	}
	return false, nil
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// parseYearMonth parses ref's ISO-8601 timestamp into the "YYYY"/"MM"
// path components the archive writers use (internal/writers' message.go).
func parseYearMonth(iso string) (year, month string, err error) {
	ts, perr := time.Parse(time.RFC3339, iso)
	if perr != nil {
		ts, perr = time.Parse(time.RFC3339Nano, iso)
	}
	if perr != nil {
		return "", "", fmt.Errorf("parse created_at %q: %w", iso, perr)
	}
	ts = ts.UTC()
	return fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%02d", int(ts.Month())), nil
}
