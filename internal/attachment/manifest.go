package attachment

import (
	"encoding/json"
	"os"

	"github.com/agentmail/archivecore/internal/model"
)

// readManifest loads the manifest at path, returning an error (including
// os.ErrNotExist) if no cached conversion exists yet.
func readManifest(path string) (model.AttachmentManifest, error) {
	var m model.AttachmentManifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}
