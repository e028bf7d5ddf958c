package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ClaimantID returns the claim identity for a daemon rooted at workDir.
// The identity is minted once per work directory and persisted there,
// so a restarted daemon recovers the rows its predecessor owned while
// two daemons sharing a host never collide.
func ClaimantID(workDir string) string {
	path := filepath.Join(workDir, ".claimant")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	id := hostname + "-" + uuid.NewString()[:8]

	_ = os.MkdirAll(workDir, 0o755)
	_ = os.WriteFile(path, []byte(id+"\n"), 0o644)

	return id
}
