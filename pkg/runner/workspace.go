package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// newWorkspace creates a fresh, isolated directory for exactly one
// activation under root, named from the claim id so concurrent
// activations (max_in_flight > 1) never collide (§4.5). Callers must
// call remove() in their cleanup path regardless of activation outcome.
func newWorkspace(root, claimID string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	safe := strings.NewReplacer(":", "_", "/", "_").Replace(claimID)
	dir := filepath.Join(root, fmt.Sprintf("activation-%s", safe))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("runner: create workspace: %w", err)
	}
	return dir, nil
}

func removeWorkspace(dir string) {
	if dir == "" {
		return
	}
	_ = os.RemoveAll(dir)
}
