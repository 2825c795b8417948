package vector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// The sidecar holds full-fidelity metadata (numbers stay numbers) next to
// chromem's string-only store, so range filters and structured scans work
// across restarts.

func (x *Index) sidecarPath() string {
	return filepath.Join(x.persistDir, sidecarFile)
}

func (x *Index) loadSidecar() error {
	if x.persistDir == "" {
		return nil
	}

	data, err := os.ReadFile(x.sidecarPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read metadata sidecar: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := json.Unmarshal(data, &x.meta); err != nil {
		return fmt.Errorf("failed to parse metadata sidecar: %w", err)
	}
	return nil
}

func (x *Index) saveSidecar() error {
	if x.persistDir == "" {
		return nil
	}

	x.mu.RLock()
	data, err := json.Marshal(x.meta)
	x.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode metadata sidecar: %w", err)
	}

	tmp := x.sidecarPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata sidecar: %w", err)
	}
	return os.Rename(tmp, x.sidecarPath())
}
