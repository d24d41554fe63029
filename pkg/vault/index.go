package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// indexFileName is the side index mapping run ids to their owning scopes.
// It is a cached projection: losing it only costs a rebuild from the logs.
const indexFileName = "runs-index.json"

type indexEntry struct {
	HiveID   string `json:"hive_id,omitempty"`
	ColonyID string `json:"colony_id,omitempty"`
}

// runIndex answers "which hive/colony does this run belong to" without
// replaying the run's log.
type runIndex struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
}

func loadRunIndex(root string) (*runIndex, error) {
	idx := &runIndex{entries: make(map[string]indexEntry)}
	b, err := os.ReadFile(filepath.Join(root, indexFileName))
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run index: %w", err)
	}
	if err := json.Unmarshal(b, &idx.entries); err != nil {
		// A damaged index is rebuildable; start over rather than fail open.
		idx.entries = make(map[string]indexEntry)
	}
	return idx, nil
}

func (i *runIndex) len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

func (i *runIndex) get(runID string) (hiveID, colonyID string, ok bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	entry, ok := i.entries[runID]
	return entry.HiveID, entry.ColonyID, ok
}

// set records a run's owners and persists the index with a write-then-rename
// so a crash never leaves a half-written file.
func (i *runIndex) set(root, runID, hiveID, colonyID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[runID] = indexEntry{HiveID: hiveID, ColonyID: colonyID}

	b, err := json.MarshalIndent(i.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run index: %w", err)
	}
	tmp := filepath.Join(root, indexFileName+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing run index: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(root, indexFileName)); err != nil {
		return fmt.Errorf("replacing run index: %w", err)
	}
	return nil
}
