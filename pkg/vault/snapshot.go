package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apiaryhq/apiary/pkg/models"
)

// Colony snapshots are cached projections written next to the owning hive's
// log so operators can inspect colony state without replaying it. The log
// stays the only authority: snapshots are rewritten on every colony
// transition and again on rebuild, and deleting them loses nothing.

func colonySnapshotPath(root, hiveID, colonyID string) string {
	return filepath.Join(root, string(HiveScope(hiveID)), "colony-"+colonyID+".json")
}

// SaveColonySnapshot writes the colony's current projection as
// hive-{hive}/colony-{id}.json with a write-then-rename so a crash never
// leaves a half-written snapshot.
func (v *Vault) SaveColonySnapshot(hiveID string, colony models.Colony) error {
	if hiveID == "" || colony.ID == "" {
		return fmt.Errorf("colony snapshot needs hive and colony ids")
	}
	dir := filepath.Join(v.root, string(HiveScope(hiveID)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating scope dir for snapshot: %w", err)
	}
	b, err := json.MarshalIndent(colony, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding colony snapshot %s: %w", colony.ID, err)
	}
	path := colonySnapshotPath(v.root, hiveID, colony.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing colony snapshot %s: %w", colony.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing colony snapshot %s: %w", colony.ID, err)
	}
	return nil
}

// ColonySnapshot reads a previously saved snapshot. ok is false when none
// exists; an undecodable snapshot also reports false so callers fall back to
// replay.
func (v *Vault) ColonySnapshot(hiveID, colonyID string) (models.Colony, bool) {
	b, err := os.ReadFile(colonySnapshotPath(v.root, hiveID, colonyID))
	if err != nil {
		return models.Colony{}, false
	}
	var c models.Colony
	if err := json.Unmarshal(b, &c); err != nil {
		return models.Colony{}, false
	}
	return c, true
}
