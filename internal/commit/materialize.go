package commit

import (
	"encoding/json"
	"fmt"

	"github.com/kestrelkv/nest/internal/schema"
)

// GetBase resolves a base commit id to its already-materialized item.
// Implemented by the repository, which owns the per-commit item cache
// and the recursion/memoization needed to walk delta chains.
type GetBase func(id string) (*schema.Item, error)

// Materialize reconstructs the item a commit represents. For a full
// commit this just decodes the wire record. For a delta commit it
// fetches the base item via getBase, clones it, applies the patch, and
// checks the post-patch checksum against the commit's declared
// DstChecksum; a mismatch returns ErrCorrupted and sets c.Corrupted,
// per spec §4.D's corruption detection.
func Materialize(c *Commit, registry *schema.Registry, getBase GetBase) (*schema.Item, error) {
	if c.Contents.IsFull() {
		it, err := schema.UnmarshalWire(c.Contents.Record, registry)
		if err != nil {
			return nil, fmt.Errorf("commit: materialize %s: %w", c.ID, err)
		}
		return it, nil
	}
	if !c.Contents.IsDelta() {
		return nil, fmt.Errorf("commit: materialize %s: empty contents", c.ID)
	}

	base, err := getBase(c.Contents.Base)
	if err != nil {
		return nil, fmt.Errorf("commit: materialize %s: resolve base %s: %w", c.ID, c.Contents.Base, err)
	}
	clone := base.Clone()

	var changes schema.ChangeSet
	if err := json.Unmarshal(c.Contents.Edit.Changes, &changes); err != nil {
		return nil, fmt.Errorf("commit: materialize %s: unmarshal changes: %w", c.ID, err)
	}
	if err := clone.Patch(changes); err != nil {
		return nil, fmt.Errorf("commit: materialize %s: patch: %w", c.ID, err)
	}

	locked, err := clone.Lock()
	if err != nil {
		return nil, fmt.Errorf("commit: materialize %s: lock: %w", c.ID, err)
	}
	cs, err := locked.Checksum()
	if err != nil {
		return nil, fmt.Errorf("commit: materialize %s: checksum: %w", c.ID, err)
	}
	if cs != c.Contents.Edit.DstChecksum {
		c.Corrupted = true
		return nil, fmt.Errorf("commit: materialize %s: %w", c.ID, ErrCorrupted)
	}
	return locked, nil
}
