package adapter

import (
	"fmt"
	"sort"

	"github.com/rr-go/rrgdbadapter/pkg/logflags"
	"github.com/rr-go/rrgdbadapter/pkg/replay"
)

// CheckpointTable maps a 24-bit user-chosen index to an explicit Mark.
// At most one entry per index; replacing an index releases the mark that
// was there.
type CheckpointTable struct {
	byIndex map[uint32]replay.Mark
}

// NewCheckpointTable returns an empty checkpoint table.
func NewCheckpointTable() *CheckpointTable {
	return &CheckpointTable{byIndex: make(map[uint32]replay.Mark)}
}

// Create replaces (or adds) the mark bound to index, releasing whatever
// was previously there via timeline.RemoveExplicitCheckpoint.
func (c *CheckpointTable) Create(timeline replay.Timeline, index uint32) {
	if old, ok := c.byIndex[index]; ok {
		timeline.RemoveExplicitCheckpoint(old)
		delete(c.byIndex, index)
	}
	mark := timeline.AddExplicitCheckpoint()
	c.byIndex[index] = mark
	if logflags.Checkpoint() {
		logflags.CheckpointLogger().Debugf("created checkpoint %d", index)
	}
}

// Delete releases and removes the mark bound to index, if present. A
// missing index is a silent no-op.
func (c *CheckpointTable) Delete(timeline replay.Timeline, index uint32) {
	mark, ok := c.byIndex[index]
	if !ok {
		return
	}
	timeline.RemoveExplicitCheckpoint(mark)
	delete(c.byIndex, index)
	if logflags.Checkpoint() {
		logflags.CheckpointLogger().Debugf("deleted checkpoint %d", index)
	}
}

// Lookup returns the mark bound to index, if any.
func (c *CheckpointTable) Lookup(index uint32) (replay.Mark, bool) {
	m, ok := c.byIndex[index]
	return m, ok
}

// Indices returns the currently valid checkpoint indices in ascending
// order, used to build the diagnostic listing on a failed restart-from-
// checkpoint.
func (c *CheckpointTable) Indices() []uint32 {
	out := make([]uint32, 0, len(c.byIndex))
	for idx := range c.byIndex {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the valid indices for the "no such checkpoint" diagnostic.
func (c *CheckpointTable) String() string {
	return fmt.Sprint(c.Indices())
}
