// Package defrag compacts the alive genomes in the soup toward address 0,
// consolidating free space. Because organism IPs are relative offsets from
// their own start_addr (spec.md §4.3, §9), moving a genome never invalidates
// its instruction pointer.
package defrag

import (
	"sort"

	"github.com/Manjago/proteus-sub000/instr"
)

// Organism is the narrow view Defragment needs of an alive organism.
type Organism interface {
	StartAddr() int
	SetStartAddr(addr int)
	Size() int
	AllocID() int64
}

// Allocator is the narrow view of the allocator Defragment needs to
// rebuild ownership after compaction.
type Allocator interface {
	Rebuild()
	MarkUsedWithAllocID(addr, size int, allocID int64)
}

// Stats accumulates compaction statistics across the lifetime of a
// Defragmenter.
type Stats struct {
	Compactions    uint64
	OrganismsMoved uint64
	CellsCompacted uint64
}

// Defragmenter performs in-place compaction of the soup.
type Defragmenter struct {
	stats Stats
}

// New creates a Defragmenter with zeroed stats.
func New() *Defragmenter {
	return &Defragmenter{}
}

// Stats returns a snapshot of the accumulated compaction statistics.
func (d *Defragmenter) Stats() Stats {
	return d.stats
}

// NeedsDefragmentation reports whether compacting would plausibly make a
// requiredSize allocation possible: the current largest free block is too
// small, fragmentation is at or above threshold, and total free is at
// least requiredSize (compaction cannot create space that doesn't exist).
func NeedsDefragmentation(largestFreeBlock, totalFree, requiredSize int, fragmentation, fragThreshold float64) bool {
	return largestFreeBlock < requiredSize && fragmentation >= fragThreshold && totalFree >= requiredSize
}

// Defragment sorts alive organisms by current start address, then slides
// each one down to the next free address in ascending order, updating its
// start address in place and rewriting the allocator's ownership map from
// scratch. Callers must clear all pending allocations before calling this:
// their addresses would otherwise become invalid (spec.md §4.7).
func (d *Defragmenter) Defragment(soup []instr.Word, alloc Allocator, alive []Organism) {
	ordered := make([]Organism, len(alive))
	copy(ordered, alive)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].StartAddr() < ordered[j].StartAddr()
	})

	next := 0
	moved := 0
	cellsCompacted := 0
	for _, o := range ordered {
		size := o.Size()
		if o.StartAddr() != next {
			copy(soup[next:next+size], soup[o.StartAddr():o.StartAddr()+size])
			o.SetStartAddr(next)
			moved++
			cellsCompacted += size
		}
		next += size
	}

	alloc.Rebuild()
	for _, o := range ordered {
		alloc.MarkUsedWithAllocID(o.StartAddr(), o.Size(), o.AllocID())
	}

	d.stats.Compactions++
	d.stats.OrganismsMoved += uint64(moved)
	d.stats.CellsCompacted += uint64(cellsCompacted)
}
