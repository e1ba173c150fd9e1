// Package allocator implements the bitmap-backed first-fit memory allocator
// that carves organism genomes and pending allocations out of the shared
// soup. Ownership is tracked per cell by a positive allocation id; 0 means
// free.
package allocator

// Allocator owns the soup's ownership map. It never touches soup contents,
// only the parallel ownership array.
type Allocator struct {
	size     int
	owner    []int64 // 0 = free, >0 = owner alloc id
	nextID   int64
	used     int
}

// New creates an Allocator for a soup of the given size, entirely free.
func New(size int) *Allocator {
	return &Allocator{
		size:   size,
		owner:  make([]int64, size),
		nextID: 1,
	}
}

// Size returns the total number of cells the allocator manages.
func (a *Allocator) Size() int {
	return a.size
}

// Allocate performs a deterministic first-fit scan from address 0 for a
// contiguous run of `size` free cells. On success it stamps a fresh
// monotonic alloc id over the range and returns the starting address and
// id. Returns addr == -1 on failure (including size out of [1, maxSize]);
// callers pass the configured maximum allocation size (spec.md §4.4, §9).
func (a *Allocator) Allocate(size int, maxSize int) (addr int, allocID int64) {
	if size < 1 || size > maxSize || size > a.size {
		return -1, 0
	}
	run := 0
	for i := 0; i < a.size; i++ {
		if a.owner[i] == 0 {
			run++
			if run == size {
				start := i - size + 1
				id := a.nextID
				a.nextID++
				for j := start; j <= i; j++ {
					a.owner[j] = id
				}
				a.used += size
				return start, id
			}
		} else {
			run = 0
		}
	}
	return -1, 0
}

// Free zeroes ownership over [addr, addr+size). Safe to call on cells that
// are already free (no-op for those cells).
func (a *Allocator) Free(addr, size int) {
	for i := addr; i < addr+size; i++ {
		if i < 0 || i >= a.size {
			continue
		}
		if a.owner[i] != 0 {
			a.used--
		}
		a.owner[i] = 0
	}
}

// FreeIfOwned frees [addr, addr+size) only if every cell in the range is
// currently owned by the same non-zero id, and reports whether it freed
// anything. This guards against freeing memory another organism has since
// claimed (spec.md §9, "free_if_owned discipline").
func (a *Allocator) FreeIfOwned(addr, size int) bool {
	if size <= 0 || addr < 0 || addr+size > a.size {
		return false
	}
	owner := a.owner[addr]
	if owner == 0 {
		return false
	}
	for i := addr; i < addr+size; i++ {
		if a.owner[i] != owner {
			return false
		}
	}
	a.Free(addr, size)
	return true
}

// MarkUsedWithAllocID restores ownership during checkpoint replay or defrag
// rebuild, advancing nextID if necessary so future Allocate calls never
// reuse an id already on the map.
func (a *Allocator) MarkUsedWithAllocID(addr, size int, allocID int64) {
	for i := addr; i < addr+size; i++ {
		if i < 0 || i >= a.size {
			continue
		}
		if a.owner[i] == 0 {
			a.used++
		}
		a.owner[i] = allocID
	}
	if allocID >= a.nextID {
		a.nextID = allocID + 1
	}
}

// Rebuild wipes all ownership to free. Used before defragmentation, which
// recomputes ownership from the post-compaction organism placements.
func (a *Allocator) Rebuild() {
	for i := range a.owner {
		a.owner[i] = 0
	}
	a.used = 0
}

// NextAllocID returns the id that the next Allocate call will assign.
func (a *Allocator) NextAllocID() int64 {
	return a.nextID
}

// OwnerAt returns the allocation id owning cell i, or 0 if free.
func (a *Allocator) OwnerAt(i int) int64 {
	if i < 0 || i >= a.size {
		return 0
	}
	return a.owner[i]
}

// Used returns the number of owned cells.
func (a *Allocator) Used() int {
	return a.used
}

// FreeCount returns the number of unowned cells.
func (a *Allocator) FreeCount() int {
	return a.size - a.used
}

// LargestFreeBlock returns the size of the largest contiguous free run.
func (a *Allocator) LargestFreeBlock() int {
	largest, run := 0, 0
	for i := 0; i < a.size; i++ {
		if a.owner[i] == 0 {
			run++
			if run > largest {
				largest = run
			}
		} else {
			run = 0
		}
	}
	return largest
}

// FreeBlockCount returns the number of distinct contiguous free runs.
func (a *Allocator) FreeBlockCount() int {
	count := 0
	inRun := false
	for i := 0; i < a.size; i++ {
		if a.owner[i] == 0 {
			if !inRun {
				count++
				inRun = true
			}
		} else {
			inRun = false
		}
	}
	return count
}

// Fragmentation is 1 - largestFree/totalFree, or 0 if there is no free
// memory at all.
func (a *Allocator) Fragmentation() float64 {
	free := a.FreeCount()
	if free == 0 {
		return 0
	}
	return 1 - float64(a.LargestFreeBlock())/float64(free)
}
