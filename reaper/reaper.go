// Package reaper implements the age-ordered FIFO cull queue: organisms are
// culled oldest-birth-first to make room for new allocations, with lazy
// deletion: unregistering marks an entry instead of removing it. Finding
// the entry to mark is a linear scan of the queue, so Unregister is O(n) in
// the queue length.
package reaper

import "container/list"

// Organism is the narrow view the reaper needs of an organism: enough to
// decide whether an entry is still worth reaping and to kill it.
type Organism interface {
	IsAlive() bool
	OrganismID() int64
	Age() uint64
}

// Killer performs the actual kill side effects (free memory, remove from
// the simulator's alive list) once the reaper has chosen a victim.
type Killer interface {
	KillReaped(o Organism)
}

// Reaper is a FIFO queue of organism references ordered by birth cycle.
// Unregister is lazy: entries persist until they reach the head and are
// popped, or until Cleanup drops them. Register is O(1); Unregister scans
// the queue from the front to find the entry it marks.
type Reaper struct {
	queue       *list.List // of *entry, oldest at Front
	killer      Killer
	reapCount   uint64
	totalAgeSum uint64
}

type entry struct {
	org     Organism
	removed bool
}

// New creates a Reaper that delegates actual kills to killer.
func New(killer Killer) *Reaper {
	return &Reaper{queue: list.New(), killer: killer}
}

// Register enqueues o at the tail.
func (r *Reaper) Register(o Organism) {
	r.queue.PushBack(&entry{org: o})
}

// Unregister marks o's entry as logically removed. The entry is not
// physically dropped until Cleanup or it reaches the head during Reap.
func (r *Reaper) Unregister(o Organism) {
	for e := r.queue.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if ent.org == o || (ent.org != nil && ent.org.OrganismID() == o.OrganismID()) {
			ent.removed = true
			return
		}
	}
}

// Reap pops entries until a still-alive one is found, kills it via the
// Killer, counts it, and returns it. Returns nil if the queue holds no
// alive entries.
func (r *Reaper) Reap() Organism {
	for {
		front := r.queue.Front()
		if front == nil {
			return nil
		}
		r.queue.Remove(front)
		ent := front.Value.(*entry)
		if ent.removed || !ent.org.IsAlive() {
			continue
		}
		r.reapCount++
		r.totalAgeSum += ent.org.Age()
		r.killer.KillReaped(ent.org)
		return ent.org
	}
}

// ReapUntilFree repeatedly reaps while free is below size, stopping as
// soon as free reaches size even if the largest contiguous block is still
// too small (defragmentation may reconcile that separately).
func (r *Reaper) ReapUntilFree(size int, free func() int) int {
	killed := 0
	for free() < size {
		if r.Reap() == nil {
			break
		}
		killed++
	}
	return killed
}

// Cleanup walks the queue once, dropping entries that are removed or whose
// organism has died some other way (e.g. error threshold), and returns the
// number dropped. Intended to run periodically once RawQueueSize grows
// large, per spec.md §4.5.
func (r *Reaper) Cleanup() int {
	dropped := 0
	var next *list.Element
	for e := r.queue.Front(); e != nil; e = next {
		next = e.Next()
		ent := e.Value.(*entry)
		if ent.removed || !ent.org.IsAlive() {
			r.queue.Remove(e)
			dropped++
		}
	}
	return dropped
}

// ReapCount returns the cumulative number of organisms reaped.
func (r *Reaper) ReapCount() uint64 {
	return r.reapCount
}

// SeedReapCount sets the cumulative reap counter directly. Used when
// rebuilding a Reaper from a checkpoint, where DeathsByReaper must carry
// over even though the queue itself is rebuilt from the alive list only
// (dead organisms are not persisted, so their queue entries cannot be).
func (r *Reaper) SeedReapCount(n uint64) {
	r.reapCount = n
}

// AverageAgeAtDeath returns the mean age, at the moment of reaping, of all
// reaped organisms so far, or 0 if none have been reaped.
func (r *Reaper) AverageAgeAtDeath() float64 {
	if r.reapCount == 0 {
		return 0
	}
	return float64(r.totalAgeSum) / float64(r.reapCount)
}

// OldestAge returns the age of the oldest still-alive entry in the queue,
// or 0 if the queue holds no alive entries.
func (r *Reaper) OldestAge() uint64 {
	for e := r.queue.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if !ent.removed && ent.org.IsAlive() {
			return ent.org.Age()
		}
	}
	return 0
}

// QueueSize returns the number of live (non-removed, alive) entries still
// queued.
func (r *Reaper) QueueSize() int {
	n := 0
	for e := r.queue.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		if !ent.removed && ent.org.IsAlive() {
			n++
		}
	}
	return n
}

// RawQueueSize returns the total number of entries still physically in the
// queue, live or not — the size Cleanup's trigger threshold compares
// against.
func (r *Reaper) RawQueueSize() int {
	return r.queue.Len()
}
