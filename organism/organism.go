// Package organism defines the identity and placement record for a single
// digital organism. Its CPU state lives in package vm; organism only tracks
// what the simulator, reaper, and defragmenter need to manage a genome's
// lifecycle and placement.
package organism

import "github.com/Manjago/proteus-sub000/vm"

// Organism is one self-replicating program placed in the soup. Fields are
// unexported so placement updates (defragmentation moving a genome) go
// through SetStartAddr, keeping the alloc-id/CPU/position bookkeeping in
// one place.
type Organism struct {
	id         int64
	startAddr  int
	size       int
	parentID   int64 // -1 for the seed organism
	birthCycle uint64
	allocID    int64
	name       string // optional, for debugging/observability only
	cpu        *vm.CPUState
	alive      bool
}

// New creates an alive Organism placed at startAddr with the given genome
// size, owned under allocID, born at birthCycle.
func New(id int64, startAddr, size int, parentID int64, birthCycle uint64, allocID int64) *Organism {
	cpu := vm.NewCPUState(startAddr)
	cpu.OwnerID = id
	return &Organism{
		id:         id,
		startAddr:  startAddr,
		size:       size,
		parentID:   parentID,
		birthCycle: birthCycle,
		allocID:    allocID,
		cpu:        cpu,
		alive:      true,
	}
}

// Restore reconstructs an Organism from checkpointed fields, including a
// fully rehydrated CPU state, without reinitializing anything. Used only
// by package checkpoint.
func Restore(id int64, startAddr, size int, parentID int64, birthCycle uint64, allocID int64, name string, cpu *vm.CPUState, alive bool) *Organism {
	return &Organism{
		id:         id,
		startAddr:  startAddr,
		size:       size,
		parentID:   parentID,
		birthCycle: birthCycle,
		allocID:    allocID,
		name:       name,
		cpu:        cpu,
		alive:      alive,
	}
}

// ID returns the organism's identity.
func (o *Organism) ID() int64 { return o.id }

// StartAddr returns the absolute soup address the genome currently starts
// at.
func (o *Organism) StartAddr() int { return o.startAddr }

// SetStartAddr updates the organism's placement, keeping its CPU state's
// start address in sync. The genome's relative IP is left untouched, which
// is exactly what makes the code position-independent (spec.md §9).
func (o *Organism) SetStartAddr(addr int) {
	o.startAddr = addr
	o.cpu.StartAddr = addr
}

// Size returns the genome's length in cells.
func (o *Organism) Size() int { return o.size }

// ParentID returns the id of the organism that spawned this one, or -1 for
// the seed organism.
func (o *Organism) ParentID() int64 { return o.parentID }

// BirthCycle returns the scheduler cycle this organism was created in.
func (o *Organism) BirthCycle() uint64 { return o.birthCycle }

// AllocID returns the allocation id that owns this organism's cells.
func (o *Organism) AllocID() int64 { return o.allocID }

// Name returns the organism's optional debugging label.
func (o *Organism) Name() string { return o.name }

// SetName sets the organism's optional debugging label.
func (o *Organism) SetName(name string) { o.name = name }

// CPU returns the organism's CPU state.
func (o *Organism) CPU() *vm.CPUState { return o.cpu }

// Kill transitions the organism to dead. Memory reclamation is the caller's
// responsibility (simulator.kill), since only the simulator knows whether
// the allocation is still solely owned by this organism.
func (o *Organism) Kill() {
	o.alive = false
}

// The following methods satisfy package reaper's narrow Organism interface
// and package defrag's narrow Organism interface.

// OrganismID returns the organism's identity (reaper.Organism).
func (o *Organism) OrganismID() int64 {
	return o.id
}

// Age returns the number of instructions the organism's CPU has executed
// (reaper.Organism).
func (o *Organism) Age() uint64 {
	return o.cpu.Age
}

// IsAlive reports whether the organism is still alive (reaper.Organism).
func (o *Organism) IsAlive() bool {
	return o.alive
}
