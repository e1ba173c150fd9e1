// Package checkpoint defines the in-memory snapshot/restore value for a
// simulation run. Per spec.md §1, any container format may wrap this value;
// this package has no opinion on file formats, only on the data and the
// restore contract's fatal-condition checks.
package checkpoint

import (
	"fmt"

	"github.com/Manjago/proteus-sub000/allocator"
	"github.com/Manjago/proteus-sub000/instr"
	"github.com/Manjago/proteus-sub000/organism"
	"github.com/Manjago/proteus-sub000/rng"
	"github.com/Manjago/proteus-sub000/vm"
)

// CurrentVersion is the checkpoint format version this package produces
// and is willing to restore.
const CurrentVersion = 1

// OrganismRecord is the per-organism slice of a CheckpointData, mirroring
// spec.md §6 exactly.
type OrganismRecord struct {
	ID         int64
	StartAddr  int
	Size       int
	ParentID   int64
	BirthCycle uint64
	AllocID    int64
	Name       string

	IP        int32
	Errors    uint64
	Age       uint64
	Registers [vm.NumRegisters]int32

	HasPending     bool
	PendingAddr    int
	PendingSize    int
	PendingAllocID int64
}

// CheckpointData is the full serializable snapshot described in spec.md §6.
type CheckpointData struct {
	Version     uint32
	TotalCycles uint64
	Seed        int64

	SoupSize uint32
	Soup     []instr.Word

	RNGState    []byte
	InitialSeed int64

	TotalSpawns    uint64
	DeathsByReaper uint64
	DeathsByErrors uint64
	NextOrgID      int64
	NextAllocID    int64

	MutationRate float64
	MaxErrors    uint32
	MaxOrganisms uint32

	Organisms []OrganismRecord
}

// CaptureParams is everything Capture needs from a running simulator. It is
// a plain struct rather than a simulator.Simulator reference so this
// package never imports package simulator (simulator imports checkpoint,
// not the reverse).
type CaptureParams struct {
	TotalCycles uint64
	Seed        int64
	Soup        []instr.Word
	RNG         *rng.Source

	TotalSpawns    uint64
	DeathsByReaper uint64
	DeathsByErrors uint64
	NextOrgID      int64
	NextAllocID    int64

	MutationRate float64
	MaxErrors    uint32
	MaxOrganisms uint32

	Organisms []*organism.Organism
}

// Capture builds a CheckpointData value from a live simulation's state.
func Capture(p CaptureParams) CheckpointData {
	soup := make([]instr.Word, len(p.Soup))
	copy(soup, p.Soup)

	records := make([]OrganismRecord, len(p.Organisms))
	for i, o := range p.Organisms {
		cpu := o.CPU()
		rec := OrganismRecord{
			ID:         o.ID(),
			StartAddr:  o.StartAddr(),
			Size:       o.Size(),
			ParentID:   o.ParentID(),
			BirthCycle: o.BirthCycle(),
			AllocID:    o.AllocID(),
			Name:       o.Name(),
			IP:         cpu.IP,
			Errors:     cpu.Errors,
			Age:        cpu.Age,
			Registers:  cpu.Registers,
		}
		if cpu.Pending != nil {
			rec.HasPending = true
			rec.PendingAddr = cpu.Pending.Addr
			rec.PendingSize = cpu.Pending.Size
			rec.PendingAllocID = cpu.Pending.AllocID
		}
		records[i] = rec
	}

	return CheckpointData{
		Version:        CurrentVersion,
		TotalCycles:    p.TotalCycles,
		Seed:           p.Seed,
		SoupSize:       uint32(len(soup)),
		Soup:           soup,
		RNGState:       p.RNG.SaveState(),
		InitialSeed:    p.RNG.InitialSeed(),
		TotalSpawns:    p.TotalSpawns,
		DeathsByReaper: p.DeathsByReaper,
		DeathsByErrors: p.DeathsByErrors,
		NextOrgID:      p.NextOrgID,
		NextAllocID:    p.NextAllocID,
		MutationRate:   p.MutationRate,
		MaxErrors:      p.MaxErrors,
		MaxOrganisms:   p.MaxOrganisms,
		Organisms:      records,
	}
}

// RestoredState is everything a caller (package simulator) needs to
// reconstruct a Simulator from a CheckpointData.
type RestoredState struct {
	TotalCycles uint64
	Soup        []instr.Word
	RNG         *rng.Source
	Allocator   *allocator.Allocator

	TotalSpawns    uint64
	DeathsByReaper uint64
	DeathsByErrors uint64
	NextOrgID      int64
	NextAllocID    int64

	MutationRate float64
	MaxErrors    uint32
	MaxOrganisms uint32

	Organisms []*organism.Organism
}

// Restore rebuilds allocator ownership from the organism list (and their
// pending allocations), rehydrates each organism's CPU state, restores the
// RNG, and validates the fatal conditions spec.md §7 names: unrecognized
// version, soup size mismatch, and any cell claimed by two allocations.
// Restore refuses (returns an error) rather than attempting recovery.
func Restore(data CheckpointData, expectedSoupSize int) (*RestoredState, error) {
	if data.Version != CurrentVersion {
		return nil, fmt.Errorf("checkpoint: unrecognized version %d (want %d)", data.Version, CurrentVersion)
	}
	if int(data.SoupSize) != expectedSoupSize || len(data.Soup) != expectedSoupSize {
		return nil, fmt.Errorf("checkpoint: soup size mismatch: checkpoint has %d, expected %d", data.SoupSize, expectedSoupSize)
	}

	soup := make([]instr.Word, len(data.Soup))
	copy(soup, data.Soup)

	source, err := rng.Restore(data.RNGState)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: restoring rng state: %w", err)
	}

	claimed := make([]int64, expectedSoupSize) // local conflict-detection map
	claim := func(addr, size int, allocID int64) error {
		if addr < 0 || size <= 0 || addr+size > expectedSoupSize {
			return fmt.Errorf("checkpoint: allocation [%d,%d) out of soup bounds", addr, addr+size)
		}
		for i := addr; i < addr+size; i++ {
			if claimed[i] != 0 && claimed[i] != allocID {
				return fmt.Errorf("checkpoint: allocation-map inconsistency: cell %d claimed by both alloc %d and alloc %d", i, claimed[i], allocID)
			}
			claimed[i] = allocID
		}
		return nil
	}

	organisms := make([]*organism.Organism, 0, len(data.Organisms))
	for _, rec := range data.Organisms {
		if err := claim(rec.StartAddr, rec.Size, rec.AllocID); err != nil {
			return nil, err
		}
		if rec.HasPending {
			if err := claim(rec.PendingAddr, rec.PendingSize, rec.PendingAllocID); err != nil {
				return nil, err
			}
		}

		cpu := vm.NewCPUState(rec.StartAddr)
		cpu.OwnerID = rec.ID
		cpu.IP = rec.IP
		cpu.Errors = rec.Errors
		cpu.Age = rec.Age
		cpu.Registers = rec.Registers
		if rec.HasPending {
			cpu.Pending = &vm.PendingAlloc{Addr: rec.PendingAddr, Size: rec.PendingSize, AllocID: rec.PendingAllocID}
		}

		o := organism.Restore(rec.ID, rec.StartAddr, rec.Size, rec.ParentID, rec.BirthCycle, rec.AllocID, rec.Name, cpu, true)
		organisms = append(organisms, o)
	}

	alloc := allocator.New(expectedSoupSize)
	for _, rec := range data.Organisms {
		alloc.MarkUsedWithAllocID(rec.StartAddr, rec.Size, rec.AllocID)
		if rec.HasPending {
			alloc.MarkUsedWithAllocID(rec.PendingAddr, rec.PendingSize, rec.PendingAllocID)
		}
	}
	if data.NextAllocID > alloc.NextAllocID() {
		alloc.MarkUsedWithAllocID(0, 0, data.NextAllocID-1) // advances nextID without claiming cells
	}

	return &RestoredState{
		TotalCycles:    data.TotalCycles,
		Soup:           soup,
		RNG:            source,
		Allocator:      alloc,
		TotalSpawns:    data.TotalSpawns,
		DeathsByReaper: data.DeathsByReaper,
		DeathsByErrors: data.DeathsByErrors,
		NextOrgID:      data.NextOrgID,
		NextAllocID:    data.NextAllocID,
		MutationRate:   data.MutationRate,
		MaxErrors:      data.MaxErrors,
		MaxOrganisms:   data.MaxOrganisms,
		Organisms:      organisms,
	}, nil
}
