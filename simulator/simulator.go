// Package simulator implements the round-robin scheduler and organism
// lifecycle: the glue that wires the virtual CPU, bitmap allocator, reaper,
// and defragmenter into one deterministic cycle loop (spec.md §4.6).
package simulator

import (
	"fmt"
	"math"
	"time"

	"github.com/Manjago/proteus-sub000/allocator"
	"github.com/Manjago/proteus-sub000/checkpoint"
	"github.com/Manjago/proteus-sub000/defrag"
	"github.com/Manjago/proteus-sub000/instr"
	"github.com/Manjago/proteus-sub000/organism"
	"github.com/Manjago/proteus-sub000/reaper"
	"github.com/Manjago/proteus-sub000/rng"
	"github.com/Manjago/proteus-sub000/vm"
)

// DefaultMaxAllocationSize is the host-enforced sanity guard on a single
// ALLOCATE request (spec.md §4.4, §9: "named configuration constant rather
// than a magic number").
const DefaultMaxAllocationSize = 1000

// DefaultFragmentationThreshold is the fragmentation ratio at or above which
// ALLOCATE's fallback ladder considers defragmentation worthwhile.
const DefaultFragmentationThreshold = 0.5

// reaperCleanupInterval is the fixed cycle period (spec.md §4.6 step 5) on
// which the reaper's raw queue is checked for compaction.
const reaperCleanupInterval = 10000

// Config fixes a Simulator's parameters at construction time. MaxCycles may
// be 0 for unbounded.
type Config struct {
	SoupSize           int
	MutationRate       float64
	MaxErrors          uint32
	MaxOrganisms       int
	MaxCycles          uint64
	CheckpointInterval uint64
	ReportInterval     uint64
	RandomSeed         int64

	// MaxAllocationSize and FragmentationThreshold default to the package
	// constants above when left zero.
	MaxAllocationSize      int
	FragmentationThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MaxAllocationSize == 0 {
		c.MaxAllocationSize = DefaultMaxAllocationSize
	}
	if c.FragmentationThreshold == 0 {
		c.FragmentationThreshold = DefaultFragmentationThreshold
	}
	return c
}

// DeathCause classifies why an organism transitioned to dead. Only
// CauseErrors is counted as DeathsByErrors; reaped deaths are counted by
// the reaper itself (spec.md §4.6).
type DeathCause int

const (
	CauseErrors DeathCause = iota
	CauseReaped
	CauseOverwritten
)

func (c DeathCause) String() string {
	switch c {
	case CauseErrors:
		return "ERRORS"
	case CauseReaped:
		return "REAPED"
	case CauseOverwritten:
		return "OVERWRITTEN"
	default:
		return "UNKNOWN"
	}
}

// Stats is a cheap, point-in-time snapshot for progress reporting. It is
// never fed back into the simulation and is not part of CheckpointData.
type Stats struct {
	TotalCycles       uint64
	AliveCount        int
	TotalSpawns       uint64
	DeathsByErrors    uint64
	DeathsByReaper    uint64
	FailedAllocations uint64
	RejectedSpawns    uint64
	MemoryUsed        int
	MemoryFree        int
	LargestFreeBlock  int
	Fragmentation     float64
	CycleRate         float64
}

// ProgressObserver, SpawnObserver, DeathObserver, and CheckpointObserver are
// one-way notifications (spec.md §9: "message passing vs. callbacks").
// Implementations must not call back into the Simulator while it is
// mid-cycle.
type ProgressObserver func(Stats)
type SpawnObserver func(child, parent *organism.Organism, cycle uint64)
type DeathObserver func(o *organism.Organism, cause DeathCause, cycle uint64)
type CheckpointObserver func(cycle uint64)

// Simulator owns the soup, allocator, reaper, defragmenter, and the alive
// organism list, and drives the per-cycle scheduler. Pass it explicitly to
// collaborators rather than reaching for a package-level singleton
// (spec.md §9), so tests can instantiate many in parallel.
type Simulator struct {
	cfg Config

	soup         []instr.Word
	alloc        *allocator.Allocator
	rngSource    *rng.Source
	reap         *reaper.Reaper
	defragmenter *defrag.Defragmenter

	alive     []*organism.Organism
	nextOrgID int64

	totalCycles       uint64
	totalSpawns       uint64
	deathsByErrors    uint64
	failedAllocations uint64
	rejectedSpawns    uint64

	stopRequested bool
	paused        bool

	mutationTracker vm.MutationTracker
	onProgress      ProgressObserver
	onSpawn         SpawnObserver
	onDeath         DeathObserver
	onCheckpoint    CheckpointObserver

	lastStatsTime   time.Time
	lastStatsCycles uint64
}

// New creates a Simulator with an empty soup, ready for Seed.
func New(cfg Config) *Simulator {
	cfg = cfg.withDefaults()
	s := &Simulator{
		cfg:          cfg,
		soup:         make([]instr.Word, cfg.SoupSize),
		alloc:        allocator.New(cfg.SoupSize),
		rngSource:    rng.New(cfg.RandomSeed),
		defragmenter: defrag.New(),
		nextOrgID:    1,
	}
	s.reap = reaper.New(s)
	return s
}

// Seed allocates a block for genome, writes it into the soup, and creates
// the initial organism with parent_id = -1 (spec.md §4.6).
func (s *Simulator) Seed(genome []instr.Word) (*organism.Organism, error) {
	addr, allocID := s.alloc.Allocate(len(genome), s.cfg.MaxAllocationSize)
	if addr == -1 {
		return nil, fmt.Errorf("simulator: no room to seed a %d-cell genome", len(genome))
	}
	copy(s.soup[addr:addr+len(genome)], genome)

	id := s.nextOrgID
	s.nextOrgID++
	o := organism.New(id, addr, len(genome), -1, s.totalCycles, allocID)
	s.alive = append(s.alive, o)
	s.reap.Register(o)
	return o, nil
}

// AliveOrganisms returns the current alive list. Callers must not mutate
// the returned slice.
func (s *Simulator) AliveOrganisms() []*organism.Organism {
	return s.alive
}

// TotalCycles returns the monotonic scheduler clock.
func (s *Simulator) TotalCycles() uint64 {
	return s.totalCycles
}

// SetMutationTracker installs an optional collaborator notified of every
// bit-flip mutation. Passing nil disables tracking. Determinism is
// unaffected either way (spec.md §4.3).
func (s *Simulator) SetMutationTracker(t vm.MutationTracker) {
	s.mutationTracker = t
}

// OnProgress, OnSpawn, OnDeath, and OnCheckpoint install the optional
// observer callbacks. Each replaces any previously installed observer of
// the same kind.
func (s *Simulator) OnProgress(f ProgressObserver)     { s.onProgress = f }
func (s *Simulator) OnSpawn(f SpawnObserver)           { s.onSpawn = f }
func (s *Simulator) OnDeath(f DeathObserver)           { s.onDeath = f }
func (s *Simulator) OnCheckpoint(f CheckpointObserver) { s.onCheckpoint = f }

// RequestStop sets the cooperative stop flag. It never interrupts a cycle
// already in progress (spec.md §5); RunUntilStopped checks it between
// cycles.
func (s *Simulator) RequestStop() { s.stopRequested = true }

// StopRequested reports whether RequestStop has been called.
func (s *Simulator) StopRequested() bool { return s.stopRequested }

// Pause and Resume toggle the cooperative pause flag; RunUntilStopped
// returns control to its caller as soon as it observes Paused() rather
// than busy-waiting inside the Simulator.
func (s *Simulator) Pause()        { s.paused = true }
func (s *Simulator) Resume()       { s.paused = false }
func (s *Simulator) Paused() bool  { return s.paused }

// Step advances the simulation by exactly one cycle regardless of the
// pause flag. Intended for the "single-step while paused" control surface
// (spec.md §9, §6 pause/resume/step).
func (s *Simulator) Step() { s.Cycle() }

// RunUntilStopped repeatedly calls Cycle until the stop flag is set, the
// pause flag is set, MaxCycles is reached, or no organisms remain alive.
// Returns the number of cycles actually executed.
func (s *Simulator) RunUntilStopped() uint64 {
	executed := uint64(0)
	for !s.stopRequested && !s.paused {
		if s.cfg.MaxCycles > 0 && s.totalCycles >= s.cfg.MaxCycles {
			break
		}
		if len(s.alive) == 0 {
			break
		}
		s.Cycle()
		executed++
	}
	return executed
}

// Cycle advances the scheduler clock by one and runs every alive organism
// through exactly one CPU step, in the fixed order spec.md §4.6 describes.
func (s *Simulator) Cycle() {
	s.totalCycles++
	if len(s.alive) == 0 {
		return
	}

	// Snapshot a copy of the alive list: spawns append to s.alive and
	// reaps remove from it during this pass, and neither may change which
	// organisms this pass executes.
	snapshot := append([]*organism.Organism(nil), s.alive...)
	var killList []*organism.Organism
	for _, o := range snapshot {
		if !o.IsAlive() {
			continue // killed mid-pass by a reap triggered from ALLOCATE
		}
		vm.Step(o.CPU(), s.soup, s.cfg.MutationRate, s.rngSource, s, s.mutationTracker)
		if o.CPU().Errors > uint64(s.cfg.MaxErrors) {
			killList = append(killList, o)
		}
	}

	for _, o := range killList {
		if o.IsAlive() {
			s.kill(o, CauseErrors)
		}
	}

	if s.totalCycles%reaperCleanupInterval == 0 {
		if s.reap.RawQueueSize() > 2*len(s.alive)+10000 {
			s.reap.Cleanup()
		}
	}

	if s.cfg.ReportInterval > 0 && s.totalCycles%s.cfg.ReportInterval == 0 && s.onProgress != nil {
		s.onProgress(s.Stats())
	}
	if s.cfg.CheckpointInterval > 0 && s.totalCycles%s.cfg.CheckpointInterval == 0 && s.onCheckpoint != nil {
		s.onCheckpoint(s.totalCycles)
	}
}

// kill transitions o to dead, removes it from the alive list, and releases
// its memory. Reaped deaths (cause == CauseReaped) arrive already popped
// from the reaper queue by KillReaped, so kill only unregisters for the
// other causes, matching the lazy-deletion discipline (spec.md §4.5).
func (s *Simulator) kill(o *organism.Organism, cause DeathCause) {
	o.Kill()
	s.removeFromAlive(o)
	if cause != CauseReaped {
		s.reap.Unregister(o)
	}
	if p := o.CPU().Pending; p != nil {
		s.alloc.FreeIfOwned(p.Addr, p.Size)
		o.CPU().Pending = nil
	}
	s.alloc.FreeIfOwned(o.StartAddr(), o.Size())
	if cause == CauseErrors {
		s.deathsByErrors++
	}
	if s.onDeath != nil {
		s.onDeath(o, cause, s.totalCycles)
	}
}

func (s *Simulator) removeFromAlive(o *organism.Organism) {
	for i, a := range s.alive {
		if a == o {
			s.alive = append(s.alive[:i], s.alive[i+1:]...)
			return
		}
	}
}

func (s *Simulator) findOrganism(id int64) *organism.Organism {
	for _, o := range s.alive {
		if o.ID() == id {
			return o
		}
	}
	return nil
}

// KillReaped implements reaper.Killer: the reaper has already popped the
// entry from its own queue, so this only handles alive-list removal and
// memory release.
func (s *Simulator) KillReaped(o reaper.Organism) {
	org, ok := o.(*organism.Organism)
	if !ok || !org.IsAlive() {
		return
	}
	s.kill(org, CauseReaped)
}

// Allocate implements vm.Syscalls: the ALLOCATE fallback ladder of
// spec.md §4.6 — direct allocate, then reap-until-free and retry, then
// defragment-and-retry, then give up.
func (s *Simulator) Allocate(ownerID int64, size int) (addr int, allocID int64, ok bool) {
	if addr, id := s.alloc.Allocate(size, s.cfg.MaxAllocationSize); addr != -1 {
		return addr, id, true
	}

	if killed := s.reap.ReapUntilFree(size, s.alloc.FreeCount); killed > 0 {
		if addr, id := s.alloc.Allocate(size, s.cfg.MaxAllocationSize); addr != -1 {
			return addr, id, true
		}
	}

	if defrag.NeedsDefragmentation(s.alloc.LargestFreeBlock(), s.alloc.FreeCount(), size, s.alloc.Fragmentation(), s.cfg.FragmentationThreshold) {
		s.clearAllPendingAllocations()
		s.defragmenter.Defragment(s.soup, s.alloc, s.aliveAsDefragOrganisms())
		if addr, id := s.alloc.Allocate(size, s.cfg.MaxAllocationSize); addr != -1 {
			return addr, id, true
		}
	}

	s.failedAllocations++
	return -1, 0, false
}

func (s *Simulator) clearAllPendingAllocations() {
	for _, o := range s.alive {
		o.CPU().Pending = nil
	}
}

func (s *Simulator) aliveAsDefragOrganisms() []defrag.Organism {
	out := make([]defrag.Organism, len(s.alive))
	for i, o := range s.alive {
		out[i] = o
	}
	return out
}

// Spawn implements vm.Syscalls: validates and commits a pending allocation
// as a new organism, per the rules in spec.md §4.6.
func (s *Simulator) Spawn(ownerID int64, address int, pending vm.PendingAlloc) bool {
	if pending.Addr < 0 || pending.Size <= 0 {
		s.rejectSpawn(pending)
		return false
	}
	if address != pending.Addr {
		s.rejectSpawn(pending)
		return false
	}
	if pending.Size < 1 || pending.Size > s.cfg.MaxAllocationSize || pending.Addr+pending.Size > len(s.soup) {
		s.rejectSpawn(pending)
		return false
	}
	if len(s.alive) >= s.cfg.MaxOrganisms {
		s.reap.Reap()
		if len(s.alive) >= s.cfg.MaxOrganisms {
			s.rejectSpawn(pending)
			return false
		}
	}

	parent := s.findOrganism(ownerID)
	id := s.nextOrgID
	s.nextOrgID++
	child := organism.New(id, pending.Addr, pending.Size, ownerID, s.totalCycles, pending.AllocID)
	s.alive = append(s.alive, child)
	s.reap.Register(child)
	s.totalSpawns++
	if s.onSpawn != nil {
		s.onSpawn(child, parent, s.totalCycles)
	}
	return true
}

func (s *Simulator) rejectSpawn(pending vm.PendingAlloc) {
	if pending.Size > 0 {
		s.alloc.FreeIfOwned(pending.Addr, pending.Size)
	}
	s.rejectedSpawns++
}

// Stats returns a cheap snapshot for progress reporting, and updates the
// internal bookkeeping CycleRate is computed from. CycleRate relies on
// wall-clock time purely for display; it is never consulted by the engine
// and is not part of CheckpointData, so it cannot affect determinism.
func (s *Simulator) Stats() Stats {
	now := time.Now()
	var rate float64
	if !s.lastStatsTime.IsZero() {
		if elapsed := now.Sub(s.lastStatsTime).Seconds(); elapsed > 0 {
			rate = float64(s.totalCycles-s.lastStatsCycles) / elapsed
		}
	}
	s.lastStatsTime = now
	s.lastStatsCycles = s.totalCycles

	return Stats{
		TotalCycles:       s.totalCycles,
		AliveCount:        len(s.alive),
		TotalSpawns:       s.totalSpawns,
		DeathsByErrors:    s.deathsByErrors,
		DeathsByReaper:    s.reap.ReapCount(),
		FailedAllocations: s.failedAllocations,
		RejectedSpawns:    s.rejectedSpawns,
		MemoryUsed:        s.alloc.Used(),
		MemoryFree:        s.alloc.FreeCount(),
		LargestFreeBlock:  s.alloc.LargestFreeBlock(),
		Fragmentation:     s.alloc.Fragmentation(),
		CycleRate:         rate,
	}
}

// SoupEntropy computes the Shannon entropy of cell values over the whole
// soup. It is a diversity signal only, computed on demand rather than
// every cycle, and never consulted by the deterministic core.
func (s *Simulator) SoupEntropy() float64 {
	counts := make(map[instr.Word]int)
	for _, w := range s.soup {
		counts[w]++
	}
	n := float64(len(s.soup))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// Capture builds a checkpoint.CheckpointData snapshot of the current run.
func (s *Simulator) Capture() checkpoint.CheckpointData {
	return checkpoint.Capture(checkpoint.CaptureParams{
		TotalCycles:    s.totalCycles,
		Seed:           s.cfg.RandomSeed,
		Soup:           s.soup,
		RNG:            s.rngSource,
		TotalSpawns:    s.totalSpawns,
		DeathsByReaper: s.reap.ReapCount(),
		DeathsByErrors: s.deathsByErrors,
		NextOrgID:      s.nextOrgID,
		NextAllocID:    s.alloc.NextAllocID(),
		MutationRate:   s.cfg.MutationRate,
		MaxErrors:      s.cfg.MaxErrors,
		MaxOrganisms:   uint32(s.cfg.MaxOrganisms),
		Organisms:      s.alive,
	})
}

// RestoreFrom rebuilds a Simulator from a checkpoint. cfg supplies the
// parameters the checkpoint format doesn't carry (ReportInterval,
// CheckpointInterval, MaxCycles, MaxAllocationSize, FragmentationThreshold);
// MutationRate, MaxErrors, and MaxOrganisms are overwritten from the
// checkpoint itself, matching the restore contract (spec.md §6).
func RestoreFrom(cfg Config, data checkpoint.CheckpointData) (*Simulator, error) {
	cfg = cfg.withDefaults()
	rs, err := checkpoint.Restore(data, cfg.SoupSize)
	if err != nil {
		return nil, err
	}

	cfg.MutationRate = rs.MutationRate
	cfg.MaxErrors = rs.MaxErrors
	cfg.MaxOrganisms = int(rs.MaxOrganisms)

	s := &Simulator{
		cfg:            cfg,
		soup:           rs.Soup,
		alloc:          rs.Allocator,
		rngSource:      rs.RNG,
		defragmenter:   defrag.New(),
		alive:          rs.Organisms,
		nextOrgID:      rs.NextOrgID,
		totalCycles:    rs.TotalCycles,
		totalSpawns:    rs.TotalSpawns,
		deathsByErrors: rs.DeathsByErrors,
	}
	s.reap = reaper.New(s)
	s.reap.SeedReapCount(rs.DeathsByReaper)
	for _, o := range s.alive {
		s.reap.Register(o)
	}
	return s, nil
}
