// Command proteus-sub000 runs a Tierra-style artificial-life simulation:
// a deterministic soup of self-replicating organisms, checkpointed to disk
// and observed over a small websocket progress feed.
package main

import (
	"encoding/gob"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Manjago/proteus-sub000/checkpoint"
	"github.com/Manjago/proteus-sub000/genome"
	"github.com/Manjago/proteus-sub000/organism"
	"github.com/Manjago/proteus-sub000/simulator"
)

func main() {
	var (
		soupSize           = flag.Int("soup-size", 1000, "number of cells in the soup")
		mutationRate       = flag.Float64("mutation-rate", 0.0001, "probability of a bit-flip on each COPY write")
		maxErrors          = flag.Uint("max-errors", 50, "faults an organism tolerates before it is killed")
		maxOrganisms       = flag.Int("max-organisms", 500, "population cap enforced by SPAWN")
		maxCycles          = flag.Uint64("max-cycles", 0, "stop after this many cycles (0 = unbounded)")
		checkpointInterval = flag.Uint64("checkpoint-interval", 10000, "cycles between automatic checkpoints (0 = disabled)")
		reportInterval     = flag.Uint64("report-interval", 1000, "cycles between progress reports (0 = disabled)")
		seed               = flag.Int64("seed", 12345, "RNG seed")
		checkpointPath     = flag.String("checkpoint", "checkpoint.gob", "checkpoint file path")
		resume             = flag.Bool("resume", false, "resume from -checkpoint instead of seeding a fresh run")
		httpAddr           = flag.String("http", "localhost:8080", "progress server listen address")
	)
	flag.Parse()

	cfg := simulator.Config{
		SoupSize:           *soupSize,
		MutationRate:       *mutationRate,
		MaxErrors:          uint32(*maxErrors),
		MaxOrganisms:       *maxOrganisms,
		MaxCycles:          *maxCycles,
		CheckpointInterval: *checkpointInterval,
		ReportInterval:     *reportInterval,
		RandomSeed:         *seed,
	}

	sim, err := buildSimulator(cfg, *checkpointPath, *resume)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	hub := NewHub()
	go hub.Run()
	go StartServer(*httpAddr, hub, sim)

	sim.OnProgress(func(stats simulator.Stats) {
		fmt.Printf("cycle %-10d pop %-5d spawns %-6d deaths(err) %-5d deaths(reap) %-5d used %d/%d frag %.2f rate %.0f/s\n",
			stats.TotalCycles, stats.AliveCount, stats.TotalSpawns, stats.DeathsByErrors, stats.DeathsByReaper,
			stats.MemoryUsed, stats.MemoryUsed+stats.MemoryFree, stats.Fragmentation, stats.CycleRate)
		broadcastJSON(hub, progressMessage{Type: "progress", Stats: stats})
	})
	sim.OnCheckpoint(func(cycle uint64) {
		if err := writeCheckpointFile(*checkpointPath, sim.Capture()); err != nil {
			log.Printf("checkpoint at cycle %d failed: %v", cycle, err)
			return
		}
		log.Printf("checkpoint saved at cycle %d", cycle)
	})
	sim.OnSpawn(func(child, parent *organism.Organism, cycle uint64) {
		broadcastJSON(hub, spawnMessage{Type: "spawn", ChildID: child.ID(), ParentID: child.ParentID(), Cycle: cycle})
	})
	sim.OnDeath(func(o *organism.Organism, cause simulator.DeathCause, cycle uint64) {
		broadcastJSON(hub, deathMessage{Type: "death", OrganismID: o.ID(), Cause: cause.String(), Cycle: cycle})
	})

	stopOnSignal(sim)

	runLoop(sim)

	if err := writeCheckpointFile(*checkpointPath, sim.Capture()); err != nil {
		log.Fatalf("final checkpoint: %v", err)
	}
	log.Printf("stopped at cycle %d, final checkpoint written to %s", sim.TotalCycles(), *checkpointPath)
}

// buildSimulator either restores a Simulator from an existing checkpoint or
// seeds a fresh one with the Adam replicator, per -resume.
func buildSimulator(cfg simulator.Config, path string, resume bool) (*simulator.Simulator, error) {
	if resume {
		data, err := readCheckpointFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading checkpoint %q: %w", path, err)
		}
		sim, err := simulator.RestoreFrom(cfg, data)
		if err != nil {
			return nil, fmt.Errorf("restoring checkpoint %q: %w", path, err)
		}
		log.Printf("resumed from %s at cycle %d", path, sim.TotalCycles())
		return sim, nil
	}

	sim := simulator.New(cfg)
	if _, err := sim.Seed(genome.Adam()); err != nil {
		return nil, fmt.Errorf("seeding initial organism: %w", err)
	}
	log.Printf("seeded fresh run: soup=%d mutation_rate=%g seed=%d", cfg.SoupSize, cfg.MutationRate, cfg.RandomSeed)
	return sim, nil
}

// runLoop drives the cooperative scheduler until it stops on its own
// (MaxCycles reached or extinction) or RequestStop is called from a signal
// or a UI command. Pause/Resume hand control back to this loop between
// bursts rather than busy-waiting inside the Simulator itself.
func runLoop(sim *simulator.Simulator) {
	for {
		sim.RunUntilStopped()
		if sim.StopRequested() {
			return
		}
		if len(sim.AliveOrganisms()) == 0 {
			log.Println("extinction: no organisms remain")
			return
		}
		if !sim.Paused() {
			return // MaxCycles reached
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// stopOnSignal arranges for SIGINT/SIGTERM to request a clean stop so the
// deferred final checkpoint still runs.
func stopOnSignal(sim *simulator.Simulator) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received, stopping after the current cycle")
		sim.RequestStop()
	}()
}

type progressMessage struct {
	Type  string          `json:"type"`
	Stats simulator.Stats `json:"stats"`
}

type spawnMessage struct {
	Type     string `json:"type"`
	ChildID  int64  `json:"child_id"`
	ParentID int64  `json:"parent_id"`
	Cycle    uint64 `json:"cycle"`
}

type deathMessage struct {
	Type       string `json:"type"`
	OrganismID int64  `json:"organism_id"`
	Cause      string `json:"cause"`
	Cycle      uint64 `json:"cycle"`
}

func broadcastJSON(hub *Hub, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshalling broadcast message: %v", err)
		return
	}
	select {
	case hub.Broadcast <- data:
	default:
		log.Println("broadcast channel full, dropping message")
	}
}

func writeCheckpointFile(path string, data checkpoint.CheckpointData) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating checkpoint file: %w", err)
	}
	defer file.Close()
	if err := gob.NewEncoder(file).Encode(data); err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	return nil
}

func readCheckpointFile(path string) (checkpoint.CheckpointData, error) {
	var data checkpoint.CheckpointData
	file, err := os.Open(path)
	if err != nil {
		return data, fmt.Errorf("opening checkpoint file: %w", err)
	}
	defer file.Close()
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return data, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return data, nil
}
