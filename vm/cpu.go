// Package vm implements the per-organism CPU state and the one-instruction-
// per-step interpreter that executes it against the shared soup.
package vm

import (
	"github.com/Manjago/proteus-sub000/instr"
	"github.com/Manjago/proteus-sub000/rng"
)

// NumRegisters is the number of general-purpose registers an organism has.
const NumRegisters = 8

// PendingAlloc is the one-shot capability an ALLOCATE syscall hands to the
// matching SPAWN: the only way to materialize an organism is to present it,
// and the Syscalls implementation's Spawn rejects any address that does not
// match it exactly.
type PendingAlloc struct {
	Addr    int
	Size    int
	AllocID int64
}

// CPUState is everything the virtual CPU needs to step one organism.
type CPUState struct {
	// OwnerID identifies the organism this CPU state belongs to, so syscalls
	// dispatched from Step can attribute spawns to a parent without vm
	// importing package organism (which imports vm).
	OwnerID int64

	StartAddr int   // absolute cell index where the genome was placed
	IP        int32 // relative offset from StartAddr
	Registers [NumRegisters]int32
	Errors    uint64
	Age       uint64
	Pending   *PendingAlloc
}

// NewCPUState creates a fresh CPU state for a genome placed at startAddr.
func NewCPUState(startAddr int) *CPUState {
	return &CPUState{StartAddr: startAddr}
}

// reg returns a register value, wrapping the index modulo NumRegisters.
func (c *CPUState) reg(i uint8) int32 {
	return c.Registers[instr.Reg(i)]
}

func (c *CPUState) setReg(i uint8, v int32) {
	c.Registers[instr.Reg(i)] = v
}

// Fault enumerates the fault taxonomy of spec.md §4.3. FaultNone means the
// instruction executed without incident.
type Fault int

const (
	FaultNone Fault = iota
	FaultIPOutOfBounds
	FaultUnknownOpcode
	FaultMemoryOutOfBounds
	FaultSyscallAllocateFailed
	FaultSyscallSpawnFailed
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultIPOutOfBounds:
		return "IP_OUT_OF_BOUNDS"
	case FaultUnknownOpcode:
		return "UNKNOWN_OPCODE"
	case FaultMemoryOutOfBounds:
		return "MEMORY_OUT_OF_BOUNDS"
	case FaultSyscallAllocateFailed:
		return "SYSCALL_ALLOCATE_FAILED"
	case FaultSyscallSpawnFailed:
		return "SYSCALL_SPAWN_FAILED"
	default:
		return "unknown fault"
	}
}

// Syscalls is the narrow interface the CPU calls into for ALLOCATE and
// SPAWN. The simulator implements it; the CPU never calls the reaper or
// defragmenter directly (spec.md §6).
type Syscalls interface {
	// Allocate attempts to reserve size cells on behalf of ownerID. On
	// success it returns the starting address, the fresh alloc id, and
	// true; the caller is responsible for recording the pending
	// allocation on the CPU state.
	Allocate(ownerID int64, size int) (addr int, allocID int64, ok bool)
	// Spawn attempts to commit pending as a new organism starting at
	// address, owned by a child of ownerID.
	Spawn(ownerID int64, address int, pending PendingAlloc) bool
}

// MutationTracker receives a notification for every COPY that actually
// flips a bit. It must never be consulted in a way that affects
// determinism: Step only checks for a nil tracker before notifying it, and
// RNG draws and soup writes are the same with or without one.
type MutationTracker interface {
	OnMutation(ownerID int64, destAddr int, bitPosition uint8)
}

// Step fetches, decodes, and executes one instruction for cpu against soup,
// consuming RNG draws only for COPY mutation. It always increments Age by
// one, matching "age: count of instructions executed" regardless of fault.
func Step(cpu *CPUState, soup []instr.Word, mutationRate float64, source *rng.Source, sys Syscalls, tracker MutationTracker) Fault {
	cpu.Age++

	absAddr := cpu.StartAddr + int(cpu.IP)
	if absAddr < 0 || absAddr >= len(soup) {
		cpu.Errors++
		cpu.IP++
		return FaultIPOutOfBounds
	}

	word := soup[absAddr]
	ins := instr.Decode(word)
	if !ins.Valid {
		cpu.Errors++
		cpu.IP++
		return FaultUnknownOpcode
	}

	fault := execute(cpu, soup, ins, mutationRate, source, sys, tracker)

	switch ins.Opcode {
	case instr.JMP:
		if fault == FaultNone {
			cpu.IP = cpu.IP + 1 + int32(ins.Offset18)
		} else {
			cpu.IP++
		}
	case instr.JMPZ:
		if fault == FaultNone && cpu.reg(ins.R1) == 0 {
			cpu.IP = cpu.IP + 1 + int32(ins.Offset18)
		} else {
			cpu.IP++
		}
	case instr.JLT:
		if fault == FaultNone && cpu.reg(ins.R1) < cpu.reg(ins.R2) {
			cpu.IP = cpu.IP + 1 + int32(ins.Offset18)
		} else {
			cpu.IP++
		}
	default:
		cpu.IP++
	}

	if fault != FaultNone {
		cpu.Errors++
	}
	return fault
}

// execute performs the effects of a decoded, valid instruction. IP
// advancement is handled entirely by the caller (Step) so that jump targets
// are computed uniformly in one place, per spec.md §4.3 "IP advancement".
func execute(cpu *CPUState, soup []instr.Word, ins instr.Instruction, mutationRate float64, source *rng.Source, sys Syscalls, tracker MutationTracker) Fault {
	inBounds := func(addr int) bool {
		return addr >= 0 && addr < len(soup)
	}

	switch ins.Opcode {
	case instr.NOP:
		return FaultNone

	case instr.MOV:
		cpu.setReg(ins.R1, cpu.reg(ins.R2))
		return FaultNone

	case instr.MOVI:
		cpu.setReg(ins.R1, int32(ins.Imm21))
		return FaultNone

	case instr.GETADDR:
		cpu.setReg(ins.R1, int32(cpu.StartAddr))
		return FaultNone

	case instr.ADD:
		cpu.setReg(ins.R1, cpu.reg(ins.R1)+cpu.reg(ins.R2))
		return FaultNone

	case instr.SUB:
		cpu.setReg(ins.R1, cpu.reg(ins.R1)-cpu.reg(ins.R2))
		return FaultNone

	case instr.INC:
		cpu.setReg(ins.R1, cpu.reg(ins.R1)+1)
		return FaultNone

	case instr.DEC:
		cpu.setReg(ins.R1, cpu.reg(ins.R1)-1)
		return FaultNone

	case instr.LOAD:
		addr := cpu.StartAddr + int(cpu.reg(ins.R2))
		if !inBounds(addr) {
			return FaultMemoryOutOfBounds
		}
		cpu.setReg(ins.R1, int32(soup[addr]))
		return FaultNone

	case instr.STORE:
		addr := cpu.StartAddr + int(cpu.reg(ins.R1))
		if !inBounds(addr) {
			return FaultMemoryOutOfBounds
		}
		soup[addr] = instr.Word(cpu.reg(ins.R2))
		return FaultNone

	case instr.JMP, instr.JMPZ, instr.JLT:
		// Condition/target evaluated by Step; nothing more to execute.
		return FaultNone

	case instr.COPY:
		srcAddr := int(cpu.reg(ins.R1))
		destAddr := int(cpu.reg(ins.R2))
		if !inBounds(srcAddr) || !inBounds(destAddr) {
			return FaultMemoryOutOfBounds
		}
		source32 := soup[srcAddr]
		f := source.NextFloat64()
		written := source32
		if f < mutationRate {
			bit := uint8(source.NextBounded(32))
			written = source32 ^ instr.Word(uint32(1)<<bit)
			if tracker != nil {
				tracker.OnMutation(cpu.OwnerID, destAddr, bit)
			}
		}
		soup[destAddr] = written
		return FaultNone

	case instr.ALLOCATE:
		size := int(cpu.reg(ins.R1))
		addr, allocID, ok := sys.Allocate(cpu.OwnerID, size)
		if !ok {
			cpu.setReg(ins.R2, -1)
			return FaultSyscallAllocateFailed
		}
		cpu.setReg(ins.R2, int32(addr))
		cpu.Pending = &PendingAlloc{Addr: addr, Size: size, AllocID: allocID}
		return FaultNone

	case instr.SPAWN:
		address := int(cpu.reg(ins.R1))
		if cpu.Pending == nil {
			return FaultSyscallSpawnFailed
		}
		pending := *cpu.Pending
		if sys.Spawn(cpu.OwnerID, address, pending) {
			cpu.Pending = nil
			return FaultNone
		}
		return FaultSyscallSpawnFailed

	case instr.SEARCH:
		rs := int(cpu.reg(ins.R1))
		rt := int(cpu.reg(ins.R2))
		rl := int(cpu.reg(ins.R3))
		resultReg := ins.R4
		if rl <= 0 || rs < 0 || rt < 0 || rt+rl > len(soup) || rs > len(soup)-rl {
			cpu.setReg(resultReg, -1)
			return FaultMemoryOutOfBounds
		}
		match := searchForward(soup, rs, rt, rl)
		cpu.setReg(resultReg, int32(match))
		return FaultNone

	default:
		return FaultUnknownOpcode
	}
}

// searchForward scans soup from rs (inclusive) up to len(soup)-rl for the
// first rl-cell run that equals soup[rt:rt+rl], skipping any candidate
// start position equal to rt itself (spec.md §9, SEARCH self-match).
// Returns the absolute match address, or -1 if none is found.
func searchForward(soup []instr.Word, rs, rt, rl int) int {
	limit := len(soup) - rl
	for start := rs; start <= limit; start++ {
		if start == rt {
			continue
		}
		match := true
		for i := 0; i < rl; i++ {
			if soup[start+i] != soup[rt+i] {
				match = false
				break
			}
		}
		if match {
			return start
		}
	}
	return -1
}
