package vm

import (
	"testing"

	"github.com/Manjago/proteus-sub000/instr"
	"github.com/Manjago/proteus-sub000/rng"
)

func newSoup(n int) []instr.Word {
	return make([]instr.Word, n)
}

type stubSyscalls struct {
	allocAddr  int
	allocID    int64
	allocOK    bool
	spawnOK    bool
	spawnCalls []struct {
		owner   int64
		address int
		pending PendingAlloc
	}
}

func (s *stubSyscalls) Allocate(ownerID int64, size int) (int, int64, bool) {
	return s.allocAddr, s.allocID, s.allocOK
}

func (s *stubSyscalls) Spawn(ownerID int64, address int, pending PendingAlloc) bool {
	s.spawnCalls = append(s.spawnCalls, struct {
		owner   int64
		address int
		pending PendingAlloc
	}{ownerID, address, pending})
	return s.spawnOK
}

func TestStepIPOutOfBounds(t *testing.T) {
	soup := newSoup(10)
	cpu := NewCPUState(5)
	cpu.IP = 100 // 5+100 = 105, way out of bounds
	f := Step(cpu, soup, 0, rng.New(1), nil, nil)
	if f != FaultIPOutOfBounds {
		t.Fatalf("got %v, want FaultIPOutOfBounds", f)
	}
	if cpu.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", cpu.Errors)
	}
	if cpu.Age != 1 {
		t.Fatalf("Age = %d, want 1", cpu.Age)
	}
}

func TestStepUnknownOpcode(t *testing.T) {
	soup := newSoup(10)
	soup[0] = instr.Word(-1 << 24) // opcode byte 0xFF
	cpu := NewCPUState(0)
	f := Step(cpu, soup, 0, rng.New(1), nil, nil)
	if f != FaultUnknownOpcode {
		t.Fatalf("got %v, want FaultUnknownOpcode", f)
	}
	if cpu.IP != 1 {
		t.Fatalf("IP = %d, want 1", cpu.IP)
	}
}

func TestStepMovAndAdd(t *testing.T) {
	soup := newSoup(10)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.MOVI, R1: 0, Imm21: 42})
	soup[1] = instr.Encode(instr.Instruction{Opcode: instr.MOV, R1: 1, R2: 0})
	soup[2] = instr.Encode(instr.Instruction{Opcode: instr.ADD, R1: 1, R2: 0})

	cpu := NewCPUState(0)
	src := rng.New(1)
	Step(cpu, soup, 0, src, nil, nil)
	if cpu.Registers[0] != 42 {
		t.Fatalf("R0 = %d, want 42", cpu.Registers[0])
	}
	Step(cpu, soup, 0, src, nil, nil)
	if cpu.Registers[1] != 42 {
		t.Fatalf("R1 = %d, want 42", cpu.Registers[1])
	}
	Step(cpu, soup, 0, src, nil, nil)
	if cpu.Registers[1] != 84 {
		t.Fatalf("R1 = %d, want 84", cpu.Registers[1])
	}
	if cpu.IP != 3 {
		t.Fatalf("IP = %d, want 3", cpu.IP)
	}
}

func TestStepGetAddr(t *testing.T) {
	soup := newSoup(10)
	soup[5] = instr.Encode(instr.Instruction{Opcode: instr.GETADDR, R1: 2})
	cpu := NewCPUState(5)
	Step(cpu, soup, 0, rng.New(1), nil, nil)
	if cpu.Registers[2] != 5 {
		t.Fatalf("R2 = %d, want 5 (start_addr)", cpu.Registers[2])
	}
}

func TestLoadStoreAreOrganismRelative(t *testing.T) {
	soup := newSoup(20)
	// organism starts at absolute 10; LOAD R0,R1 reads soup[start+R1]
	soup[10] = instr.Encode(instr.Instruction{Opcode: instr.LOAD, R1: 0, R2: 1})
	soup[15] = instr.Word(999) // start(10) + R1(5) = 15

	cpu := NewCPUState(10)
	cpu.Registers[1] = 5
	f := Step(cpu, soup, 0, rng.New(1), nil, nil)
	if f != FaultNone {
		t.Fatalf("unexpected fault %v", f)
	}
	if cpu.Registers[0] != 999 {
		t.Fatalf("R0 = %d, want 999", cpu.Registers[0])
	}
}

func TestLoadMemoryOutOfBounds(t *testing.T) {
	soup := newSoup(20)
	soup[10] = instr.Encode(instr.Instruction{Opcode: instr.LOAD, R1: 0, R2: 1})
	cpu := NewCPUState(10)
	cpu.Registers[1] = 1000 // way out of soup
	f := Step(cpu, soup, 0, rng.New(1), nil, nil)
	if f != FaultMemoryOutOfBounds {
		t.Fatalf("got %v, want FaultMemoryOutOfBounds", f)
	}
	if cpu.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", cpu.Errors)
	}
}

func TestJumpTargetsAreRelativeToNextInstruction(t *testing.T) {
	soup := newSoup(20)
	soup[5] = instr.Encode(instr.Instruction{Opcode: instr.JMP, Offset18: -3})
	cpu := NewCPUState(0)
	cpu.IP = 5
	Step(cpu, soup, 0, rng.New(1), nil, nil)
	// ip <- ip + 1 + offset = 5 + 1 - 3 = 3
	if cpu.IP != 3 {
		t.Fatalf("IP = %d, want 3", cpu.IP)
	}
}

func TestJmpzTakenAndNotTaken(t *testing.T) {
	soup := newSoup(20)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.JMPZ, R1: 0, Offset18: 10})
	cpu := NewCPUState(0)
	cpu.Registers[0] = 0
	Step(cpu, soup, 0, rng.New(1), nil, nil)
	if cpu.IP != 11 { // 0 + 1 + 10
		t.Fatalf("IP = %d, want 11 (taken)", cpu.IP)
	}

	cpu2 := NewCPUState(0)
	cpu2.Registers[0] = 1
	Step(cpu2, soup, 0, rng.New(1), nil, nil)
	if cpu2.IP != 1 {
		t.Fatalf("IP = %d, want 1 (not taken)", cpu2.IP)
	}
}

func TestJltSignedComparison(t *testing.T) {
	soup := newSoup(20)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.JLT, R1: 0, R2: 1, Offset18: 5})
	cpu := NewCPUState(0)
	cpu.Registers[0] = -1
	cpu.Registers[1] = 0
	Step(cpu, soup, 0, rng.New(1), nil, nil)
	if cpu.IP != 6 {
		t.Fatalf("IP = %d, want 6 (taken, -1 < 0 signed)", cpu.IP)
	}
}

func TestCopyNoMutationWhenRateZero(t *testing.T) {
	soup := newSoup(20)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.COPY, R1: 1, R2: 2})
	soup[5] = instr.Word(0x1234)
	cpu := NewCPUState(0)
	cpu.Registers[1] = 5  // src
	cpu.Registers[2] = 10 // dest
	Step(cpu, soup, 0.0, rng.New(1), nil, nil)
	if soup[10] != 0x1234 {
		t.Fatalf("soup[10] = %#x, want 0x1234 (unmutated)", soup[10])
	}
}

type countingTracker struct{ n int }

func (c *countingTracker) OnMutation(ownerID int64, destAddr int, bit uint8) { c.n++ }

func TestCopyAlwaysMutatesWhenRateOne(t *testing.T) {
	soup := newSoup(20)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.COPY, R1: 1, R2: 2})
	soup[5] = instr.Word(0x1234)
	cpu := NewCPUState(0)
	cpu.Registers[1] = 5
	cpu.Registers[2] = 10
	tracker := &countingTracker{}
	src := rng.New(7)
	Step(cpu, soup, 1.0, src, nil, tracker)

	diff := soup[10] ^ soup[5]
	popcount := 0
	for v := uint32(diff); v != 0; v &= v - 1 {
		popcount++
	}
	if popcount != 1 {
		t.Fatalf("popcount(src xor written) = %d, want 1", popcount)
	}
	if tracker.n != 1 {
		t.Fatalf("tracker saw %d mutations, want 1", tracker.n)
	}
}

func TestCopyMemoryOutOfBounds(t *testing.T) {
	soup := newSoup(20)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.COPY, R1: 1, R2: 2})
	cpu := NewCPUState(0)
	cpu.Registers[1] = 5
	cpu.Registers[2] = 9999
	f := Step(cpu, soup, 0, rng.New(1), nil, nil)
	if f != FaultMemoryOutOfBounds {
		t.Fatalf("got %v, want FaultMemoryOutOfBounds", f)
	}
}

func TestAllocateSuccessSetsPendingAndRegister(t *testing.T) {
	soup := newSoup(20)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.ALLOCATE, R1: 1, R2: 2})
	cpu := NewCPUState(0)
	cpu.Registers[1] = 14
	sys := &stubSyscalls{allocAddr: 100, allocID: 7, allocOK: true}
	f := Step(cpu, soup, 0, rng.New(1), sys, nil)
	if f != FaultNone {
		t.Fatalf("unexpected fault %v", f)
	}
	if cpu.Registers[2] != 100 {
		t.Fatalf("R2 = %d, want 100", cpu.Registers[2])
	}
	if cpu.Pending == nil || cpu.Pending.Addr != 100 || cpu.Pending.Size != 14 || cpu.Pending.AllocID != 7 {
		t.Fatalf("Pending = %+v, want {100 14 7}", cpu.Pending)
	}
}

func TestAllocateFailureSetsNegativeOneAndFault(t *testing.T) {
	soup := newSoup(20)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.ALLOCATE, R1: 1, R2: 2})
	cpu := NewCPUState(0)
	cpu.Registers[1] = 14
	sys := &stubSyscalls{allocOK: false}
	f := Step(cpu, soup, 0, rng.New(1), sys, nil)
	if f != FaultSyscallAllocateFailed {
		t.Fatalf("got %v, want FaultSyscallAllocateFailed", f)
	}
	if cpu.Registers[2] != -1 {
		t.Fatalf("R2 = %d, want -1", cpu.Registers[2])
	}
	if cpu.Pending != nil {
		t.Fatal("Pending should remain nil on failed allocate")
	}
}

func TestSpawnSuccessClearsPending(t *testing.T) {
	soup := newSoup(20)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.SPAWN, R1: 1, R2: 2})
	cpu := NewCPUState(0)
	cpu.OwnerID = 42
	cpu.Registers[1] = 100
	cpu.Pending = &PendingAlloc{Addr: 100, Size: 14, AllocID: 7}
	sys := &stubSyscalls{spawnOK: true}
	f := Step(cpu, soup, 0, rng.New(1), sys, nil)
	if f != FaultNone {
		t.Fatalf("unexpected fault %v", f)
	}
	if cpu.Pending != nil {
		t.Fatal("Pending should be cleared on successful spawn")
	}
	if len(sys.spawnCalls) != 1 || sys.spawnCalls[0].owner != 42 || sys.spawnCalls[0].address != 100 {
		t.Fatalf("unexpected spawn call record: %+v", sys.spawnCalls)
	}
}

func TestSpawnFailureWithoutPendingIsFault(t *testing.T) {
	soup := newSoup(20)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.SPAWN, R1: 1, R2: 2})
	cpu := NewCPUState(0)
	f := Step(cpu, soup, 0, rng.New(1), &stubSyscalls{spawnOK: true}, nil)
	if f != FaultSyscallSpawnFailed {
		t.Fatalf("got %v, want FaultSyscallSpawnFailed", f)
	}
}

func TestSearchFindsFirstMatchSkippingTemplate(t *testing.T) {
	soup := newSoup(30)
	for i := 0; i < 4; i++ {
		soup[10+i] = instr.Word(100 + i) // template at 10..13
	}
	for i := 0; i < 4; i++ {
		soup[20+i] = instr.Word(100 + i) // duplicate copy at 20..23
	}
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.SEARCH, R1: 1, R2: 2, R3: 3, R4: 4})
	cpu := NewCPUState(0)
	cpu.Registers[1] = 0  // Rs: search from address 0
	cpu.Registers[2] = 10 // Rt: template at 10
	cpu.Registers[3] = 4  // Rl: length 4
	f := Step(cpu, soup, 0, rng.New(1), nil, nil)
	if f != FaultNone {
		t.Fatalf("unexpected fault %v", f)
	}
	if cpu.Registers[4] != 20 {
		t.Fatalf("R4 = %d, want 20 (first non-self match)", cpu.Registers[4])
	}
}

func TestSearchNoMatchReturnsNegativeOneWithoutFault(t *testing.T) {
	soup := newSoup(30)
	for i := 0; i < 4; i++ {
		soup[10+i] = instr.Word(100 + i) // template at 10..13, no other copy
	}
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.SEARCH, R1: 1, R2: 2, R3: 3, R4: 4})
	cpu := NewCPUState(0)
	cpu.Registers[1] = 0
	cpu.Registers[2] = 10
	cpu.Registers[3] = 4
	f := Step(cpu, soup, 0, rng.New(1), nil, nil)
	if f != FaultNone {
		t.Fatalf("expected no-match to be fault-free, got %v", f)
	}
	if cpu.Registers[4] != -1 {
		t.Fatalf("R4 = %d, want -1", cpu.Registers[4])
	}
}

func TestSearchInvalidLengthIsMemoryFault(t *testing.T) {
	soup := newSoup(30)
	soup[0] = instr.Encode(instr.Instruction{Opcode: instr.SEARCH, R1: 1, R2: 2, R3: 3, R4: 4})
	cpu := NewCPUState(0)
	cpu.Registers[1] = 0
	cpu.Registers[2] = 10
	cpu.Registers[3] = 1000 // length far exceeds soup
	f := Step(cpu, soup, 0, rng.New(1), nil, nil)
	if f != FaultMemoryOutOfBounds {
		t.Fatalf("got %v, want FaultMemoryOutOfBounds", f)
	}
	if cpu.Registers[4] != -1 {
		t.Fatalf("R4 = %d, want -1", cpu.Registers[4])
	}
}

func TestAgeIncrementsExactlyOncePerStep(t *testing.T) {
	soup := newSoup(10)
	cpu := NewCPUState(0)
	for i := 0; i < 50; i++ {
		before := cpu.Age
		Step(cpu, soup, 0, rng.New(1), nil, nil)
		if cpu.Age != before+1 {
			t.Fatalf("Age did not increase by exactly 1 at step %d", i)
		}
	}
}
