// Package genome provides small, hand-assembled instruction sequences for
// seeding and testing a simulator. It is deliberately not a general text
// assembler (spec.md §1 names that out of scope): just enough helpers to
// build the worked replicator example and similar fixtures.
package genome

import "github.com/Manjago/proteus-sub000/instr"

func nop() instr.Word { return instr.Encode(instr.Instruction{Opcode: instr.NOP}) }

func mov(dst, src uint8) instr.Word {
	return instr.Encode(instr.Instruction{Opcode: instr.MOV, R1: dst, R2: src})
}

func movi(dst uint8, imm uint32) instr.Word {
	return instr.Encode(instr.Instruction{Opcode: instr.MOVI, R1: dst, Imm21: imm})
}

func getaddr(dst uint8) instr.Word {
	return instr.Encode(instr.Instruction{Opcode: instr.GETADDR, R1: dst})
}

func inc(r uint8) instr.Word {
	return instr.Encode(instr.Instruction{Opcode: instr.INC, R1: r})
}

func jlt(r1, r2 uint8, offset int32) instr.Word {
	return instr.Encode(instr.Instruction{Opcode: instr.JLT, R1: r1, R2: r2, Offset18: offset})
}

func jmp(offset int32) instr.Word {
	return instr.Encode(instr.Instruction{Opcode: instr.JMP, Offset18: offset})
}

func copyInstr(src, dst uint8) instr.Word {
	return instr.Encode(instr.Instruction{Opcode: instr.COPY, R1: src, R2: dst})
}

func allocate(sizeReg, resultReg uint8) instr.Word {
	return instr.Encode(instr.Instruction{Opcode: instr.ALLOCATE, R1: sizeReg, R2: resultReg})
}

func spawn(addrReg, sizeReg uint8) instr.Word {
	return instr.Encode(instr.Instruction{Opcode: instr.SPAWN, R1: addrReg, R2: sizeReg})
}

// Adam is the 14-word minimal self-replicator from spec.md §8, scenario 1:
//
//	GETADDR R7; MOVI R4,14; ALLOCATE R4,R3; MOV R5,R7; MOV R6,R3;
//	MOVI R0,0; COPY R5,R6; INC R5; INC R6; INC R0; JLT R0,R4,-5;
//	SPAWN R3,R4; MOVI R0,0; JMP -13
//
// It allocates a block exactly its own size, copies itself cell by cell
// into the new block, then spawns the copy as a child organism and loops
// forever to repeat the cycle. Returns a fresh slice each call.
func Adam() []instr.Word {
	const (
		rSelfAddr  = 7
		rSize      = 4
		rChildAddr = 3
		rSrc       = 5
		rDst       = 6
		rCounter   = 0
	)
	return []instr.Word{
		getaddr(rSelfAddr),             // 0: R7 <- start_addr
		movi(rSize, 14),                // 1: R4 <- 14
		allocate(rSize, rChildAddr),    // 2: R3 <- allocate(R4)
		mov(rSrc, rSelfAddr),           // 3: R5 <- R7
		mov(rDst, rChildAddr),          // 4: R6 <- R3
		movi(rCounter, 0),              // 5: R0 <- 0
		copyInstr(rSrc, rDst),          // 6: soup[R6] <- soup[R5]
		inc(rSrc),                      // 7: R5++
		inc(rDst),                      // 8: R6++
		inc(rCounter),                  // 9: R0++
		jlt(rCounter, rSize, -5),       // 10: if R0 < R4 jump to 6
		spawn(rChildAddr, rSize),       // 11: commit pending at R3
		movi(rCounter, 0),              // 12: R0 <- 0 (unused, mirrors source)
		jmp(-13),                       // 13: jump back to 1 (R7 still holds start_addr)
	}
}
