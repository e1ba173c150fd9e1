package instr

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Instruction{
		{Opcode: NOP},
		{Opcode: MOV, R1: 3, R2: 5},
		{Opcode: MOVI, R1: 2, Imm21: 0x1FFFFF},
		{Opcode: GETADDR, R1: 7},
		{Opcode: ADD, R1: 1, R2: 2},
		{Opcode: LOAD, R1: 0, R2: 4},
		{Opcode: STORE, R1: 4, R2: 0},
		{Opcode: JMP, Offset18: -13},
		{Opcode: JMPZ, R1: 0, Offset18: 200},
		{Opcode: JLT, R1: 0, R2: 4, Offset18: -5},
		{Opcode: COPY, R1: 5, R2: 6},
		{Opcode: ALLOCATE, R1: 4, R2: 3},
		{Opcode: SPAWN, R1: 3, R2: 4},
		{Opcode: SEARCH, R1: 1, R2: 2, R3: 3, R4: 4},
	}
	for _, c := range cases {
		w := Encode(c)
		got := Decode(w)
		if !got.Valid {
			t.Fatalf("opcode %#x decoded as invalid", c.Opcode)
		}
		if got.Opcode != c.Opcode {
			t.Fatalf("opcode mismatch: got %#x want %#x", got.Opcode, c.Opcode)
		}
	}
}

func TestDecodeUnknownOpcodeIsInvalid(t *testing.T) {
	w := Word(-1 << 24) // opcode byte 0xFF
	got := Decode(w)
	if got.Valid {
		t.Fatal("expected unknown opcode to decode as invalid")
	}
}

func TestJumpOffsetSignExtension(t *testing.T) {
	w := Encode(Instruction{Opcode: JMP, Offset18: -1})
	got := Decode(w)
	if got.Offset18 != -1 {
		t.Fatalf("Offset18 = %d, want -1", got.Offset18)
	}

	w2 := Encode(Instruction{Opcode: JMP, Offset18: -131072}) // min 18-bit signed
	got2 := Decode(w2)
	if got2.Offset18 != -131072 {
		t.Fatalf("Offset18 = %d, want -131072", got2.Offset18)
	}

	w3 := Encode(Instruction{Opcode: JMP, Offset18: 131071}) // max 18-bit signed
	got3 := Decode(w3)
	if got3.Offset18 != 131071 {
		t.Fatalf("Offset18 = %d, want 131071", got3.Offset18)
	}
}

func TestMoviImmediateIsUnsignedZeroExtended(t *testing.T) {
	w := Encode(Instruction{Opcode: MOVI, R1: 0, Imm21: 0x1FFFFF})
	got := Decode(w)
	if got.Imm21 != 0x1FFFFF {
		t.Fatalf("Imm21 = %#x, want %#x", got.Imm21, 0x1FFFFF)
	}
}

func TestRegModulo(t *testing.T) {
	if Reg(8) != 0 {
		t.Fatalf("Reg(8) = %d, want 0", Reg(8))
	}
	if Reg(9) != 1 {
		t.Fatalf("Reg(9) = %d, want 1", Reg(9))
	}
}
