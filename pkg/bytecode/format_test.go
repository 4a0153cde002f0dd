package bytecode

import (
	"strings"
	"testing"
)

func TestDisassembleShowsMnemonicsAndOperands(t *testing.T) {
	chunk := &Chunk{}
	chunk.Emit(Constant, 0, 1)
	chunk.Emit(Print, 0, 1)
	chunk.Emit(Exit, 0, 1)

	out := Disassemble("<script>", chunk, []interface{}{42.0})

	if !strings.Contains(out, "== <script> ==") {
		t.Fatalf("want header, got %q", out)
	}
	if !strings.Contains(out, "CONSTANT") || !strings.Contains(out, "42") {
		t.Fatalf("want CONSTANT with resolved value, got %q", out)
	}
	if !strings.Contains(out, "PRINT") {
		t.Fatalf("want PRINT, got %q", out)
	}
	if !strings.Contains(out, "EXIT") {
		t.Fatalf("want EXIT, got %q", out)
	}
}

func TestDisassembleShowsJumpTargets(t *testing.T) {
	chunk := &Chunk{}
	idx := chunk.Emit(JumpIfFalse, 9999, 1)
	chunk.Emit(StackPop, 0, 1)
	chunk.Patch(idx, chunk.Len())

	out := Disassemble("<script>", chunk, nil)
	if !strings.Contains(out, "JUMP_IF_FALSE") || !strings.Contains(out, "-> 2") {
		t.Fatalf("want patched jump target, got %q", out)
	}
}

func TestEmitReturnsIndexForPatching(t *testing.T) {
	chunk := &Chunk{}
	idx := chunk.Emit(Jump, 9999, 1)
	if idx != 0 {
		t.Fatalf("want index 0, got %d", idx)
	}
	chunk.Emit(NilVal, 0, 1)
	chunk.Patch(idx, chunk.Len())
	if chunk.Code[idx].Operand != 2 {
		t.Fatalf("want patched operand 2, got %d", chunk.Code[idx].Operand)
	}
}
