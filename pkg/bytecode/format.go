// Disassembly support: a human-readable listing of a compiled Chunk,
// used by the CLI's `--trace` flag.
//
// Bytecode in this system is a strictly in-memory artifact — there is no
// on-disk .bc file format to encode or decode. Disassembly only ever
// produces text for a person to read, never a structure another process
// would parse back in.
package bytecode

import (
	"fmt"
	"strings"
)

// operandTakesConstant reports whether operand should be rendered with its
// resolved constant value alongside the raw index, for readability.
func operandTakesConstant(op Opcode) bool {
	switch op {
	case Constant, DefineGlobal, GetGlobal, SetGlobal, ClassDef, MethodDef,
		GetProperty, SetProperty, GetSuper, Closure:
		return true
	}
	return false
}

// Disassemble renders chunk as a labeled instruction listing. name
// identifies the owning function ("<script>", a function name, or
// "<lambda>"); constants is the process-wide constant pool so
// Constant-taking opcodes can show their resolved value.
func Disassemble(name string, chunk *Chunk, constants []interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s ==\n", name)
	for i, ins := range chunk.Code {
		b.WriteString(disassembleInstruction(i, ins, constants))
		b.WriteByte('\n')
	}
	return b.String()
}

func disassembleInstruction(offset int, ins Instruction, constants []interface{}) string {
	line := fmt.Sprintf("%4d", ins.Line)
	prefix := fmt.Sprintf("%04d %s %-14s", offset, line, ins.Op)

	switch {
	case operandTakesConstant(ins.Op) && ins.Operand >= 0 && ins.Operand < len(constants):
		return fmt.Sprintf("%s %4d '%v'", prefix, ins.Operand, constants[ins.Operand])
	case ins.Op == Jump || ins.Op == JumpIfFalse:
		return fmt.Sprintf("%s %4d -> %d", prefix, ins.Operand, ins.Operand)
	default:
		return fmt.Sprintf("%s %4d", prefix, ins.Operand)
	}
}
