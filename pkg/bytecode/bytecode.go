// Package bytecode defines the instruction set and chunk format compiled by
// pkg/compiler and executed by pkg/vm.
//
// Architecture:
//
// The bytecode is stack-based:
//   1. Values are pushed onto and popped from the VM's operand stack.
//   2. Each opcode consumes zero or more stack slots and pushes a result.
//   3. Locals and upvalues are addressed by slot/index, not by name.
//   4. Every Value literal referenced by an opcode lives in one process-wide
//      constant pool, shared across every function compiled in a run —
//      not one pool per function.
//
// Example compilation:
//
//   Source:  var x = 10; print x + 5;
//
//   Chunk:
//     Constant 0        ; push constant[0] (10.0)
//     DefineGlobal 1    ; globals["x"] = top of stack (name is constant[1])
//     StackPop          ; DefineGlobal does not pop
//     GetGlobal 1       ; push globals["x"]
//     Constant 2        ; push constant[2] (5.0)
//     Add               ; pop 5, pop x, push x+5
//     Print             ; pop and hand to the host sink
//     Exit
//
// Instruction Format:
//
// Each instruction carries an opcode, a single integer operand whose
// meaning depends on the opcode (a constant-pool index, a jump target, a
// local slot, an argument count), and the source line that produced it —
// carried per-opcode rather than per-statement so a runtime error can point
// at the exact line, even inside an expression that spans several.
package bytecode

// Opcode identifies a single VM operation.
type Opcode byte

const (
	// Constant pushes pool[operand] onto the stack.
	Constant Opcode = iota
	// NilVal pushes the Nil value.
	NilVal
	// StackPop discards the top of the stack.
	StackPop

	// Negate replaces the top Number with its negation.
	Negate
	// Not replaces the top value with its logical negation.
	Not

	// Add, Subtract, Multiply, Divide: pop r, pop l, push l op r.
	// Add additionally accepts two Strings, concatenating them.
	Add
	Subtract
	Multiply
	Divide

	// GreaterThan, GreaterThanEq, LesserThan, LesserThanEq: pop r, pop l,
	// push the Boolean comparison result. Numbers only.
	GreaterThan
	GreaterThanEq
	LesserThan
	LesserThanEq

	// EqualTo, NotEqualTo: pop r, pop l, push structural (in)equality.
	// Cross-type operands are never equal, never an error.
	EqualTo
	NotEqualTo

	// Print pops the top value and hands it to the host's print sink.
	Print

	// DefineGlobal reads (does not pop) the top of stack and inserts it
	// into globals under the name at pool[operand]. Always succeeds,
	// overwriting any prior binding of that name.
	DefineGlobal
	// GetGlobal pushes globals[pool[operand]], or fails with a
	// RuntimeError if the name is undefined.
	GetGlobal
	// SetGlobal reads (does not pop) the top of stack and stores it into
	// the existing global named pool[operand]. Fails with a RuntimeError
	// if the name has never been defined.
	SetGlobal

	// GetLocal pushes stack[frame.slotBase+operand].
	GetLocal
	// SetLocal stores the top of stack (without popping) into
	// stack[frame.slotBase+operand].
	SetLocal

	// GetUpvalue pushes the value behind frame.closure.upvalues[operand].
	GetUpvalue
	// SetUpvalue stores the top of stack (without popping) through
	// frame.closure.upvalues[operand].
	SetUpvalue

	// JumpIfFalse peeks the top of stack; if it is Boolean false, sets ip
	// to operand. A Boolean true is a no-op. Any other type is a
	// RuntimeError.
	JumpIfFalse
	// Jump unconditionally sets ip to operand.
	Jump

	// Call invokes the callee operand slots below the top of stack, with
	// operand arguments already in place above it.
	Call
	// Closure instantiates pool[operand] (a FunctionSpec) into a runtime
	// Closure, populating one upvalue handle per compile-time descriptor,
	// and pushes it.
	Closure
	// Return pops the return value, closes captured locals in the current
	// frame's window, pops the frame, and pushes the value into the
	// caller's stack. An Initializer frame substitutes stack[slotBase]
	// (this) for the popped value.
	Return
	// CloseUpvalue converts any Open upvalue pointing at the top of stack
	// into Closed, then pops.
	CloseUpvalue

	// ClassDef pushes a new Class named pool[operand].
	ClassDef
	// Inherit pops the child class; with the parent class now on top, it
	// copies the parent's method table into the child (never overriding
	// an existing entry) and pushes the child back.
	Inherit
	// MethodDef pops a Closure and installs it into the class now on top
	// of the stack under the name pool[operand].
	MethodDef
	// GetProperty pops an instance and pushes the named field, or binds
	// and pushes a BoundMethod if no field matches, or fails.
	GetProperty
	// SetProperty expects [instance, value]; stores value into the
	// instance's field named pool[operand], pops both, and pushes value.
	SetProperty
	// GetSuper expects [instance, superclass]; binds the named method
	// from superclass to instance and pushes the resulting BoundMethod.
	GetSuper

	// Exit halts the VM's fetch-decode-execute loop successfully.
	Exit
)

// Instruction is a single compiled opcode with its operand and originating
// source line.
type Instruction struct {
	Op      Opcode
	Operand int
	Line    int
}

// Chunk is the linear instruction stream belonging to one FunctionSpec.
// Unlike many bytecode designs, the constant pool is NOT embedded here: it
// is threaded through from the compiler as a single process-wide pool
// shared by every Chunk produced in a run.
type Chunk struct {
	Code []Instruction
}

// Emit appends an instruction and returns its index, which callers use as
// a jump-patch placeholder.
func (c *Chunk) Emit(op Opcode, operand int, line int) int {
	c.Code = append(c.Code, Instruction{Op: op, Operand: operand, Line: line})
	return len(c.Code) - 1
}

// Patch overwrites the operand of the instruction at index, used to back-
// patch jump targets once the jump's destination is known.
func (c *Chunk) Patch(index, operand int) {
	c.Code[index].Operand = operand
}

// Len is the number of instructions currently in the chunk — the absolute
// instruction index a jump emitted "now" would target.
func (c *Chunk) Len() int { return len(c.Code) }

// String returns a human-readable opcode mnemonic, used by the
// disassembler and in error messages.
func (op Opcode) String() string {
	switch op {
	case Constant:
		return "CONSTANT"
	case NilVal:
		return "NIL"
	case StackPop:
		return "POP"
	case Negate:
		return "NEGATE"
	case Not:
		return "NOT"
	case Add:
		return "ADD"
	case Subtract:
		return "SUBTRACT"
	case Multiply:
		return "MULTIPLY"
	case Divide:
		return "DIVIDE"
	case GreaterThan:
		return "GREATER"
	case GreaterThanEq:
		return "GREATER_EQ"
	case LesserThan:
		return "LESS"
	case LesserThanEq:
		return "LESS_EQ"
	case EqualTo:
		return "EQUAL"
	case NotEqualTo:
		return "NOT_EQUAL"
	case Print:
		return "PRINT"
	case DefineGlobal:
		return "DEFINE_GLOBAL"
	case GetGlobal:
		return "GET_GLOBAL"
	case SetGlobal:
		return "SET_GLOBAL"
	case GetLocal:
		return "GET_LOCAL"
	case SetLocal:
		return "SET_LOCAL"
	case GetUpvalue:
		return "GET_UPVALUE"
	case SetUpvalue:
		return "SET_UPVALUE"
	case JumpIfFalse:
		return "JUMP_IF_FALSE"
	case Jump:
		return "JUMP"
	case Call:
		return "CALL"
	case Closure:
		return "CLOSURE"
	case Return:
		return "RETURN"
	case CloseUpvalue:
		return "CLOSE_UPVALUE"
	case ClassDef:
		return "CLASS"
	case Inherit:
		return "INHERIT"
	case MethodDef:
		return "METHOD"
	case GetProperty:
		return "GET_PROPERTY"
	case SetProperty:
		return "SET_PROPERTY"
	case GetSuper:
		return "GET_SUPER"
	case Exit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}
