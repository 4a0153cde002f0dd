package compiler

import (
	"testing"

	"github.com/kristofer/loxvm/pkg/bytecode"
	"github.com/kristofer/loxvm/pkg/heap"
	"github.com/kristofer/loxvm/pkg/lexer"
	"github.com/kristofer/loxvm/pkg/parser"
	"github.com/kristofer/loxvm/pkg/resolver"
)

func mustCompile(t *testing.T, src string) (*heap.FunctionSpec, []heap.Value) {
	t.Helper()
	p := parser.New(lexer.New(src))
	prog, parseErrs := p.Parse()
	if len(parseErrs) != 0 {
		t.Fatalf("parse errors: %v", parseErrs)
	}
	if errs := resolver.Resolve(prog); len(errs) != 0 {
		t.Fatalf("resolve errors: %v", errs)
	}
	spec, consts, errs := Compile(prog)
	if len(errs) != 0 {
		t.Fatalf("compile errors: %v", errs)
	}
	return spec, consts
}

func opSeq(chunk *bytecode.Chunk) []bytecode.Opcode {
	out := make([]bytecode.Opcode, len(chunk.Code))
	for i, ins := range chunk.Code {
		out[i] = ins.Op
	}
	return out
}

func assertOps(t *testing.T, got []bytecode.Opcode, want ...bytecode.Opcode) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("op count: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("op[%d]: got %v, want %v (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestCompileNumberLiteralPrint(t *testing.T) {
	spec, consts := mustCompile(t, "print 42;")
	ops := opSeq(spec.Chunk)
	assertOps(t, ops, bytecode.Constant, bytecode.Print, bytecode.Exit)
	if consts[0] != 42.0 {
		t.Fatalf("want constant 42.0, got %v", consts[0])
	}
}

func TestCompileGlobalVarDeclarationPopsAfterDefine(t *testing.T) {
	spec, _ := mustCompile(t, "var x = 1;")
	ops := opSeq(spec.Chunk)
	assertOps(t, ops, bytecode.Constant, bytecode.DefineGlobal, bytecode.StackPop, bytecode.Exit)
}

func TestCompileGlobalVarReadAndWrite(t *testing.T) {
	spec, _ := mustCompile(t, "var x = 1; x = 2; print x;")
	ops := opSeq(spec.Chunk)
	assertOps(t, ops,
		bytecode.Constant, bytecode.DefineGlobal, bytecode.StackPop, // var x = 1;
		bytecode.Constant, bytecode.SetGlobal, bytecode.StackPop, // x = 2;
		bytecode.GetGlobal, bytecode.Print, // print x;
		bytecode.Exit,
	)
}

func TestCompileLocalVarNoDefineGlobal(t *testing.T) {
	spec, _ := mustCompile(t, "{ var x = 1; print x; }")
	ops := opSeq(spec.Chunk)
	// Constant(1), GetLocal(x), Print, then block-exit StackPop for x, Exit.
	assertOps(t, ops, bytecode.Constant, bytecode.GetLocal, bytecode.Print, bytecode.StackPop, bytecode.Exit)
}

func TestCompileIfElse(t *testing.T) {
	spec, _ := mustCompile(t, "if (true) print 1; else print 2;")
	ops := opSeq(spec.Chunk)
	assertOps(t, ops,
		bytecode.Constant, // true literal
		bytecode.JumpIfFalse, bytecode.StackPop,
		bytecode.Constant, bytecode.Print, // then branch
		bytecode.Jump,
		bytecode.StackPop,
		bytecode.Constant, bytecode.Print, // else branch
		bytecode.Exit,
	)
	// thenJump should land right after the unconditional Jump (index 6).
	ifFalseIdx := 1
	if spec.Chunk.Code[ifFalseIdx].Operand != 6 {
		t.Fatalf("JumpIfFalse target: got %d, want 6", spec.Chunk.Code[ifFalseIdx].Operand)
	}
	// the trailing unconditional Jump should land at the Exit (index 9).
	jumpIdx := 5
	if spec.Chunk.Code[jumpIdx].Operand != 9 {
		t.Fatalf("Jump target: got %d, want 9", spec.Chunk.Code[jumpIdx].Operand)
	}
}

func TestCompileWhileLoopBackEdge(t *testing.T) {
	spec, _ := mustCompile(t, "while (true) print 1;")
	ops := opSeq(spec.Chunk)
	assertOps(t, ops,
		bytecode.Constant,
		bytecode.JumpIfFalse, bytecode.StackPop,
		bytecode.Constant, bytecode.Print,
		bytecode.Jump,
		bytecode.StackPop,
		bytecode.Exit,
	)
	backEdge := 5
	if spec.Chunk.Code[backEdge].Operand != 0 {
		t.Fatalf("back-edge Jump target: got %d, want 0", spec.Chunk.Code[backEdge].Operand)
	}
}

func TestCompileBreakAndContinueJumpCounts(t *testing.T) {
	spec, _ := mustCompile(t, `
		while (true) {
			if (true) break;
			if (true) continue;
			print 1;
		}
	`)
	ops := opSeq(spec.Chunk)
	var jumps, condJumps int
	for _, op := range ops {
		if op == bytecode.Jump {
			jumps++
		}
		if op == bytecode.JumpIfFalse {
			condJumps++
		}
	}
	// one jump per if's then-branch exit (2), one continue jump, one loop
	// back-edge jump, one break jump: 5 total.
	if jumps != 5 {
		t.Fatalf("want 5 Jump instructions (2 if-exits, continue, back-edge, break), got %d in %v", jumps, ops)
	}
	if condJumps != 3 {
		t.Fatalf("want 3 JumpIfFalse (loop cond + 2 ifs), got %d", condJumps)
	}
}

func TestCompileAndOrShortCircuit(t *testing.T) {
	spec, _ := mustCompile(t, "print true and false; print true or false;")
	ops := opSeq(spec.Chunk)
	// and: Constant, JumpIfFalse, StackPop, Constant, Print
	// or:  Constant, JumpIfFalse, Jump, StackPop, Constant, Print
	assertOps(t, ops,
		bytecode.Constant, bytecode.JumpIfFalse, bytecode.StackPop, bytecode.Constant, bytecode.Print,
		bytecode.Constant, bytecode.JumpIfFalse, bytecode.Jump, bytecode.StackPop, bytecode.Constant, bytecode.Print,
		bytecode.Exit,
	)
}

func TestCompileFunctionDeclarationGlobalClosure(t *testing.T) {
	spec, consts := mustCompile(t, "fun add(a, b) { return a + b; }")
	ops := opSeq(spec.Chunk)
	assertOps(t, ops, bytecode.Closure, bytecode.DefineGlobal, bytecode.StackPop, bytecode.Exit)

	fnSpec, ok := consts[spec.Chunk.Code[0].Operand].(*heap.FunctionSpec)
	if !ok {
		t.Fatalf("want the Closure operand's constant to be *heap.FunctionSpec, got %T", consts[spec.Chunk.Code[0].Operand])
	}
	if fnSpec.Arity != 2 {
		t.Fatalf("want arity 2, got %d", fnSpec.Arity)
	}
	if fnSpec.Kind != heap.KindFunction {
		t.Fatalf("want KindFunction, got %v", fnSpec.Kind)
	}
	bodyOps := opSeq(fnSpec.Chunk)
	assertOps(t, bodyOps,
		bytecode.GetLocal, bytecode.GetLocal, bytecode.Add, bytecode.Return, // return a + b;
		bytecode.NilVal, bytecode.Return, // implicit trailing return
	)
}

func TestCompileRecursiveLocalFunctionCapturesItselfAsUpvalue(t *testing.T) {
	spec, consts := mustCompile(t, `
		{
			fun fact(n) {
				if (n < 2) return 1;
				return n * fact(n - 1);
			}
		}
	`)
	_ = spec
	var fnSpec *heap.FunctionSpec
	for _, v := range consts {
		if fs, ok := v.(*heap.FunctionSpec); ok {
			fnSpec = fs
		}
	}
	if fnSpec == nil {
		t.Fatal("expected a compiled FunctionSpec for fact")
	}
	if len(fnSpec.UpvalueDescs) != 1 {
		t.Fatalf("want 1 upvalue descriptor (self-reference), got %d", len(fnSpec.UpvalueDescs))
	}
	if !fnSpec.UpvalueDescs[0].FromLocal {
		t.Fatalf("want the self upvalue captured FromLocal, got %+v", fnSpec.UpvalueDescs[0])
	}
}

func TestCompileClassWithoutSuperclass(t *testing.T) {
	spec, consts := mustCompile(t, `
		class Greeter {
			hello() { print "hi"; }
		}
	`)
	ops := opSeq(spec.Chunk)
	assertOps(t, ops,
		bytecode.ClassDef, bytecode.DefineGlobal, bytecode.StackPop, // class Greeter {
		bytecode.GetGlobal,           // re-fetch for method window
		bytecode.Closure, bytecode.MethodDef, // hello() {...}
		bytecode.StackPop, // pop the re-fetch
		bytecode.Exit,
	)
	var methodSpec *heap.FunctionSpec
	for _, v := range consts {
		if fs, ok := v.(*heap.FunctionSpec); ok && fs.Name == "hello" {
			methodSpec = fs
		}
	}
	if methodSpec == nil {
		t.Fatal("expected compiled FunctionSpec named hello")
	}
	if methodSpec.Kind != heap.KindMethod {
		t.Fatalf("want KindMethod, got %v", methodSpec.Kind)
	}
	if len(methodSpec.Locals) == 0 || methodSpec.Locals[0].Name != "this" {
		t.Fatalf("want slot 0 named this, got %+v", methodSpec.Locals)
	}
}

func TestCompileClassWithSuperclassInheritSequence(t *testing.T) {
	spec, _ := mustCompile(t, `
		class Animal {
			speak() { print "..."; }
		}
		class Dog < Animal {
			speak() { print "woof"; }
		}
	`)
	ops := opSeq(spec.Chunk)

	foundInherit := false
	for i, op := range ops {
		if op == bytecode.Inherit {
			foundInherit = true
			// Immediately before Inherit: re-fetch of the child class name.
			if ops[i-1] != bytecode.GetGlobal {
				t.Fatalf("want GetGlobal immediately before Inherit, got %v at %d", ops[i-1], i-1)
			}
		}
	}
	if !foundInherit {
		t.Fatalf("expected an Inherit opcode, got %v", ops)
	}
}

func TestCompileInitializerReturnsWithoutValue(t *testing.T) {
	_, consts := mustCompile(t, `
		class Point {
			init(x, y) {
				this.x = x;
				this.y = y;
			}
		}
	`)
	var initSpec *heap.FunctionSpec
	for _, v := range consts {
		if fs, ok := v.(*heap.FunctionSpec); ok && fs.Name == "init" {
			initSpec = fs
		}
	}
	if initSpec == nil {
		t.Fatal("expected compiled FunctionSpec named init")
	}
	if initSpec.Kind != heap.KindInitializer {
		t.Fatalf("want KindInitializer, got %v", initSpec.Kind)
	}
	ops := opSeq(initSpec.Chunk)
	assertOps(t, ops,
		bytecode.GetLocal, bytecode.GetLocal, bytecode.SetProperty, bytecode.StackPop, // this.x = x;
		bytecode.GetLocal, bytecode.GetLocal, bytecode.SetProperty, bytecode.StackPop, // this.y = y;
		bytecode.NilVal, bytecode.Return,
	)
}

func TestCompileSuperCallEmitsThisThenSuperThenGetSuper(t *testing.T) {
	_, consts := mustCompile(t, `
		class Animal {
			speak() { print "..."; }
		}
		class Dog < Animal {
			speak() {
				super.speak();
				print "woof";
			}
		}
	`)
	var speakSpec *heap.FunctionSpec
	for _, v := range consts {
		if fs, ok := v.(*heap.FunctionSpec); ok && fs.Name == "speak" && len(fs.Chunk.Code) > 3 {
			speakSpec = fs
		}
	}
	if speakSpec == nil {
		t.Fatal("expected Dog's speak FunctionSpec")
	}
	ops := opSeq(speakSpec.Chunk)
	// this(local GetLocal 0), super(GetUpvalue), GetSuper(method), Call(0), StackPop, ...
	assertOps(t, ops[:5],
		bytecode.GetLocal, bytecode.GetUpvalue, bytecode.GetSuper, bytecode.Call, bytecode.StackPop,
	)
}

func TestCompileConstantPoolDedupesEqualLiterals(t *testing.T) {
	_, consts := mustCompile(t, `print "same"; print "same";`)
	count := 0
	for _, v := range consts {
		if s, ok := v.(string); ok && s == "same" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("want \"same\" deduped to 1 pool entry, got %d", count)
	}
}

func TestCompileLambdaProducesDistinctConstants(t *testing.T) {
	_, consts := mustCompile(t, `
		var a = fun (x) { return x; };
		var b = fun (x) { return x; };
	`)
	count := 0
	for _, v := range consts {
		if _, ok := v.(*heap.FunctionSpec); ok {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("want 2 distinct lambda FunctionSpecs even though bodies are textually identical, got %d", count)
	}
}

func TestCompileClosureCapturesEnclosingLocal(t *testing.T) {
	_, consts := mustCompile(t, `
		fun makeCounter() {
			var count = 0;
			fun increment() {
				count = count + 1;
				return count;
			}
			return increment;
		}
	`)
	var outer *heap.FunctionSpec
	for _, v := range consts {
		if fs, ok := v.(*heap.FunctionSpec); ok && fs.Name == "makeCounter" {
			outer = fs
		}
	}
	if outer == nil {
		t.Fatal("expected makeCounter FunctionSpec")
	}
	if len(outer.Locals) == 0 {
		t.Fatal("expected makeCounter to have locals")
	}
	foundCaptured := false
	for _, l := range outer.Locals {
		if l.Name == "count" && l.Captured {
			foundCaptured = true
		}
	}
	if !foundCaptured {
		t.Fatalf("want count marked Captured, got %+v", outer.Locals)
	}
}
