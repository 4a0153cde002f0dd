// Package compiler walks a resolved AST and emits bytecode for pkg/vm.
//
// Compilation happens in one pass over the tree the resolver already
// annotated: it never re-derives scope information resolver.Resolve
// computed, it only consumes the Distance/Resolved fields resolver left on
// Variable, Assign, This, and Super nodes. A program is only ever handed to
// Compile once resolver.Resolve returned zero errors.
//
// The compiler maintains a stack of in-progress FunctionSpecs (current,
// chained through funcState.enclosing down to the Script FunctionSpec at
// the bottom) and one process-wide constant pool shared by every chunk
// compiled in the run — not one pool per function, per the bytecode
// package's own documented design.
package compiler

import (
	"github.com/kristofer/loxvm/pkg/ast"
	"github.com/kristofer/loxvm/pkg/bytecode"
	"github.com/kristofer/loxvm/pkg/heap"
)

// CompileError is a compile-time failure this package detects on its own,
// separate from resolver.SemanticError. In practice the resolver already
// rejects every name-collision case the compiler might otherwise stumble
// over; the compiler raises one only for an AST node kind it has no case
// for.
type CompileError struct {
	Lexeme  string
	Line    int
	Message string
}

func (e *CompileError) Error() string {
	return "[line " + itoa(e.Line) + "] CompileError: " + e.Message
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// funcState is one in-progress FunctionSpec. enclosing threads back to the
// function textually surrounding this one, down to the Script at the
// bottom — this chain is exactly what upvalue resolution walks.
type funcState struct {
	spec       *heap.FunctionSpec
	scopeDepth int
	enclosing  *funcState
}

// loopState tracks the jump targets a break/continue inside the current
// loop body needs: continue jumps back to start, break jumps are recorded
// and patched once the loop's end address is known.
type loopState struct {
	start      int
	breakJumps []int
	enclosing  *loopState
}

// Compiler holds all compile-time state for one Compile call.
type Compiler struct {
	current   *funcState
	loop      *loopState
	constants []heap.Value
	errs      []error
}

// Compile compiles prog into a Script FunctionSpec plus the constant pool
// it and every nested FunctionSpec it references (directly or through
// nested Closure constants) share. prog must already have been resolved
// with zero errors.
func Compile(prog *ast.Program) (*heap.FunctionSpec, []heap.Value, []error) {
	return CompileIncremental(prog, nil)
}

// CompileIncremental compiles prog the same way Compile does, but seeds the
// constant pool with seed instead of starting empty, so every Constant and
// Closure operand it emits indexes into seed's numbering rather than
// colliding with it. A REPL compiles each line independently against a
// single persistent VM and must pass the VM's current constant pool as seed
// so closures created on earlier lines keep resolving against the pool
// they were compiled with. The returned pool is seed with this call's
// constants appended; callers must install it back into the VM before
// running the compiled chunk.
func CompileIncremental(prog *ast.Program, seed []heap.Value) (*heap.FunctionSpec, []heap.Value, []error) {
	c := &Compiler{constants: append([]heap.Value(nil), seed...)}
	script := &funcState{
		spec:       &heap.FunctionSpec{Kind: heap.KindScript, Chunk: &bytecode.Chunk{}},
		scopeDepth: 0,
	}
	c.current = script
	c.addLocal("") // slot 0 placeholder, per the Script/Function reservation rule

	line := 0
	c.compileStatements(prog.Statements)
	if len(prog.Statements) > 0 {
		line = prog.Statements[len(prog.Statements)-1].Line()
	}
	script.spec.Chunk.Emit(bytecode.Exit, 0, line)

	return script.spec, c.constants, c.errs
}

func (c *Compiler) chunk() *bytecode.Chunk { return c.current.spec.Chunk }

func (c *Compiler) fail(line int, lexeme, msg string) {
	c.errs = append(c.errs, &CompileError{Lexeme: lexeme, Line: line, Message: msg})
}

// ---- constant pool ----

// addConstant appends v, deduplicating against an existing entry of equal
// value. FunctionSpec templates always compare unequal to everything else
// (heap.Equal has no case for *heap.FunctionSpec), so each function/lambda
// always gets its own fresh pool slot, never shared.
func (c *Compiler) addConstant(v heap.Value) int {
	for i, existing := range c.constants {
		if heap.Equal(existing, v) {
			return i
		}
	}
	c.constants = append(c.constants, v)
	return len(c.constants) - 1
}

func (c *Compiler) nameConstant(name string) int { return c.addConstant(name) }

// ---- locals, upvalues ----

func (c *Compiler) addLocal(name string) {
	c.current.spec.Locals = append(c.current.spec.Locals, heap.Local{
		Name:  name,
		Depth: c.current.scopeDepth,
	})
}

// resolveLocalInFunction scans fs's own locals table, most-recently
// declared first, so inner shadowing wins.
func resolveLocalInFunction(fs *funcState, name string) (int, bool) {
	locals := fs.spec.Locals
	for i := len(locals) - 1; i >= 0; i-- {
		if locals[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

// resolveByName re-derives a variable's function-frame distance purely
// from compile-time state, for the handful of implicit lookups (the
// receiver read a `super.method()` expression needs, a class re-fetching
// its own name around its method-definition window) that have no AST
// field carrying a resolver-computed distance.
func (c *Compiler) resolveByName(name string) (int, bool) {
	fs := c.current
	d := 0
	for fs != nil {
		if _, ok := resolveLocalInFunction(fs, name); ok {
			return d, true
		}
		fs = fs.enclosing
		d++
	}
	return 0, false
}

// resolveUpvalue implements the four-step algorithm: locate the local in
// the FunctionSpec distance frames out, mark it captured, then thread an
// upvalue descriptor through every frame back to the current one,
// deduplicating descriptors as it goes.
func (c *Compiler) resolveUpvalue(name string, distance int) (int, bool) {
	target := c.current
	for i := 0; i < distance; i++ {
		if target.enclosing == nil {
			return 0, false
		}
		target = target.enclosing
	}
	idx, ok := resolveLocalInFunction(target, name)
	if !ok {
		return 0, false
	}
	target.spec.Locals[idx].Captured = true

	var chain []*funcState
	for f := c.current; f != target; f = f.enclosing {
		chain = append(chain, f)
	}
	u, isLocal := idx, true
	for i := len(chain) - 1; i >= 0; i-- {
		u = chain[i].addUpvalue(u, isLocal)
		isLocal = false
	}
	return u, true
}

func (fs *funcState) addUpvalue(index int, fromLocal bool) int {
	for i, d := range fs.spec.UpvalueDescs {
		if d.Index == index && d.FromLocal == fromLocal {
			return i
		}
	}
	fs.spec.UpvalueDescs = append(fs.spec.UpvalueDescs, heap.UpvalueDesc{Index: index, FromLocal: fromLocal})
	return len(fs.spec.UpvalueDescs) - 1
}

// ---- variable read/write ----

func (c *Compiler) emitGetGlobal(name string, line int) {
	c.chunk().Emit(bytecode.GetGlobal, c.nameConstant(name), line)
}

func (c *Compiler) emitRead(name string, distance int, resolved bool, line int) {
	if !resolved {
		c.emitGetGlobal(name, line)
		return
	}
	if distance == 0 {
		if idx, ok := resolveLocalInFunction(c.current, name); ok {
			c.chunk().Emit(bytecode.GetLocal, idx, line)
			return
		}
	}
	if u, ok := c.resolveUpvalue(name, distance); ok {
		c.chunk().Emit(bytecode.GetUpvalue, u, line)
		return
	}
	c.emitGetGlobal(name, line)
}

func (c *Compiler) emitWrite(name string, distance int, resolved bool, line int) {
	if !resolved {
		c.chunk().Emit(bytecode.SetGlobal, c.nameConstant(name), line)
		return
	}
	if distance == 0 {
		if idx, ok := resolveLocalInFunction(c.current, name); ok {
			c.chunk().Emit(bytecode.SetLocal, idx, line)
			return
		}
	}
	if u, ok := c.resolveUpvalue(name, distance); ok {
		c.chunk().Emit(bytecode.SetUpvalue, u, line)
		return
	}
	c.chunk().Emit(bytecode.SetGlobal, c.nameConstant(name), line)
}

// emitNamedVariableRead resolves name exactly like a fresh *ast.Variable
// reference compiled at this point would, without requiring one to exist
// in the tree. Used for the implicit `this` a super-call needs and for a
// class re-fetching its own name around its method-definition window.
func (c *Compiler) emitNamedVariableRead(name string, line int) {
	if d, ok := c.resolveByName(name); ok {
		c.emitRead(name, d, true, line)
		return
	}
	c.emitGetGlobal(name, line)
}

// ---- scopes ----

func (c *Compiler) beginBlockScope() { c.current.scopeDepth++ }

// endBlockScope removes every local declared at the scope being closed,
// emitting CloseUpvalue for ones a nested closure captured and StackPop
// for the rest, in reverse declaration order.
func (c *Compiler) endBlockScope(line int) {
	fs := c.current
	fs.scopeDepth--
	locals := fs.spec.Locals
	n := len(locals)
	for n > 0 && locals[n-1].Depth > fs.scopeDepth {
		if locals[n-1].Captured {
			fs.spec.Chunk.Emit(bytecode.CloseUpvalue, 0, line)
		} else {
			fs.spec.Chunk.Emit(bytecode.StackPop, 0, line)
		}
		n--
	}
	fs.spec.Locals = locals[:n]
}

// ---- statements ----

func (c *Compiler) compileStatements(stmts []ast.Statement) {
	for _, s := range stmts {
		c.compileStatement(s)
	}
}

func (c *Compiler) compileStatement(stmt ast.Statement) {
	switch s := stmt.(type) {
	case *ast.ExprStmt:
		c.compileExpr(s.Expr)
		c.chunk().Emit(bytecode.StackPop, 0, s.Line())
	case *ast.PrintStmt:
		c.compileExpr(s.Expr)
		c.chunk().Emit(bytecode.Print, 0, s.Line())
	case *ast.VarStmt:
		c.compileVarStmt(s)
	case *ast.BlockStmt:
		c.beginBlockScope()
		c.compileStatements(s.Statements)
		c.endBlockScope(s.Line())
	case *ast.IfStmt:
		c.compileIfStmt(s)
	case *ast.WhileStmt:
		c.compileWhileStmt(s)
	case *ast.FunStmt:
		c.compileFunStmt(s)
	case *ast.ClassStmt:
		c.compileClassStmt(s)
	case *ast.ReturnStmt:
		if s.Value != nil {
			c.compileExpr(s.Value)
		} else {
			c.chunk().Emit(bytecode.NilVal, 0, s.Line())
		}
		c.chunk().Emit(bytecode.Return, 0, s.Line())
	case *ast.BreakStmt:
		if c.loop != nil {
			j := c.chunk().Emit(bytecode.Jump, -1, s.Line())
			c.loop.breakJumps = append(c.loop.breakJumps, j)
		}
	case *ast.ContinueStmt:
		if c.loop != nil {
			c.chunk().Emit(bytecode.Jump, c.loop.start, s.Line())
		}
	default:
		c.fail(stmt.Line(), "", "unknown statement node")
	}
}

func (c *Compiler) compileVarStmt(s *ast.VarStmt) {
	if s.Init != nil {
		c.compileExpr(s.Init)
	} else {
		c.chunk().Emit(bytecode.NilVal, 0, s.Line())
	}
	if c.current.scopeDepth == 0 {
		nameIdx := c.nameConstant(s.Name)
		c.chunk().Emit(bytecode.DefineGlobal, nameIdx, s.Line())
		c.chunk().Emit(bytecode.StackPop, 0, s.Line())
		return
	}
	c.addLocal(s.Name)
}

func (c *Compiler) compileIfStmt(s *ast.IfStmt) {
	c.compileExpr(s.Cond)
	thenJump := c.chunk().Emit(bytecode.JumpIfFalse, -1, s.Line())
	c.chunk().Emit(bytecode.StackPop, 0, s.Line())
	c.compileStatement(s.Then)
	elseJump := c.chunk().Emit(bytecode.Jump, -1, s.Line())
	c.chunk().Patch(thenJump, c.chunk().Len())
	c.chunk().Emit(bytecode.StackPop, 0, s.Line())
	if s.Else != nil {
		c.compileStatement(s.Else)
	}
	c.chunk().Patch(elseJump, c.chunk().Len())
}

func (c *Compiler) compileWhileStmt(s *ast.WhileStmt) {
	loopStart := c.chunk().Len()
	c.compileExpr(s.Cond)
	exitJump := c.chunk().Emit(bytecode.JumpIfFalse, -1, s.Line())
	c.chunk().Emit(bytecode.StackPop, 0, s.Line())

	lp := &loopState{start: loopStart, enclosing: c.loop}
	c.loop = lp
	c.compileStatement(s.Body)
	c.loop = lp.enclosing

	c.chunk().Emit(bytecode.Jump, loopStart, s.Line())
	c.chunk().Patch(exitJump, c.chunk().Len())
	c.chunk().Emit(bytecode.StackPop, 0, s.Line())
	for _, j := range lp.breakJumps {
		c.chunk().Patch(j, c.chunk().Len())
	}
}

// compileFunctionBody compiles a nested function/method/initializer/lambda
// body into its own FunctionSpec and appends it to the constant pool as a
// template. It returns that pool index; the caller emits Closure(index).
func (c *Compiler) compileFunctionBody(params []string, body []ast.Statement, kind heap.FunctionKind, name string, line int) int {
	fs := &funcState{
		spec:       &heap.FunctionSpec{Arity: len(params), Chunk: &bytecode.Chunk{}, Name: name, Kind: kind},
		scopeDepth: 1,
		enclosing:  c.current,
	}
	c.current = fs

	if kind == heap.KindMethod || kind == heap.KindInitializer {
		c.addLocal("this")
	} else {
		c.addLocal("")
	}
	for _, p := range params {
		c.addLocal(p)
	}

	c.compileStatements(body)
	fs.spec.Chunk.Emit(bytecode.NilVal, 0, line)
	fs.spec.Chunk.Emit(bytecode.Return, 0, line)

	c.current = fs.enclosing
	return c.addConstant(fs.spec)
}

func (c *Compiler) compileFunStmt(s *ast.FunStmt) {
	isLocal := c.current.scopeDepth > 0
	if isLocal {
		// Reserve the slot before compiling the body so a recursive call
		// inside it resolves to this binding via the upvalue path.
		c.addLocal(s.Name)
	}
	idx := c.compileFunctionBody(s.Params, s.Body, heap.KindFunction, s.Name, s.Line())
	c.chunk().Emit(bytecode.Closure, idx, s.Line())
	if !isLocal {
		nameIdx := c.nameConstant(s.Name)
		c.chunk().Emit(bytecode.DefineGlobal, nameIdx, s.Line())
		c.chunk().Emit(bytecode.StackPop, 0, s.Line())
	}
}

// compileClassStmt follows clox's own class-declaration recipe: the class
// value is re-fetched by name (via GetLocal/GetGlobal/GetUpvalue, never
// kept as one continuously-held stack slot) everywhere it is needed after
// its initial declaration, exactly as a plain variable reference would be.
// That is what lets DefineGlobal's no-pop contract coexist with Inherit's
// "child on top" and MethodDef's "class on top" expectations without the
// two ever fighting over which value currently sits at the top of the
// operand stack.
func (c *Compiler) compileClassStmt(s *ast.ClassStmt) {
	isLocal := c.current.scopeDepth > 0
	if isLocal {
		c.addLocal(s.Name)
	}
	nameIdx := c.nameConstant(s.Name)
	c.chunk().Emit(bytecode.ClassDef, nameIdx, s.Line())
	if !isLocal {
		c.chunk().Emit(bytecode.DefineGlobal, nameIdx, s.Line())
		c.chunk().Emit(bytecode.StackPop, 0, s.Line())
	}

	if s.SuperName != "" {
		c.compileExpr(s.SuperVar)
		c.beginBlockScope()
		c.addLocal("super")
		c.emitNamedVariableRead(s.Name, s.Line())
		c.chunk().Emit(bytecode.Inherit, 0, s.Line())
		c.chunk().Emit(bytecode.StackPop, 0, s.Line()) // the child Inherit pushed back
	}

	c.emitNamedVariableRead(s.Name, s.Line())
	for _, m := range s.Methods {
		kind := heap.KindMethod
		if m.Name == "init" {
			kind = heap.KindInitializer
		}
		idx := c.compileFunctionBody(m.Params, m.Body, kind, m.Name, m.Line())
		c.chunk().Emit(bytecode.Closure, idx, m.Line())
		c.chunk().Emit(bytecode.MethodDef, c.nameConstant(m.Name), m.Line())
	}
	c.chunk().Emit(bytecode.StackPop, 0, s.Line())

	if s.SuperName != "" {
		c.endBlockScope(s.Line())
	}
}

// ---- expressions ----

var binOps = map[string]bytecode.Opcode{
	"+":  bytecode.Add,
	"-":  bytecode.Subtract,
	"*":  bytecode.Multiply,
	"/":  bytecode.Divide,
	">":  bytecode.GreaterThan,
	">=": bytecode.GreaterThanEq,
	"<":  bytecode.LesserThan,
	"<=": bytecode.LesserThanEq,
	"==": bytecode.EqualTo,
	"!=": bytecode.NotEqualTo,
}

func (c *Compiler) compileExpr(expr ast.Expression) {
	switch e := expr.(type) {
	case *ast.Literal:
		if e.Value == nil {
			c.chunk().Emit(bytecode.NilVal, 0, e.Line())
			return
		}
		c.chunk().Emit(bytecode.Constant, c.addConstant(e.Value), e.Line())
	case *ast.Variable:
		c.emitRead(e.Name, e.Distance, e.Resolved, e.Line())
	case *ast.Assign:
		c.compileExpr(e.Value)
		c.emitWrite(e.Name, e.Distance, e.Resolved, e.Line())
	case *ast.BinOp:
		c.compileExpr(e.Left)
		c.compileExpr(e.Right)
		c.chunk().Emit(binOps[e.Op], 0, e.Line())
	case *ast.Logical:
		c.compileLogical(e)
	case *ast.Unary:
		c.compileExpr(e.Operand)
		if e.Op == "-" {
			c.chunk().Emit(bytecode.Negate, 0, e.Line())
		} else {
			c.chunk().Emit(bytecode.Not, 0, e.Line())
		}
	case *ast.Call:
		c.compileExpr(e.Callee)
		for _, a := range e.Args {
			c.compileExpr(a)
		}
		c.chunk().Emit(bytecode.Call, len(e.Args), e.Line())
	case *ast.Get:
		c.compileExpr(e.Object)
		c.chunk().Emit(bytecode.GetProperty, c.nameConstant(e.Name), e.Line())
	case *ast.Set:
		c.compileExpr(e.Object)
		c.compileExpr(e.Value)
		c.chunk().Emit(bytecode.SetProperty, c.nameConstant(e.Name), e.Line())
	case *ast.This:
		c.emitRead("this", e.Distance, e.Resolved, e.Line())
	case *ast.Super:
		c.emitNamedVariableRead("this", e.Line())
		c.emitRead("super", e.Distance, e.Resolved, e.Line())
		c.chunk().Emit(bytecode.GetSuper, c.nameConstant(e.Method), e.Line())
	case *ast.Lambda:
		idx := c.compileFunctionBody(e.Params, e.Body, heap.KindLambda, "", e.Line())
		c.chunk().Emit(bytecode.Closure, idx, e.Line())
	case *ast.Grouping:
		c.compileExpr(e.Inner)
	default:
		c.fail(expr.Line(), "", "unknown expression node")
	}
}

func (c *Compiler) compileLogical(e *ast.Logical) {
	if e.Op == "and" {
		c.compileExpr(e.Left)
		endJump := c.chunk().Emit(bytecode.JumpIfFalse, -1, e.Line())
		c.chunk().Emit(bytecode.StackPop, 0, e.Line())
		c.compileExpr(e.Right)
		c.chunk().Patch(endJump, c.chunk().Len())
		return
	}
	// "or": short-circuit true.
	c.compileExpr(e.Left)
	elseJump := c.chunk().Emit(bytecode.JumpIfFalse, -1, e.Line())
	endJump := c.chunk().Emit(bytecode.Jump, -1, e.Line())
	c.chunk().Patch(elseJump, c.chunk().Len())
	c.chunk().Emit(bytecode.StackPop, 0, e.Line())
	c.compileExpr(e.Right)
	c.chunk().Patch(endJump, c.chunk().Len())
}
