// Package resolver performs the single static-analysis pass between parsing
// and compilation.
//
// It annotates every name-bearing expression (Variable, Assign, This, Super)
// with the number of enclosing function frames to walk before finding its
// binding, information the compiler's upvalue resolution depends on. It also
// rejects a fixed set of semantic errors the compiler would otherwise have
// to discover the hard way: redeclaration within a scope, self-referencing
// initializers, `this`/`super`/`return` used outside their valid context,
// and a class inheriting from itself.
//
// Scope model: fn_scopes is an ordered sequence of function-frame scope
// groups; each group is an ordered sequence of block scopes mapping name to
// "has its initializer finished running yet". A reference resolves to the
// group it is found in, counting backward from the innermost group — that
// count is the distance the compiler threads into GetUpvalue/SetUpvalue
// chains. A reference found nowhere is left unresolved, which the compiler
// reads as "look it up as a global".
package resolver

import "github.com/kristofer/loxvm/pkg/ast"

// SemanticError is a resolver-detected rule violation.
type SemanticError struct {
	Lexeme  string
	Line    int
	Message string
}

func (e *SemanticError) Error() string {
	if e.Lexeme != "" {
		return "[line " + itoa(e.Line) + "] SemanticError at '" + e.Lexeme + "': " + e.Message
	}
	return "[line " + itoa(e.Line) + "] SemanticError: " + e.Message
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

type classKind int

const (
	classNone classKind = iota
	classClass
	classSubclass
)

type functionKind int

const (
	fnNone functionKind = iota
	fnFunction
	fnInitializer
	fnMethod
	fnLambda
)

type blockScope map[string]bool

// Resolver walks a *ast.Program once, mutating it in place.
type Resolver struct {
	fnScopes    [][]blockScope // outer index: function frame; inner: block scope
	curClass    classKind
	curFunction functionKind
	loopDepth   int
	errs        []error
}

// New creates a Resolver with the script-level function scope already open.
func New() *Resolver {
	r := &Resolver{fnScopes: [][]blockScope{{}}}
	return r
}

// Resolve walks prog and returns any SemanticErrors found. The AST is
// annotated in place regardless of whether errors occurred, since the
// compiler is never invoked when len(errs) > 0.
func Resolve(prog *ast.Program) []error {
	r := New()
	r.resolveStatements(prog.Statements)
	return r.errs
}

func (r *Resolver) fail(line int, lexeme, msg string) {
	r.errs = append(r.errs, &SemanticError{Lexeme: lexeme, Line: line, Message: msg})
}

func (r *Resolver) beginScope() {
	top := len(r.fnScopes) - 1
	r.fnScopes[top] = append(r.fnScopes[top], blockScope{})
}

func (r *Resolver) endScope() {
	top := len(r.fnScopes) - 1
	r.fnScopes[top] = r.fnScopes[top][:len(r.fnScopes[top])-1]
}

func (r *Resolver) beginFunctionScope() {
	r.fnScopes = append(r.fnScopes, []blockScope{{}})
}

func (r *Resolver) endFunctionScope() {
	r.fnScopes = r.fnScopes[:len(r.fnScopes)-1]
}

func (r *Resolver) declare(line int, name string) {
	scopes := r.fnScopes[len(r.fnScopes)-1]
	if len(scopes) == 0 {
		return // top-level: resolved as global, nothing to declare
	}
	scope := scopes[len(scopes)-1]
	if _, exists := scope[name]; exists {
		r.fail(line, name, "already a variable with this name in this scope")
		return
	}
	scope[name] = false
}

func (r *Resolver) define(name string) {
	scopes := r.fnScopes[len(r.fnScopes)-1]
	if len(scopes) == 0 {
		return
	}
	scopes[len(scopes)-1][name] = true
}

// resolveLocal searches outward from the innermost function frame to the
// outermost, returning (distance, true) on a hit.
func (r *Resolver) resolveLocal(name string) (int, bool) {
	for i := len(r.fnScopes) - 1; i >= 0; i-- {
		scopes := r.fnScopes[i]
		for j := len(scopes) - 1; j >= 0; j-- {
			if _, ok := scopes[j][name]; ok {
				return len(r.fnScopes) - 1 - i, true
			}
		}
	}
	return 0, false
}

// innermostUninitialized reports whether name is declared but not yet
// defined in the current block scope — the "own initializer" trap.
func (r *Resolver) innermostUninitialized(name string) bool {
	scopes := r.fnScopes[len(r.fnScopes)-1]
	if len(scopes) == 0 {
		return false
	}
	initialized, ok := scopes[len(scopes)-1][name]
	return ok && !initialized
}

func (r *Resolver) resolveStatements(stmts []ast.Statement) {
	for _, s := range stmts {
		r.resolveStatement(s)
	}
}

func (r *Resolver) resolveStatement(stmt ast.Statement) {
	switch s := stmt.(type) {
	case *ast.ExprStmt:
		r.resolveExpr(s.Expr)
	case *ast.PrintStmt:
		r.resolveExpr(s.Expr)
	case *ast.VarStmt:
		r.declare(s.Line(), s.Name)
		if s.Init != nil {
			r.resolveExpr(s.Init)
		}
		r.define(s.Name)
	case *ast.BlockStmt:
		r.beginScope()
		r.resolveStatements(s.Statements)
		r.endScope()
	case *ast.IfStmt:
		r.resolveExpr(s.Cond)
		r.resolveStatement(s.Then)
		if s.Else != nil {
			r.resolveStatement(s.Else)
		}
	case *ast.WhileStmt:
		r.resolveExpr(s.Cond)
		r.loopDepth++
		r.resolveStatement(s.Body)
		r.loopDepth--
	case *ast.FunStmt:
		r.declare(s.Line(), s.Name)
		r.define(s.Name)
		r.resolveFunction(s.Params, s.Body, fnFunction)
	case *ast.ClassStmt:
		r.resolveClass(s)
	case *ast.ReturnStmt:
		if r.curFunction == fnNone {
			r.fail(s.Line(), "return", "can't return from top-level code")
		}
		if s.Value != nil {
			if r.curFunction == fnInitializer {
				r.fail(s.Line(), "return", "can't return a value from an initializer")
			}
			r.resolveExpr(s.Value)
		}
	case *ast.BreakStmt:
		if r.loopDepth == 0 {
			r.fail(s.Line(), "break", "can't use 'break' outside a loop")
		}
	case *ast.ContinueStmt:
		if r.loopDepth == 0 {
			r.fail(s.Line(), "continue", "can't use 'continue' outside a loop")
		}
	default:
		r.fail(stmt.Line(), "", "unknown statement node")
	}
}

func (r *Resolver) resolveFunction(params []string, body []ast.Statement, kind functionKind) {
	enclosing := r.curFunction
	r.curFunction = kind
	r.beginFunctionScope()
	if kind == fnMethod || kind == fnInitializer {
		// `this` is slot zero of the method's own frame, not captured from
		// an enclosing scope: every direct reference resolves at distance
		// zero, and only a function nested inside the method needs an
		// upvalue to reach it.
		r.declare(0, "this")
		r.define("this")
	}
	seen := map[string]bool{}
	for _, p := range params {
		if seen[p] {
			r.fail(0, p, "duplicate parameter name")
		}
		seen[p] = true
		r.declare(0, p)
		r.define(p)
	}
	r.resolveStatements(body)
	r.endFunctionScope()
	r.curFunction = enclosing
}

func (r *Resolver) resolveClass(c *ast.ClassStmt) {
	enclosingClass := r.curClass
	r.curClass = classClass
	r.declare(c.Line(), c.Name)
	r.define(c.Name)

	if c.SuperName != "" {
		if c.SuperName == c.Name {
			r.fail(c.Line(), c.Name, "a class can't inherit from itself")
		} else {
			r.resolveExpr(c.SuperVar)
		}
		r.curClass = classSubclass
		r.beginScope()
		r.fnScopes[len(r.fnScopes)-1][len(r.fnScopes[len(r.fnScopes)-1])-1]["super"] = true
	}

	for _, m := range c.Methods {
		kind := fnMethod
		if m.Name == "init" {
			kind = fnInitializer
		}
		r.resolveFunction(m.Params, m.Body, kind)
	}

	if c.SuperName != "" {
		r.endScope()
	}
	r.curClass = enclosingClass
}

func (r *Resolver) resolveExpr(expr ast.Expression) {
	switch e := expr.(type) {
	case *ast.Literal:
		// no name to resolve
	case *ast.Variable:
		if r.innermostUninitialized(e.Name) {
			r.fail(e.Line(), e.Name, "can't read local variable in its own initializer")
		}
		if d, ok := r.resolveLocal(e.Name); ok {
			e.Distance, e.Resolved = d, true
		}
	case *ast.Assign:
		r.resolveExpr(e.Value)
		if d, ok := r.resolveLocal(e.Name); ok {
			e.Distance, e.Resolved = d, true
		}
	case *ast.BinOp:
		r.resolveExpr(e.Left)
		r.resolveExpr(e.Right)
	case *ast.Logical:
		r.resolveExpr(e.Left)
		r.resolveExpr(e.Right)
	case *ast.Unary:
		r.resolveExpr(e.Operand)
	case *ast.Call:
		r.resolveExpr(e.Callee)
		for _, a := range e.Args {
			r.resolveExpr(a)
		}
	case *ast.Get:
		r.resolveExpr(e.Object)
	case *ast.Set:
		r.resolveExpr(e.Value)
		r.resolveExpr(e.Object)
	case *ast.This:
		if r.curClass == classNone {
			r.fail(e.Line(), "this", "can't use 'this' outside a class")
			return
		}
		if d, ok := r.resolveLocal("this"); ok {
			e.Distance, e.Resolved = d, true
		}
	case *ast.Super:
		if r.curClass == classNone {
			r.fail(e.Line(), "super", "can't use 'super' outside a class")
			return
		}
		if r.curClass != classSubclass {
			r.fail(e.Line(), "super", "can't use 'super' in a class with no superclass")
			return
		}
		if d, ok := r.resolveLocal("super"); ok {
			e.Distance, e.Resolved = d, true
		}
	case *ast.Lambda:
		r.resolveFunction(e.Params, e.Body, fnLambda)
	case *ast.Grouping:
		r.resolveExpr(e.Inner)
	default:
		r.fail(expr.Line(), "", "unknown expression node")
	}
}
