package parser

import (
	"testing"

	"github.com/kristofer/loxvm/pkg/ast"
	"github.com/kristofer/loxvm/pkg/lexer"
)

func parse(t *testing.T, src string) *ast.Program {
	t.Helper()
	p := New(lexer.New(src))
	prog, errs := p.Parse()
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors for %q: %v", src, errs)
	}
	return prog
}

func TestParseVarDeclaration(t *testing.T) {
	prog := parse(t, "var a = 1;")
	if len(prog.Statements) != 1 {
		t.Fatalf("want 1 statement, got %d", len(prog.Statements))
	}
	v, ok := prog.Statements[0].(*ast.VarStmt)
	if !ok {
		t.Fatalf("want *ast.VarStmt, got %T", prog.Statements[0])
	}
	if v.Name != "a" {
		t.Fatalf("want name a, got %s", v.Name)
	}
	lit, ok := v.Init.(*ast.Literal)
	if !ok || lit.Value.(float64) != 1 {
		t.Fatalf("want literal 1, got %#v", v.Init)
	}
}

func TestParseAssignment(t *testing.T) {
	prog := parse(t, "a = 2;")
	es := prog.Statements[0].(*ast.ExprStmt)
	assign, ok := es.Expr.(*ast.Assign)
	if !ok {
		t.Fatalf("want *ast.Assign, got %T", es.Expr)
	}
	if assign.Name != "a" {
		t.Fatalf("want name a, got %s", assign.Name)
	}
}

func TestParseIfElse(t *testing.T) {
	prog := parse(t, "if (a) { print 1; } else { print 2; }")
	ifs, ok := prog.Statements[0].(*ast.IfStmt)
	if !ok {
		t.Fatalf("want *ast.IfStmt, got %T", prog.Statements[0])
	}
	if ifs.Else == nil {
		t.Fatalf("want else branch to be present")
	}
}

func TestParseForDesugarsToWhile(t *testing.T) {
	prog := parse(t, "for (var i = 0; i < 3; i = i + 1) print i;")
	block, ok := prog.Statements[0].(*ast.BlockStmt)
	if !ok {
		t.Fatalf("want desugared *ast.BlockStmt, got %T", prog.Statements[0])
	}
	if len(block.Statements) != 2 {
		t.Fatalf("want [init, while], got %d statements", len(block.Statements))
	}
	if _, ok := block.Statements[0].(*ast.VarStmt); !ok {
		t.Fatalf("want initializer VarStmt, got %T", block.Statements[0])
	}
	while, ok := block.Statements[1].(*ast.WhileStmt)
	if !ok {
		t.Fatalf("want WhileStmt, got %T", block.Statements[1])
	}
	body, ok := while.Body.(*ast.BlockStmt)
	if !ok || len(body.Statements) != 2 {
		t.Fatalf("want while body [print, post], got %#v", while.Body)
	}
}

func TestParseClassWithSuperclass(t *testing.T) {
	prog := parse(t, "class B < A { hi() { return \"A\"; } }")
	class, ok := prog.Statements[0].(*ast.ClassStmt)
	if !ok {
		t.Fatalf("want *ast.ClassStmt, got %T", prog.Statements[0])
	}
	if class.Name != "B" || class.SuperName != "A" {
		t.Fatalf("want B < A, got %s < %s", class.Name, class.SuperName)
	}
	if len(class.Methods) != 1 || class.Methods[0].Name != "hi" {
		t.Fatalf("want method hi, got %#v", class.Methods)
	}
}

func TestParseFunctionAndReturn(t *testing.T) {
	prog := parse(t, "fun f(a, b) { return a + b; }")
	fn, ok := prog.Statements[0].(*ast.FunStmt)
	if !ok {
		t.Fatalf("want *ast.FunStmt, got %T", prog.Statements[0])
	}
	if len(fn.Params) != 2 {
		t.Fatalf("want 2 params, got %d", len(fn.Params))
	}
	if _, ok := fn.Body[0].(*ast.ReturnStmt); !ok {
		t.Fatalf("want ReturnStmt body, got %#v", fn.Body[0])
	}
}

func TestParseGetSetAndSuper(t *testing.T) {
	prog := parse(t, "class C { m() { this.x = super.y(); } }")
	class := prog.Statements[0].(*ast.ClassStmt)
	method := class.Methods[0]
	es := method.Body[0].(*ast.ExprStmt)
	set, ok := es.Expr.(*ast.Set)
	if !ok {
		t.Fatalf("want *ast.Set, got %T", es.Expr)
	}
	if _, ok := set.Object.(*ast.This); !ok {
		t.Fatalf("want This receiver, got %T", set.Object)
	}
	call, ok := set.Value.(*ast.Call)
	if !ok {
		t.Fatalf("want Call value, got %T", set.Value)
	}
	if _, ok := call.Callee.(*ast.Super); !ok {
		t.Fatalf("want Super callee, got %T", call.Callee)
	}
}

func TestParseInvalidAssignmentTargetReportsError(t *testing.T) {
	p := New(lexer.New("1 = 2;"))
	_, errs := p.Parse()
	if len(errs) == 0 {
		t.Fatalf("want a parse error for invalid assignment target")
	}
}

func TestParseErrorRecoverySynchronizes(t *testing.T) {
	p := New(lexer.New("var ; var b = 2;"))
	prog, errs := p.Parse()
	if len(errs) == 0 {
		t.Fatalf("want at least one parse error")
	}
	found := false
	for _, s := range prog.Statements {
		if v, ok := s.(*ast.VarStmt); ok && v.Name == "b" {
			found = true
		}
	}
	if !found {
		t.Fatalf("want recovery to still parse 'var b = 2;'")
	}
}
