// Package parser implements the language's parser.
//
// The parser converts a stream of tokens (from the lexer) into an Abstract
// Syntax Tree (AST) for the resolver and compiler to consume. It performs
// syntactic analysis only; name binding and semantic rules live in the
// resolver.
//
// Parser Architecture:
//
// The parser uses recursive descent:
//   1. Each grammar rule corresponds to a parsing function.
//   2. The parser decides what to parse from the current token (cur).
//   3. Expression precedence is encoded directly in the call chain, from
//      assignment (lowest) down through or/and/equality/comparison/term/
//      factor/unary/call to primary (highest), the classic recursive-descent
//      precedence ladder.
//
// Token Management:
//
// The parser maintains two tokens at all times:
//   - cur: the token being examined
//   - peek: the next token
//
// Desugaring:
//
// `for (init; cond; post) body` is desugared at parse time into a BlockStmt
// wrapping the initializer followed by a WhileStmt whose body is a block of
// [body, post] — there is no ForStmt AST node.
package parser

import (
	"fmt"

	"github.com/kristofer/loxvm/pkg/ast"
	"github.com/kristofer/loxvm/pkg/lexer"
)

// ParseError is a grammar mismatch detected while parsing.
type ParseError struct {
	Line    int
	Lexeme  string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("[line %d] ParserError at '%s': %s", e.Line, e.Lexeme, e.Message)
}

// Parser turns a token stream into a *ast.Program.
type Parser struct {
	l    *lexer.Lexer
	cur  lexer.Token
	peek lexer.Token
	errs []error
}

// New creates a Parser reading from l.
func New(l *lexer.Lexer) *Parser {
	p := &Parser{l: l}
	p.advance()
	p.advance()
	return p
}

func (p *Parser) advance() {
	p.cur = p.peek
	p.peek = p.l.NextToken()
}

func (p *Parser) check(tt lexer.TokenType) bool { return p.cur.Type == tt }

func (p *Parser) match(tt lexer.TokenType) bool {
	if p.check(tt) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) expect(tt lexer.TokenType, msg string) lexer.Token {
	if p.check(tt) {
		tok := p.cur
		p.advance()
		return tok
	}
	p.errorAt(p.cur, msg)
	return p.cur
}

func (p *Parser) errorAt(tok lexer.Token, msg string) {
	p.errs = append(p.errs, &ParseError{Line: tok.Line, Lexeme: tok.Literal, Message: msg})
}

// synchronize discards tokens until a likely statement boundary, so a single
// mistake doesn't cascade into a wall of spurious errors.
func (p *Parser) synchronize() {
	for p.cur.Type != lexer.TokenEOF {
		if p.cur.Type == lexer.TokenSemicolon {
			p.advance()
			return
		}
		switch p.cur.Type {
		case lexer.TokenClass, lexer.TokenFun, lexer.TokenVar, lexer.TokenFor,
			lexer.TokenIf, lexer.TokenWhile, lexer.TokenPrint, lexer.TokenReturn:
			return
		}
		p.advance()
	}
}

// Parse runs the parser to completion, returning the program and any errors
// accumulated along the way (after synchronizing past each one).
func (p *Parser) Parse() (*ast.Program, []error) {
	prog := &ast.Program{}
	for p.cur.Type != lexer.TokenEOF {
		stmt := p.declaration()
		if stmt != nil {
			prog.Statements = append(prog.Statements, stmt)
		}
	}
	return prog, p.errs
}

// ---- Declarations / statements ----

func (p *Parser) declaration() ast.Statement {
	before := len(p.errs)
	var stmt ast.Statement
	switch {
	case p.match(lexer.TokenClass):
		stmt = p.classDeclaration()
	case p.match(lexer.TokenFun):
		stmt = p.functionDeclaration("function")
	case p.match(lexer.TokenVar):
		stmt = p.varDeclaration()
	default:
		stmt = p.statement()
	}
	if len(p.errs) > before {
		p.synchronize()
		return nil
	}
	return stmt
}

func (p *Parser) classDeclaration() ast.Statement {
	line := p.cur.Line
	name := p.expect(lexer.TokenIdentifier, "expected class name").Literal

	var superName string
	var superVar *ast.Variable
	if p.match(lexer.TokenLess) {
		tok := p.expect(lexer.TokenIdentifier, "expected superclass name")
		superName = tok.Literal
		superVar = &ast.Variable{Base: ast.Base{SrcLine: tok.Line}, Name: superName}
	}

	p.expect(lexer.TokenLBrace, "expected '{' before class body")
	var methods []*ast.MethodDecl
	for !p.check(lexer.TokenRBrace) && p.cur.Type != lexer.TokenEOF {
		methods = append(methods, p.method())
	}
	p.expect(lexer.TokenRBrace, "expected '}' after class body")

	return &ast.ClassStmt{Base: ast.Base{SrcLine: line}, Name: name, SuperName: superName, SuperVar: superVar, Methods: methods}
}

func (p *Parser) method() *ast.MethodDecl {
	line := p.cur.Line
	name := p.expect(lexer.TokenIdentifier, "expected method name").Literal
	params, body := p.functionTail()
	return &ast.MethodDecl{Base: ast.Base{SrcLine: line}, Name: name, Params: params, Body: body}
}

func (p *Parser) functionDeclaration(kind string) ast.Statement {
	line := p.cur.Line
	name := p.expect(lexer.TokenIdentifier, "expected "+kind+" name").Literal
	params, body := p.functionTail()
	return &ast.FunStmt{Base: ast.Base{SrcLine: line}, Name: name, Params: params, Body: body}
}

func (p *Parser) functionTail() ([]string, []ast.Statement) {
	p.expect(lexer.TokenLParen, "expected '(' after name")
	var params []string
	if !p.check(lexer.TokenRParen) {
		for {
			params = append(params, p.expect(lexer.TokenIdentifier, "expected parameter name").Literal)
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.expect(lexer.TokenRParen, "expected ')' after parameters")
	p.expect(lexer.TokenLBrace, "expected '{' before body")
	body := p.block()
	return params, body
}

func (p *Parser) varDeclaration() ast.Statement {
	line := p.cur.Line
	name := p.expect(lexer.TokenIdentifier, "expected variable name").Literal
	var init ast.Expression
	if p.match(lexer.TokenEqual) {
		init = p.expression()
	}
	p.expect(lexer.TokenSemicolon, "expected ';' after variable declaration")
	return &ast.VarStmt{Base: ast.Base{SrcLine: line}, Name: name, Init: init}
}

func (p *Parser) statement() ast.Statement {
	switch {
	case p.match(lexer.TokenPrint):
		return p.printStatement()
	case p.match(lexer.TokenIf):
		return p.ifStatement()
	case p.match(lexer.TokenWhile):
		return p.whileStatement()
	case p.match(lexer.TokenFor):
		return p.forStatement()
	case p.match(lexer.TokenReturn):
		return p.returnStatement()
	case p.match(lexer.TokenBreak):
		line := p.cur.Line
		p.expect(lexer.TokenSemicolon, "expected ';' after 'break'")
		return &ast.BreakStmt{Base: ast.Base{SrcLine: line}}
	case p.match(lexer.TokenContinue):
		line := p.cur.Line
		p.expect(lexer.TokenSemicolon, "expected ';' after 'continue'")
		return &ast.ContinueStmt{Base: ast.Base{SrcLine: line}}
	case p.match(lexer.TokenLBrace):
		line := p.cur.Line
		return &ast.BlockStmt{Base: ast.Base{SrcLine: line}, Statements: p.block()}
	default:
		return p.expressionStatement()
	}
}

func (p *Parser) block() []ast.Statement {
	var stmts []ast.Statement
	for !p.check(lexer.TokenRBrace) && p.cur.Type != lexer.TokenEOF {
		if d := p.declaration(); d != nil {
			stmts = append(stmts, d)
		}
	}
	p.expect(lexer.TokenRBrace, "expected '}' after block")
	return stmts
}

func (p *Parser) printStatement() ast.Statement {
	line := p.cur.Line
	expr := p.expression()
	p.expect(lexer.TokenSemicolon, "expected ';' after value")
	return &ast.PrintStmt{Base: ast.Base{SrcLine: line}, Expr: expr}
}

func (p *Parser) expressionStatement() ast.Statement {
	line := p.cur.Line
	expr := p.expression()
	p.expect(lexer.TokenSemicolon, "expected ';' after expression")
	return &ast.ExprStmt{Base: ast.Base{SrcLine: line}, Expr: expr}
}

func (p *Parser) ifStatement() ast.Statement {
	line := p.cur.Line
	p.expect(lexer.TokenLParen, "expected '(' after 'if'")
	cond := p.expression()
	p.expect(lexer.TokenRParen, "expected ')' after condition")
	then := p.statement()
	var els ast.Statement
	if p.match(lexer.TokenElse) {
		els = p.statement()
	}
	return &ast.IfStmt{Base: ast.Base{SrcLine: line}, Cond: cond, Then: then, Else: els}
}

func (p *Parser) whileStatement() ast.Statement {
	line := p.cur.Line
	p.expect(lexer.TokenLParen, "expected '(' after 'while'")
	cond := p.expression()
	p.expect(lexer.TokenRParen, "expected ')' after condition")
	body := p.statement()
	return &ast.WhileStmt{Base: ast.Base{SrcLine: line}, Cond: cond, Body: body}
}

// forStatement desugars `for (init; cond; post) body` into
// { init; while (cond) { body; post; } }.
func (p *Parser) forStatement() ast.Statement {
	line := p.cur.Line
	p.expect(lexer.TokenLParen, "expected '(' after 'for'")

	var init ast.Statement
	switch {
	case p.match(lexer.TokenSemicolon):
		init = nil
	case p.match(lexer.TokenVar):
		init = p.varDeclaration()
	default:
		init = p.expressionStatement()
	}

	var cond ast.Expression
	if !p.check(lexer.TokenSemicolon) {
		cond = p.expression()
	}
	p.expect(lexer.TokenSemicolon, "expected ';' after loop condition")

	var post ast.Expression
	if !p.check(lexer.TokenRParen) {
		post = p.expression()
	}
	p.expect(lexer.TokenRParen, "expected ')' after for clauses")

	body := p.statement()

	if post != nil {
		body = &ast.BlockStmt{Base: ast.Base{SrcLine: line}, Statements: []ast.Statement{
			body,
			&ast.ExprStmt{Base: ast.Base{SrcLine: line}, Expr: post},
		}}
	}
	if cond == nil {
		cond = &ast.Literal{Base: ast.Base{SrcLine: line}, Value: true}
	}
	loop := ast.Statement(&ast.WhileStmt{Base: ast.Base{SrcLine: line}, Cond: cond, Body: body})

	if init != nil {
		loop = &ast.BlockStmt{Base: ast.Base{SrcLine: line}, Statements: []ast.Statement{init, loop}}
	}
	return loop
}

func (p *Parser) returnStatement() ast.Statement {
	line := p.cur.Line
	var value ast.Expression
	if !p.check(lexer.TokenSemicolon) {
		value = p.expression()
	}
	p.expect(lexer.TokenSemicolon, "expected ';' after return value")
	return &ast.ReturnStmt{Base: ast.Base{SrcLine: line}, Value: value}
}

// ---- Expressions, lowest to highest precedence ----

func (p *Parser) expression() ast.Expression { return p.assignment() }

func (p *Parser) assignment() ast.Expression {
	expr := p.or()

	if p.match(lexer.TokenEqual) {
		eqLine := p.cur.Line
		value := p.assignment()
		switch target := expr.(type) {
		case *ast.Variable:
			return &ast.Assign{Base: ast.Base{SrcLine: target.SrcLine}, Name: target.Name, Value: value}
		case *ast.Get:
			return &ast.Set{Base: ast.Base{SrcLine: target.SrcLine}, Object: target.Object, Name: target.Name, Value: value}
		default:
			p.errorAt(lexer.Token{Line: eqLine}, "invalid assignment target")
			return expr
		}
	}
	return expr
}

func (p *Parser) or() ast.Expression {
	expr := p.and()
	for p.check(lexer.TokenOr) {
		line := p.cur.Line
		p.advance()
		right := p.and()
		expr = &ast.Logical{Base: ast.Base{SrcLine: line}, Op: "or", Left: expr, Right: right}
	}
	return expr
}

func (p *Parser) and() ast.Expression {
	expr := p.equality()
	for p.check(lexer.TokenAnd) {
		line := p.cur.Line
		p.advance()
		right := p.equality()
		expr = &ast.Logical{Base: ast.Base{SrcLine: line}, Op: "and", Left: expr, Right: right}
	}
	return expr
}

func (p *Parser) equality() ast.Expression {
	expr := p.comparison()
	for p.check(lexer.TokenBangEqual) || p.check(lexer.TokenEqualEqual) {
		op, line := p.cur.Literal, p.cur.Line
		p.advance()
		right := p.comparison()
		expr = &ast.BinOp{Base: ast.Base{SrcLine: line}, Op: op, Left: expr, Right: right}
	}
	return expr
}

func (p *Parser) comparison() ast.Expression {
	expr := p.term()
	for p.check(lexer.TokenGreater) || p.check(lexer.TokenGreaterEqual) ||
		p.check(lexer.TokenLess) || p.check(lexer.TokenLessEqual) {
		op, line := p.cur.Literal, p.cur.Line
		p.advance()
		right := p.term()
		expr = &ast.BinOp{Base: ast.Base{SrcLine: line}, Op: op, Left: expr, Right: right}
	}
	return expr
}

func (p *Parser) term() ast.Expression {
	expr := p.factor()
	for p.check(lexer.TokenPlus) || p.check(lexer.TokenMinus) {
		op, line := p.cur.Literal, p.cur.Line
		p.advance()
		right := p.factor()
		expr = &ast.BinOp{Base: ast.Base{SrcLine: line}, Op: op, Left: expr, Right: right}
	}
	return expr
}

func (p *Parser) factor() ast.Expression {
	expr := p.unary()
	for p.check(lexer.TokenStar) || p.check(lexer.TokenSlash) {
		op, line := p.cur.Literal, p.cur.Line
		p.advance()
		right := p.unary()
		expr = &ast.BinOp{Base: ast.Base{SrcLine: line}, Op: op, Left: expr, Right: right}
	}
	return expr
}

func (p *Parser) unary() ast.Expression {
	if p.check(lexer.TokenBang) || p.check(lexer.TokenMinus) {
		op, line := p.cur.Literal, p.cur.Line
		p.advance()
		operand := p.unary()
		return &ast.Unary{Base: ast.Base{SrcLine: line}, Op: op, Operand: operand}
	}
	return p.call()
}

func (p *Parser) call() ast.Expression {
	expr := p.primary()
	for {
		switch {
		case p.match(lexer.TokenLParen):
			expr = p.finishCall(expr)
		case p.match(lexer.TokenDot):
			tok := p.expect(lexer.TokenIdentifier, "expected property name after '.'")
			expr = &ast.Get{Base: ast.Base{SrcLine: tok.Line}, Object: expr, Name: tok.Literal}
		default:
			return expr
		}
	}
}

func (p *Parser) finishCall(callee ast.Expression) ast.Expression {
	line := p.cur.Line
	var args []ast.Expression
	if !p.check(lexer.TokenRParen) {
		for {
			args = append(args, p.expression())
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.expect(lexer.TokenRParen, "expected ')' after arguments")
	return &ast.Call{Base: ast.Base{SrcLine: line}, Callee: callee, Args: args}
}

func (p *Parser) primary() ast.Expression {
	tok := p.cur
	switch {
	case p.match(lexer.TokenFalse):
		return &ast.Literal{Base: ast.Base{SrcLine: tok.Line}, Value: false}
	case p.match(lexer.TokenTrue):
		return &ast.Literal{Base: ast.Base{SrcLine: tok.Line}, Value: true}
	case p.match(lexer.TokenNil):
		return &ast.Literal{Base: ast.Base{SrcLine: tok.Line}, Value: nil}
	case p.match(lexer.TokenNumber):
		var n float64
		fmt.Sscanf(tok.Literal, "%g", &n)
		return &ast.Literal{Base: ast.Base{SrcLine: tok.Line}, Value: n}
	case p.match(lexer.TokenString):
		return &ast.Literal{Base: ast.Base{SrcLine: tok.Line}, Value: tok.Literal}
	case p.match(lexer.TokenThis):
		return &ast.This{Base: ast.Base{SrcLine: tok.Line}}
	case p.match(lexer.TokenSuper):
		p.expect(lexer.TokenDot, "expected '.' after 'super'")
		method := p.expect(lexer.TokenIdentifier, "expected superclass method name")
		return &ast.Super{Base: ast.Base{SrcLine: tok.Line}, Method: method.Literal}
	case p.match(lexer.TokenIdentifier):
		return &ast.Variable{Base: ast.Base{SrcLine: tok.Line}, Name: tok.Literal}
	case p.match(lexer.TokenFun):
		params, body := p.functionTail()
		return &ast.Lambda{Base: ast.Base{SrcLine: tok.Line}, Params: params, Body: body}
	case p.match(lexer.TokenLParen):
		inner := p.expression()
		p.expect(lexer.TokenRParen, "expected ')' after expression")
		return &ast.Grouping{Base: ast.Base{SrcLine: tok.Line}, Inner: inner}
	default:
		p.errorAt(tok, "expected expression")
		p.advance()
		return &ast.Literal{Base: ast.Base{SrcLine: tok.Line}, Value: nil}
	}
}
