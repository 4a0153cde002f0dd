package lexer

import "testing"

func TestNextTokenBasics(t *testing.T) {
	src := `var x = 10.5;
print x + "hi";
// a comment
class Foo < Bar { init() { this.x = 1; } }`

	want := []TokenType{
		TokenVar, TokenIdentifier, TokenEqual, TokenNumber, TokenSemicolon,
		TokenPrint, TokenIdentifier, TokenPlus, TokenString, TokenSemicolon,
		TokenClass, TokenIdentifier, TokenLess, TokenIdentifier, TokenLBrace,
		TokenIdentifier, TokenLParen, TokenRParen, TokenLBrace,
		TokenThis, TokenDot, TokenIdentifier, TokenEqual, TokenNumber, TokenSemicolon,
		TokenRBrace, TokenRBrace,
		TokenEOF,
	}

	l := New(src)
	for i, wantType := range want {
		got := l.NextToken()
		if got.Type != wantType {
			t.Fatalf("token %d: want %s, got %s (%q)", i, wantType, got.Type, got.Literal)
		}
	}
}

func TestNextTokenOperators(t *testing.T) {
	l := New("!= == <= >= < > ! = - + / *")
	want := []TokenType{
		TokenBangEqual, TokenEqualEqual, TokenLessEqual, TokenGreaterEqual,
		TokenLess, TokenGreater, TokenBang, TokenEqual, TokenMinus, TokenPlus,
		TokenSlash, TokenStar, TokenEOF,
	}
	for i, wantType := range want {
		got := l.NextToken()
		if got.Type != wantType {
			t.Fatalf("token %d: want %s, got %s", i, wantType, got.Type)
		}
	}
}

func TestNextTokenKeywords(t *testing.T) {
	l := New("and class else false fun for if nil or print return super this true var while break continue")
	want := []TokenType{
		TokenAnd, TokenClass, TokenElse, TokenFalse, TokenFun, TokenFor,
		TokenIf, TokenNil, TokenOr, TokenPrint, TokenReturn, TokenSuper,
		TokenThis, TokenTrue, TokenVar, TokenWhile, TokenBreak, TokenContinue,
		TokenEOF,
	}
	for i, wantType := range want {
		got := l.NextToken()
		if got.Type != wantType {
			t.Fatalf("token %d: want %s, got %s", i, wantType, got.Type)
		}
	}
}

func TestLineTracking(t *testing.T) {
	l := New("var a = 1;\nvar b = 2;\n")
	_ = l.NextToken() // var
	tok := l.NextToken() // a
	if tok.Line != 1 {
		t.Fatalf("want line 1, got %d", tok.Line)
	}
	for tok.Type != TokenSemicolon {
		tok = l.NextToken()
	}
	tok = l.NextToken() // var on line 2
	if tok.Line != 2 {
		t.Fatalf("want line 2, got %d", tok.Line)
	}
}

func TestUnterminatedStringReachesEOF(t *testing.T) {
	l := New(`"unterminated`)
	tok := l.NextToken()
	if tok.Type != TokenString {
		t.Fatalf("want STRING, got %s", tok.Type)
	}
	if tok.Literal != "unterminated" {
		t.Fatalf("want %q, got %q", "unterminated", tok.Literal)
	}
	if l.NextToken().Type != TokenEOF {
		t.Fatalf("want EOF after unterminated string")
	}
}
