package heap

import (
	"fmt"

	"github.com/kristofer/loxvm/pkg/bytecode"
)

// Value is the universal runtime datum: a float64 (Number), a string
// (String), a bool (Boolean), nil (Nil), *NativeFunction, UniqueRoot
// wrapping a *FunctionSpec (Closure), or Root wrapping *Class, *Instance,
// or *BoundMethod.
type Value interface{}

// IsTruthy applies Lox's truthiness rule: only false and nil are falsy.
func IsTruthy(v Value) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

// Equal is structural (in)equality, never an error: operands of different
// dynamic types are simply unequal.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case Root:
		bv, ok := b.(Root)
		return ok && av.b == bv.b
	case UniqueRoot:
		bv, ok := b.(UniqueRoot)
		return ok && av.b == bv.b
	case *NativeFunction:
		bv, ok := b.(*NativeFunction)
		return ok && av == bv
	default:
		return false
	}
}

// Stringify renders v the way the Print opcode hands it to the host sink.
func Stringify(v Value) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return formatNumber(t)
	case string:
		return t
	case *NativeFunction:
		return fmt.Sprintf("<native fn %s>", t.Name)
	case UniqueRoot:
		spec := t.Get().(*FunctionSpec)
		if spec.Name == "" {
			return "<script>"
		}
		return fmt.Sprintf("<fn %s>", spec.Name)
	case Root:
		switch obj := t.Get().(type) {
		case *Class:
			return obj.Name
		case *Instance:
			return obj.Class.Get().(*Class).Name + " instance"
		case *BoundMethod:
			spec := obj.Method.Get().(*FunctionSpec)
			return fmt.Sprintf("<bound method %s>", spec.Name)
		}
	}
	return "<value>"
}

func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%g", n)
}

// FunctionKind distinguishes a top-level script frame from the compiled
// functions, methods, and initializers nested inside it; Return's
// Initializer substitution keys off this. The resolver tracks function
// kinds with its own type.
type FunctionKind int

const (
	KindScript FunctionKind = iota
	KindFunction
	KindMethod
	KindInitializer
	KindLambda
)

// Local mirrors one compile-time local-variable slot, kept on FunctionSpec
// so the compiler can resolve names to slots and test whether a slot was
// captured by a closure.
type Local struct {
	Name     string
	Depth    int
	Captured bool
}

// UpvalueDesc is a compile-time description of where a closure should find
// one of its captured variables: either slot Index in the immediately
// enclosing function's stack window (FromLocal true), or upvalue Index of
// that enclosing function itself (FromLocal false, chaining through
// nested frames).
type UpvalueDesc struct {
	Index     int
	FromLocal bool
}

// FunctionSpec is the compiled, immutable form of one function, method, or
// script body, together with the per-instantiation upvalue handles a
// Closure opcode populates. It is allocated as a heap.UniqueRoot: every
// instantiation clones it, sharing the compile-time fields (Chunk, Locals,
// UpvalueDescs) by reference but always starting with a fresh, empty
// Upvalues list so that one closure's captures never alias another's.
type FunctionSpec struct {
	Arity        int
	Chunk        *bytecode.Chunk
	Name         string
	Kind         FunctionKind
	Locals       []Local
	UpvalueDescs []UpvalueDesc

	// Upvalues is populated by the Closure opcode handler, one handle per
	// entry in UpvalueDescs, immediately after instantiation.
	Upvalues []Root
}

func (f *FunctionSpec) Trace(h *Heap) {
	for _, uv := range f.Upvalues {
		uv.Trace(h)
	}
}

// DeepClone produces a fresh instantiation sharing compile-time fields by
// reference and starting with an empty Upvalues list, per FunctionSpec's
// own doc comment.
func (f *FunctionSpec) DeepClone(h *Heap) Traceable {
	return &FunctionSpec{
		Arity:        f.Arity,
		Chunk:        f.Chunk,
		Name:         f.Name,
		Kind:         f.Kind,
		Locals:       f.Locals,
		UpvalueDescs: f.UpvalueDescs,
		Upvalues:     make([]Root, 0, len(f.UpvalueDescs)),
	}
}

// Upvalue is a captured-variable cell. While Open it points at a live
// stack slot in an ancestor frame; CloseUpvalue converts it to Closed,
// copying the value out so it survives the frame popping. The transition
// is one-way.
type Upvalue struct {
	Open      bool
	StackSlot int // valid while Open
	Closed    Value
}

func (u *Upvalue) Trace(h *Heap) {
	if !u.Open {
		if r, ok := u.Closed.(Root); ok {
			r.Trace(h)
		} else if ur, ok := u.Closed.(UniqueRoot); ok {
			ur.Trace(h)
		}
	}
}

// NativeFunction is a host-provided builtin exposed as a callable Value,
// such as clock.
type NativeFunction struct {
	Name  string
	Arity int
	Fn    func(args []Value) (Value, error)
}

func (*NativeFunction) Trace(h *Heap) {}

// Class is a runtime class object: a name and a method table. Inherit
// copies every entry from a parent's table that the child does not
// already define.
type Class struct {
	Name    string
	Methods map[string]Value // method name -> Closure (UniqueRoot[*FunctionSpec])
}

func NewClass(name string) *Class {
	return &Class{Name: name, Methods: map[string]Value{}}
}

func (c *Class) Trace(h *Heap) {
	for _, m := range c.Methods {
		if ur, ok := m.(UniqueRoot); ok {
			ur.Trace(h)
		}
	}
}

// Instance is a runtime object: a reference to its Class plus a field
// table. GetProperty checks fields before falling back to a bound method
// from the class.
type Instance struct {
	Class  Root // *Class
	Fields map[string]Value
}

func NewInstance(class Root) *Instance {
	return &Instance{Class: class, Fields: map[string]Value{}}
}

func (i *Instance) Trace(h *Heap) {
	i.Class.Trace(h)
	for _, v := range i.Fields {
		traceValue(h, v)
	}
}

// BoundMethod pairs a receiver Instance with the Closure GetProperty or
// GetSuper resolved for it, so a later Call pushes the receiver into slot
// 0 as `this` without the caller having to know that.
type BoundMethod struct {
	Receiver Root       // *Instance
	Method   UniqueRoot // *FunctionSpec
}

func (b *BoundMethod) Trace(h *Heap) {
	b.Receiver.Trace(h)
	b.Method.Trace(h)
}

// traceValue marks v's heap handle, if it has one; Numbers, Strings,
// Booleans, Nil, and native functions own no heap allocation to trace.
func traceValue(h *Heap, v Value) {
	switch t := v.(type) {
	case Root:
		t.Trace(h)
	case UniqueRoot:
		t.Trace(h)
	}
}
