// Package vm implements the stack-based virtual machine described in
// spec.md §4.4: a fetch-decode-execute loop over a call-frame stack, an
// operand stack, a globals table, an open-upvalue list, and the
// constant pool the compiler built.
//
// Pipeline:
//
//	Source -> lexer -> parser -> resolver -> compiler -> bytecode -> VM
//
// The VM owns the heap (pkg/heap): it is the only caller of Allocate/
// AllocateUnique, and it drives collection between opcode dispatches via
// Heap.MaybeCollect, never mid-opcode (spec.md §5 "Safe points").
//
// Observable effects — prints and errors — only ever flow through the
// injected host.Interface; the VM never touches stdout/stderr/the clock
// directly.
package vm

import (
	"github.com/kristofer/loxvm/pkg/bytecode"
	"github.com/kristofer/loxvm/pkg/heap"
	"github.com/kristofer/loxvm/pkg/host"

	"golang.org/x/exp/slices"
)

// callFrame is one entry of the call-frame stack: the executing closure,
// its instruction pointer into that closure's chunk, and the index into
// the operand stack where its local window begins.
type callFrame struct {
	closure  heap.UniqueRoot // *heap.FunctionSpec
	ip       int
	slotBase int
}

// VM executes compiled chunks against a shared heap and host.
type VM struct {
	stack        []heap.Value
	frames       []callFrame
	globals      map[string]heap.Value
	openUpvalues []heap.Root // *heap.Upvalue, kept sorted descending by stack slot
	constants    []heap.Value
	heap         *heap.Heap
	host         host.Interface
}

// New creates a VM over constants (the compiler's shared constant pool)
// using h as the managed heap and sink as the print/time/error boundary.
// The built-in native `clock` is bound into globals immediately, per
// spec.md §6.
func New(constants []heap.Value, h *heap.Heap, sink host.Interface) *VM {
	vm := &VM{
		globals:   map[string]heap.Value{},
		constants: constants,
		heap:      h,
		host:      sink,
	}
	vm.globals["clock"] = &heap.NativeFunction{
		Name:  "clock",
		Arity: 0,
		Fn: func(args []heap.Value) (heap.Value, error) {
			return vm.host.Time(), nil
		},
	}
	return vm
}

// SetConstants replaces the constant pool the next Run call reads from,
// used by a REPL that compiles one line at a time against a single
// persistent VM.
func (vm *VM) SetConstants(constants []heap.Value) {
	vm.constants = constants
}

// Constants returns the VM's current constant pool, so a caller compiling
// another chunk against this VM (a REPL compiling one line at a time) can
// seed the compiler with it and keep operand indices from colliding with
// constants earlier chunks already reference.
func (vm *VM) Constants() []heap.Value {
	return vm.constants
}

// TraceRoots implements heap.RootSource: the operand stack, globals,
// call frames (via their closures), the open-upvalue list, and the
// constant pool are all GC roots, per spec.md §4.3.
func (vm *VM) TraceRoots(h *heap.Heap) {
	for _, v := range vm.stack {
		traceVMValue(h, v)
	}
	for _, v := range vm.globals {
		traceVMValue(h, v)
	}
	for i := range vm.frames {
		vm.frames[i].closure.Trace(h)
	}
	for _, u := range vm.openUpvalues {
		u.Trace(h)
	}
	for _, v := range vm.constants {
		traceVMValue(h, v)
	}
}

func traceVMValue(h *heap.Heap, v heap.Value) {
	switch t := v.(type) {
	case heap.Root:
		t.Trace(h)
	case heap.UniqueRoot:
		t.Trace(h)
	}
}

// Run executes script (the compiler's top-level Script FunctionSpec) to
// completion (an Exit opcode) or until a RuntimeError occurs.
func (vm *VM) Run(script *heap.FunctionSpec) error {
	scriptClosure := vm.heap.AllocateUnique(script)
	vm.push(scriptClosure)
	vm.frames = append(vm.frames, callFrame{closure: scriptClosure, slotBase: 0})

	for {
		vm.heap.MaybeCollect(vm)

		frame := &vm.frames[len(vm.frames)-1]
		spec := frame.closure.Get().(*heap.FunctionSpec)
		instr := spec.Chunk.Code[frame.ip]
		frame.ip++

		switch instr.Op {
		case bytecode.Exit:
			vm.frames = vm.frames[:0]
			vm.stack = vm.stack[:0]
			return nil

		case bytecode.Constant:
			vm.push(vm.constants[instr.Operand])
		case bytecode.NilVal:
			vm.push(nil)
		case bytecode.StackPop:
			vm.pop()

		case bytecode.Negate:
			n, ok := vm.pop().(float64)
			if !ok {
				return vm.runtimeErr("operand must be a number")
			}
			vm.push(-n)
		case bytecode.Not:
			vm.push(!heap.IsTruthy(vm.pop()))

		case bytecode.Add:
			if err := vm.binaryAdd(); err != nil {
				return err
			}
		case bytecode.Subtract:
			if err := vm.binaryNumeric(func(l, r float64) heap.Value { return l - r }); err != nil {
				return err
			}
		case bytecode.Multiply:
			if err := vm.binaryNumeric(func(l, r float64) heap.Value { return l * r }); err != nil {
				return err
			}
		case bytecode.Divide:
			if r, ok := vm.peek(0).(float64); ok && r == 0 {
				return vm.runtimeErr("division by zero")
			}
			if err := vm.binaryNumeric(func(l, r float64) heap.Value { return l / r }); err != nil {
				return err
			}
		case bytecode.GreaterThan:
			if err := vm.binaryNumeric(func(l, r float64) heap.Value { return l > r }); err != nil {
				return err
			}
		case bytecode.GreaterThanEq:
			if err := vm.binaryNumeric(func(l, r float64) heap.Value { return l >= r }); err != nil {
				return err
			}
		case bytecode.LesserThan:
			if err := vm.binaryNumeric(func(l, r float64) heap.Value { return l < r }); err != nil {
				return err
			}
		case bytecode.LesserThanEq:
			if err := vm.binaryNumeric(func(l, r float64) heap.Value { return l <= r }); err != nil {
				return err
			}
		case bytecode.EqualTo:
			r, l := vm.pop(), vm.pop()
			vm.push(heap.Equal(l, r))
		case bytecode.NotEqualTo:
			r, l := vm.pop(), vm.pop()
			vm.push(!heap.Equal(l, r))

		case bytecode.Print:
			vm.host.Print(vm.pop())

		case bytecode.DefineGlobal:
			name := vm.constants[instr.Operand].(string)
			vm.globals[name] = vm.peek(0)
		case bytecode.GetGlobal:
			name := vm.constants[instr.Operand].(string)
			v, ok := vm.globals[name]
			if !ok {
				return vm.runtimeErr("undefined variable '%s'", name)
			}
			vm.push(v)
		case bytecode.SetGlobal:
			name := vm.constants[instr.Operand].(string)
			if _, ok := vm.globals[name]; !ok {
				return vm.runtimeErr("undefined variable '%s'", name)
			}
			vm.globals[name] = vm.peek(0)

		case bytecode.GetLocal:
			vm.push(vm.stack[frame.slotBase+instr.Operand])
		case bytecode.SetLocal:
			vm.stack[frame.slotBase+instr.Operand] = vm.peek(0)

		case bytecode.GetUpvalue:
			up := vm.upvalueAt(frame, instr.Operand)
			if up.Open {
				vm.push(vm.stack[up.StackSlot])
			} else {
				vm.push(up.Closed)
			}
		case bytecode.SetUpvalue:
			up := vm.upvalueAt(frame, instr.Operand)
			if up.Open {
				vm.stack[up.StackSlot] = vm.peek(0)
			} else {
				up.Closed = vm.peek(0)
			}

		case bytecode.JumpIfFalse:
			b, ok := vm.peek(0).(bool)
			if !ok {
				return vm.runtimeErr("condition must be a boolean")
			}
			if !b {
				frame.ip = instr.Operand
			}
		case bytecode.Jump:
			frame.ip = instr.Operand

		case bytecode.Call:
			if err := vm.call(instr.Operand); err != nil {
				return err
			}
		case bytecode.Closure:
			vm.makeClosure(frame, instr.Operand)
		case bytecode.Return:
			done, err := vm.doReturn()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case bytecode.CloseUpvalue:
			vm.closeUpvaluesFrom(len(vm.stack) - 1)
			vm.pop()

		case bytecode.ClassDef:
			name := vm.constants[instr.Operand].(string)
			vm.push(vm.heap.Allocate(heap.NewClass(name)))
		case bytecode.Inherit:
			if err := vm.inherit(); err != nil {
				return err
			}
		case bytecode.MethodDef:
			name := vm.constants[instr.Operand].(string)
			vm.defineMethod(name)
		case bytecode.GetProperty:
			name := vm.constants[instr.Operand].(string)
			if err := vm.getProperty(name); err != nil {
				return err
			}
		case bytecode.SetProperty:
			name := vm.constants[instr.Operand].(string)
			if err := vm.setProperty(name); err != nil {
				return err
			}
		case bytecode.GetSuper:
			name := vm.constants[instr.Operand].(string)
			if err := vm.getSuper(name); err != nil {
				return err
			}
		}
	}
}

func (vm *VM) push(v heap.Value) { vm.stack = append(vm.stack, v) }

func (vm *VM) pop() heap.Value {
	n := len(vm.stack) - 1
	v := vm.stack[n]
	vm.stack = vm.stack[:n]
	return v
}

func (vm *VM) peek(distance int) heap.Value {
	return vm.stack[len(vm.stack)-1-distance]
}

func (vm *VM) binaryAdd() error {
	r, l := vm.pop(), vm.pop()
	if lf, ok := l.(float64); ok {
		if rf, ok := r.(float64); ok {
			vm.push(lf + rf)
			return nil
		}
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			vm.push(ls + rs)
			return nil
		}
	}
	return vm.runtimeErr("operands must be two numbers or two strings")
}

func (vm *VM) binaryNumeric(op func(l, r float64) heap.Value) error {
	r, ok1 := vm.pop().(float64)
	l, ok2 := vm.pop().(float64)
	if !ok1 || !ok2 {
		return vm.runtimeErr("operands must be numbers")
	}
	vm.push(op(l, r))
	return nil
}

// upvalueAt resolves upvalue index u of the function running in frame.
func (vm *VM) upvalueAt(frame *callFrame, u int) *heap.Upvalue {
	spec := frame.closure.Get().(*heap.FunctionSpec)
	return spec.Upvalues[u].Get().(*heap.Upvalue)
}

// call dispatches the callee n slots below the current stack top (with n
// arguments already above it), per spec.md §4.4 "Call dispatch".
func (vm *VM) call(n int) error {
	base := len(vm.stack) - n - 1
	callee := vm.stack[base]

	switch c := callee.(type) {
	case heap.UniqueRoot:
		spec, ok := c.Get().(*heap.FunctionSpec)
		if !ok {
			return vm.runtimeErr("can only call functions and classes")
		}
		if spec.Arity != n {
			return vm.runtimeErr("expected %d arguments but got %d", spec.Arity, n)
		}
		vm.frames = append(vm.frames, callFrame{closure: c, slotBase: base})
		return nil

	case *heap.NativeFunction:
		if c.Arity != n {
			return vm.runtimeErr("expected %d arguments but got %d", c.Arity, n)
		}
		result, err := c.Fn(vm.stack[base+1:])
		if err != nil {
			return vm.runtimeErr("%v", err)
		}
		vm.stack = vm.stack[:base]
		vm.push(result)
		return nil

	case heap.Root:
		switch obj := c.Get().(type) {
		case *heap.Class:
			instance := vm.heap.Allocate(heap.NewInstance(c))
			vm.stack[base] = instance
			if initVal, ok := obj.Methods["init"]; ok {
				initClosure := initVal.(heap.UniqueRoot)
				spec := initClosure.Get().(*heap.FunctionSpec)
				if spec.Arity != n {
					return vm.runtimeErr("expected %d arguments but got %d", spec.Arity, n)
				}
				vm.frames = append(vm.frames, callFrame{closure: initClosure, slotBase: base})
				return nil
			}
			if n != 0 {
				return vm.runtimeErr("expected 0 arguments but got %d", n)
			}
			return nil
		case *heap.BoundMethod:
			spec := obj.Method.Get().(*heap.FunctionSpec)
			if spec.Arity != n {
				return vm.runtimeErr("expected %d arguments but got %d", spec.Arity, n)
			}
			vm.stack[base] = obj.Receiver
			vm.frames = append(vm.frames, callFrame{closure: obj.Method, slotBase: base})
			return nil
		}
	}
	return vm.runtimeErr("can only call functions and classes")
}

// makeClosure instantiates constants[idx] (a *heap.FunctionSpec template)
// into a fresh Closure, populating one upvalue handle per compile-time
// descriptor, per spec.md §4.4 "Open-upvalue management".
func (vm *VM) makeClosure(frame *callFrame, idx int) {
	tmpl := vm.constants[idx].(*heap.FunctionSpec)
	cloned := tmpl.DeepClone(vm.heap).(*heap.FunctionSpec)

	enclosing := frame.closure.Get().(*heap.FunctionSpec)
	for _, desc := range cloned.UpvalueDescs {
		if desc.FromLocal {
			cloned.Upvalues = append(cloned.Upvalues, vm.captureUpvalue(frame.slotBase+desc.Index))
		} else {
			cloned.Upvalues = append(cloned.Upvalues, enclosing.Upvalues[desc.Index])
		}
	}
	vm.push(vm.heap.AllocateUnique(cloned))
}

// captureUpvalue reuses an existing Open upvalue pointing at stackIdx if
// one is already in the open list, else allocates a new one and inserts
// it keeping the list sorted descending by stack slot (spec.md §4.4's
// "a stricter implementation may maintain it sorted" allowance).
func (vm *VM) captureUpvalue(stackIdx int) heap.Root {
	for _, u := range vm.openUpvalues {
		up := u.Get().(*heap.Upvalue)
		if up.Open && up.StackSlot == stackIdx {
			return u
		}
	}
	root := vm.heap.Allocate(&heap.Upvalue{Open: true, StackSlot: stackIdx})
	vm.openUpvalues = append(vm.openUpvalues, root)
	slices.SortFunc(vm.openUpvalues, func(a, b heap.Root) int {
		return b.Get().(*heap.Upvalue).StackSlot - a.Get().(*heap.Upvalue).StackSlot
	})
	return root
}

// closeUpvaluesFrom converts every Open upvalue at or above stackIdx into
// Closed, copying the stack value out, and drops it from the open list.
func (vm *VM) closeUpvaluesFrom(stackIdx int) {
	kept := vm.openUpvalues[:0]
	for _, u := range vm.openUpvalues {
		up := u.Get().(*heap.Upvalue)
		if up.Open && up.StackSlot >= stackIdx {
			up.Closed = vm.stack[up.StackSlot]
			up.Open = false
			continue
		}
		kept = append(kept, u)
	}
	vm.openUpvalues = kept
}

// doReturn implements spec.md §4.4's Return opcode. It reports done=true
// once the outermost (script) frame itself returns.
func (vm *VM) doReturn() (done bool, err error) {
	result := vm.pop()
	frame := vm.frames[len(vm.frames)-1]
	spec := frame.closure.Get().(*heap.FunctionSpec)

	vm.closeUpvaluesFrom(frame.slotBase)

	if spec.Kind == heap.KindInitializer {
		result = vm.stack[frame.slotBase]
	}

	vm.stack = vm.stack[:frame.slotBase]
	vm.frames = vm.frames[:len(vm.frames)-1]
	if len(vm.frames) == 0 {
		return true, nil
	}
	vm.push(result)
	return false, nil
}

func (vm *VM) inherit() error {
	childVal := vm.pop()
	parentRoot, ok := vm.peek(0).(heap.Root)
	if !ok {
		return vm.runtimeErr("superclass must be a class")
	}
	parent, ok := parentRoot.Get().(*heap.Class)
	if !ok {
		return vm.runtimeErr("superclass must be a class")
	}
	child := childVal.(heap.Root).Get().(*heap.Class)
	for name, m := range parent.Methods {
		if _, exists := child.Methods[name]; !exists {
			child.Methods[name] = m
		}
	}
	vm.push(childVal)
	return nil
}

func (vm *VM) defineMethod(name string) {
	method := vm.pop()
	class := vm.peek(0).(heap.Root).Get().(*heap.Class)
	class.Methods[name] = method
}

func (vm *VM) getProperty(name string) error {
	instVal := vm.pop()
	instRoot, ok := instVal.(heap.Root)
	if !ok {
		return vm.runtimeErr("only instances have properties")
	}
	inst, ok := instRoot.Get().(*heap.Instance)
	if !ok {
		return vm.runtimeErr("only instances have properties")
	}
	if v, ok := inst.Fields[name]; ok {
		vm.push(v)
		return nil
	}
	class := inst.Class.Get().(*heap.Class)
	method, ok := class.Methods[name]
	if !ok {
		return vm.runtimeErr("undefined property '%s'", name)
	}
	bound := &heap.BoundMethod{Receiver: instRoot, Method: method.(heap.UniqueRoot)}
	vm.push(vm.heap.Allocate(bound))
	return nil
}

func (vm *VM) setProperty(name string) error {
	value := vm.pop()
	instVal := vm.pop()
	instRoot, ok := instVal.(heap.Root)
	if !ok {
		return vm.runtimeErr("only instances have fields")
	}
	inst, ok := instRoot.Get().(*heap.Instance)
	if !ok {
		return vm.runtimeErr("only instances have fields")
	}
	inst.Fields[name] = value
	vm.push(value)
	return nil
}

func (vm *VM) getSuper(name string) error {
	superVal := vm.pop()
	instVal := vm.pop()
	superRoot, ok := superVal.(heap.Root)
	if !ok {
		return vm.runtimeErr("superclass must be a class")
	}
	superClass, ok := superRoot.Get().(*heap.Class)
	if !ok {
		return vm.runtimeErr("superclass must be a class")
	}
	method, ok := superClass.Methods[name]
	if !ok {
		return vm.runtimeErr("undefined property '%s'", name)
	}
	bound := &heap.BoundMethod{Receiver: instVal.(heap.Root), Method: method.(heap.UniqueRoot)}
	vm.push(vm.heap.Allocate(bound))
	return nil
}

// currentLine is the source line active in the top frame, for error
// reporting.
func (vm *VM) currentLine() int {
	frame := vm.frames[len(vm.frames)-1]
	spec := frame.closure.Get().(*heap.FunctionSpec)
	if frame.ip == 0 {
		return 0
	}
	return spec.Chunk.Code[frame.ip-1].Line
}

func (vm *VM) captureStackTrace() []StackFrame {
	trace := make([]StackFrame, 0, len(vm.frames))
	for i := len(vm.frames) - 1; i >= 0; i-- {
		frame := vm.frames[i]
		spec := frame.closure.Get().(*heap.FunctionSpec)
		name := spec.Name
		if name == "" {
			if spec.Kind == heap.KindScript {
				name = "<script>"
			} else {
				name = "<anonymous>"
			}
		}
		line := 0
		if frame.ip > 0 {
			line = spec.Chunk.Code[frame.ip-1].Line
		}
		trace = append(trace, StackFrame{Name: name, Line: line})
	}
	return trace
}

func (vm *VM) runtimeErr(format string, args ...any) *RuntimeError {
	return newRuntimeError(vm.currentLine(), vm.captureStackTrace(), format, args...)
}
