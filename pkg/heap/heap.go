// Package heap implements the tracing mark-and-sweep garbage collector that
// owns every runtime object the virtual machine allocates: Closures,
// FunctionSpecs, Classes, Instances, BoundMethods, and Upvalues.
//
// Two root kinds are exposed, mirroring the two aliasing disciplines the VM
// needs:
//
//   - Root is a shared handle: every clone of a Root observes the same
//     underlying object, so mutations through one are visible through all.
//     Classes, Instances, BoundMethods, and Upvalues are shared roots —
//     an Instance's identity and its live field mutations must be visible
//     to every reference that was handed the same instance.
//
//   - UniqueRoot's Clone is a deep copy: cloning allocates a fresh backing
//     object. FunctionSpec is a unique root, because each time a Closure
//     opcode instantiates a function, the new closure needs its own
//     upvalue-handle list so captures from one call do not alias captures
//     from another — while the compile-time chunk, locals table, and
//     upvalue descriptor list are identical across instantiations and so
//     are carried over by reference, not duplicated.
//
// A collection cycle walks from an explicit root set (see Heap.Collect),
// marking everything reachable, then sweeps every allocation whose mark bit
// is still clear. It may only be invoked between opcode dispatches, never
// mid-opcode — see pkg/vm, which is the sole caller.
package heap

// Traceable is implemented by every heap-managed object. Trace must mark
// itself (if it is itself a Root/UniqueRoot) and recurse into every
// reachable child, so the collector can walk the object graph without
// knowing concrete types.
type Traceable interface {
	Trace(h *Heap)
}

// DeepCloner is implemented by objects allocated as UniqueRoot. DeepClone
// produces the independent copy a UniqueRoot clone requires.
type DeepCloner interface {
	DeepClone(h *Heap) Traceable
}

type blob struct {
	data   Traceable
	marked bool
}

func (b *blob) mark()          { b.marked = true }
func (b *blob) unmark()        { b.marked = false }
func (b *blob) isMarked() bool { return b.marked }

// Root is a shared handle to a heap-allocated object: all copies of a Root
// value reference the same blob, hence the same object.
type Root struct{ b *blob }

// Get returns the referenced object. Callers type-assert to the concrete
// type they expect (*Class, *Instance, *BoundMethod, *Upvalue, ...).
func (r Root) Get() Traceable { return r.b.data }

// Valid reports whether r references an object (the zero Root does not).
func (r Root) Valid() bool { return r.b != nil }

// Trace marks r's blob and, the first time it is seen in a collection
// cycle, recurses into the object it holds.
func (r Root) Trace(h *Heap) {
	if r.b == nil || r.b.isMarked() {
		return
	}
	r.b.mark()
	r.b.data.Trace(h)
}

// UniqueRoot is a handle to a heap-allocated object whose Clone deep-copies
// the referenced object rather than aliasing it.
type UniqueRoot struct{ b *blob }

// Get returns the referenced object.
func (u UniqueRoot) Get() Traceable { return u.b.data }

// Valid reports whether u references an object.
func (u UniqueRoot) Valid() bool { return u.b != nil }

// Trace marks u's blob and recurses into the object it holds.
func (u UniqueRoot) Trace(h *Heap) {
	if u.b == nil || u.b.isMarked() {
		return
	}
	u.b.mark()
	u.b.data.Trace(h)
}

// RootSource is implemented by anything the collector walks to discover the
// live root set: the VM supplies its operand stack, globals, call frames,
// open-upvalue list, and constant pool.
type RootSource interface {
	TraceRoots(h *Heap)
}

// Heap owns every managed allocation behind type-erased blobs.
type Heap struct {
	objects      []*blob
	allocsSince  int
	stressMode   bool // collect on every allocation; used by tests
	allocThresh  int
	lastLiveSize int
}

// New creates an empty Heap. allocThreshold is the number of MaybeCollect
// calls (one per opcode dispatch in pkg/vm) between automatic collections;
// 0 disables automatic collection (the caller must call Collect explicitly).
func New(allocThreshold int) *Heap {
	return &Heap{allocThresh: allocThreshold}
}

// NewStress creates a Heap that collects on every MaybeCollect call,
// intended for GC-soundness tests that want maximal collection pressure.
func NewStress() *Heap {
	return &Heap{stressMode: true}
}

// Allocate registers v as a new shared-root object and returns its handle.
func (h *Heap) Allocate(v Traceable) Root {
	b := &blob{data: v}
	h.objects = append(h.objects, b)
	return Root{b: b}
}

// AllocateUnique registers v as a new unique-root object and returns its
// handle.
func (h *Heap) AllocateUnique(v Traceable) UniqueRoot {
	b := &blob{data: v}
	h.objects = append(h.objects, b)
	return UniqueRoot{b: b}
}

// CloneShared returns a handle aliasing the same object as r: the defining
// property of a shared root is that this is the entire operation.
func (h *Heap) CloneShared(r Root) Root { return r }

// CloneUnique deep-clones u's object via DeepCloner and registers the
// result as a new allocation, so the clone and the original never alias.
func (h *Heap) CloneUnique(u UniqueRoot) UniqueRoot {
	cloned := u.Get().(DeepCloner).DeepClone(h)
	return h.AllocateUnique(cloned)
}

// MaybeCollect counts one call and runs Collect once the count reaches the
// threshold (or always, in stress mode). The VM calls this between opcode
// dispatches, never mid-opcode.
func (h *Heap) MaybeCollect(roots RootSource) {
	h.allocsSince++
	if h.stressMode || (h.allocThresh > 0 && h.allocsSince >= h.allocThresh) {
		h.Collect(roots)
	}
}

// Collect runs one full mark-and-sweep cycle: clear every mark bit, trace
// from roots to re-mark everything reachable, then drop every allocation
// still unmarked.
func (h *Heap) Collect(roots RootSource) {
	for _, b := range h.objects {
		b.unmark()
	}
	roots.TraceRoots(h)

	survivors := h.objects[:0]
	for _, b := range h.objects {
		if b.isMarked() {
			survivors = append(survivors, b)
		}
	}
	h.objects = survivors
	h.lastLiveSize = len(h.objects)
	h.allocsSince = 0
}

// Live returns the number of surviving allocations after the most recent
// collection, used for diagnostics (see cmd's --gc-stats flag).
func (h *Heap) Live() int { return h.lastLiveSize }

// Allocated returns the current total number of live allocations, whether
// or not a collection has run recently.
func (h *Heap) Allocated() int { return len(h.objects) }
