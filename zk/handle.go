package zk

import "sync"

// Rights describes the operations a handle permits on its object.
type Rights uint32

const (
	RightDuplicate Rights = 1 << 0
	RightTransfer  Rights = 1 << 1
	RightRead      Rights = 1 << 2
	RightWrite     Rights = 1 << 3
	RightExecute   Rights = 1 << 4
	RightMap       Rights = 1 << 5
	RightDestroy   Rights = 1 << 6

	// RightsDefault is granted to newly created handles.
	RightsDefault = RightDuplicate | RightTransfer | RightRead | RightWrite | RightMap | RightDestroy

	// RightsSame requests the source handle's rights in Duplicate.
	RightsSame Rights = 0
)

// object is the kernel-side state a handle refers to. release is invoked when
// the last handle to the object goes away; for region objects it does NOT
// release the address range (that is what VMAR.Destroy is for).
type object interface {
	kind() string
	retain()
	release()
}

// refcount is embedded by kernel objects to track live handles.
type refcount struct {
	mu sync.Mutex
	n  int
}

func (r *refcount) retain() {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
}

// decref returns true when the count reaches zero.
func (r *refcount) decref() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n--
	return r.n == 0
}

// Handle is an owned capability reference to a kernel object. The zero value
// and nil are invalid handles. A handle becomes invalid after Close or after
// being transferred (for example, written into a channel).
type Handle struct {
	mu     sync.Mutex
	k      *Kernel
	obj    object
	rights Rights
}

func newHandle(k *Kernel, obj object, rights Rights) *Handle {
	obj.retain()
	return &Handle{k: k, obj: obj, rights: rights}
}

// Valid reports whether the handle currently refers to an object.
func (h *Handle) Valid() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.obj != nil
}

// Kernel returns the kernel the handle's object belongs to, or nil for an
// invalid handle.
func (h *Handle) Kernel() *Kernel {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.k
}

// Rights returns the handle's rights.
func (h *Handle) Rights() Rights {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rights
}

// Kind returns the object kind ("process", "vmo", ...) or "" for an invalid
// handle.
func (h *Handle) Kind() string {
	if h == nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.obj == nil {
		return ""
	}
	return h.obj.kind()
}

// Duplicate creates a second handle to the same object. Pass RightsSame to
// copy the source handle's rights.
func (h *Handle) Duplicate(rights Rights) (*Handle, error) {
	if h == nil {
		return nil, StatusBadHandle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.obj == nil {
		return nil, StatusBadHandle
	}
	if h.rights&RightDuplicate == 0 {
		return nil, StatusAccessDenied
	}
	if rights == RightsSame {
		rights = h.rights
	}
	return newHandle(h.k, h.obj, rights), nil
}

// Close invalidates the handle and releases its reference on the object.
// Closing an already invalid handle is a no-op.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	obj := h.obj
	h.obj = nil
	h.mu.Unlock()
	if obj != nil {
		obj.release()
	}
}

// take transfers ownership out of h: it returns a fresh handle to the same
// object with the same rights and invalidates h. Callers must hold the
// transfer right.
func (h *Handle) take() (*Handle, error) {
	if h == nil {
		return nil, StatusBadHandle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.obj == nil {
		return nil, StatusBadHandle
	}
	if h.rights&RightTransfer == 0 {
		return nil, StatusAccessDenied
	}
	moved := &Handle{k: h.k, obj: h.obj, rights: h.rights}
	h.obj = nil
	return moved, nil
}

// restore undoes take: ownership moves from the handle take returned back
// into h. If h was reused in the meantime the extra reference is dropped
// instead.
func (h *Handle) restore(moved *Handle) {
	if h == nil || moved == nil {
		return
	}
	moved.mu.Lock()
	obj := moved.obj
	moved.obj = nil
	moved.mu.Unlock()
	if obj == nil {
		return
	}
	h.mu.Lock()
	if h.obj != nil {
		h.mu.Unlock()
		obj.release()
		return
	}
	h.obj = obj
	h.mu.Unlock()
}

// resolve returns the handle's object if it is valid.
func (h *Handle) resolve() (object, error) {
	if h == nil {
		return nil, StatusBadHandle
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.obj == nil {
		return nil, StatusBadHandle
	}
	return h.obj, nil
}
