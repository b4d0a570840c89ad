package zk

import (
	"fmt"
	"sync"
)

// VmarFlags control region allocation and mapping.
type VmarFlags uint32

const (
	VmarPermRead    VmarFlags = 1 << 0
	VmarPermWrite   VmarFlags = 1 << 1
	VmarPermExecute VmarFlags = 1 << 2

	// VmarSpecific requests placement at the exact offset passed to Allocate
	// or Map instead of letting the kernel choose.
	VmarSpecific VmarFlags = 1 << 3
)

// VmarInfo describes a region's placement.
type VmarInfo struct {
	Base uint64
	Len  uint64
}

// VMAR is a handle to a memory region object: a sub-range of a process
// address space into which mappings and child regions are placed.
//
// Closing a VMAR handle does not release its range. The range stays
// allocated in the parent until Destroy is called.
type VMAR struct {
	*Handle
}

// addressSpace serializes all region operations of one process.
type addressSpace struct {
	mu sync.Mutex
}

type vmarChild struct {
	base, size uint64
	region     *vmarObject // nil for a plain mapping
	name       string
}

type vmarObject struct {
	refcount
	k      *Kernel
	as     *addressSpace
	parent *vmarObject
	name   string

	base, size uint64
	destroyed  bool
	children   []*vmarChild // sorted by base
	mappedVMOs []*vmoObject
}

func (*vmarObject) kind() string { return "vmar" }
func (v *vmarObject) release()   { v.decref() }

func newRootVMAR(k *Kernel, as *addressSpace, name string) (*VMAR, *vmarObject) {
	obj := &vmarObject{
		k:    k,
		as:   as,
		name: name,
		base: k.userBase,
		size: k.userTop - k.userBase,
	}
	return &VMAR{Handle: newHandle(k, obj, RightsDefault)}, obj
}

func (v *VMAR) o() (*vmarObject, error) {
	obj, err := v.resolve()
	if err != nil {
		return nil, err
	}
	vo, ok := obj.(*vmarObject)
	if !ok {
		return nil, StatusWrongType
	}
	return vo, nil
}

// AsVMAR wraps a generic handle that refers to a region object.
func AsVMAR(h *Handle) (*VMAR, error) {
	if h.Kind() != "vmar" {
		return nil, StatusWrongType
	}
	return &VMAR{Handle: h}, nil
}

// Info returns the region's base address and length.
func (v *VMAR) Info() (VmarInfo, error) {
	vo, err := v.o()
	if err != nil {
		return VmarInfo{}, err
	}
	vo.as.mu.Lock()
	defer vo.as.mu.Unlock()
	if vo.destroyed {
		return VmarInfo{}, StatusBadState
	}
	return VmarInfo{Base: vo.base, Len: vo.size}, nil
}

// Allocate creates a child region of the given size. With VmarSpecific the
// child is placed exactly at base+offset; otherwise the kernel picks the
// lowest free page-aligned range. Returns the child region and its base.
func (v *VMAR) Allocate(offset, size uint64, flags VmarFlags) (*VMAR, uint64, error) {
	vo, err := v.o()
	if err != nil {
		return nil, 0, err
	}
	vo.as.mu.Lock()
	defer vo.as.mu.Unlock()

	base, err := vo.placeLocked(offset, size, flags)
	if err != nil {
		return nil, 0, err
	}
	child := &vmarObject{
		k:      vo.k,
		as:     vo.as,
		parent: vo,
		name:   "child",
		base:   base,
		size:   vo.k.PageAlign(size),
	}
	vo.insertLocked(&vmarChild{base: child.base, size: child.size, region: child, name: child.name})
	return &VMAR{Handle: newHandle(vo.k, child, RightsDefault)}, base, nil
}

// Map maps length bytes of vmo starting at vmoOffset into the region.
// Placement follows the same rules as Allocate. Returns the mapped base.
func (v *VMAR) Map(offset uint64, vmo *VMO, vmoOffset, length uint64, flags VmarFlags) (uint64, error) {
	vo, err := v.o()
	if err != nil {
		return 0, err
	}
	mo, err := vmo.o()
	if err != nil {
		return 0, err
	}
	if vmoOffset%vo.k.pageSize != 0 {
		return 0, StatusInvalidArgs
	}
	if vmoOffset+length > mo.size() {
		return 0, StatusOutOfRange
	}

	vo.as.mu.Lock()
	defer vo.as.mu.Unlock()

	base, err := vo.placeLocked(offset, length, flags)
	if err != nil {
		return 0, err
	}
	vo.insertLocked(&vmarChild{base: base, size: vo.k.PageAlign(length), name: mo.getName()})
	mo.retain()
	vo.mappedVMOs = append(vo.mappedVMOs, mo)
	return base, nil
}

// Destroy releases the region's range back to its parent, unmapping
// everything inside it. The handle itself remains to be closed by the owner.
// Destroying the root region of a process is not permitted.
func (v *VMAR) Destroy() error {
	vo, err := v.o()
	if err != nil {
		return err
	}
	if v.Rights()&RightDestroy == 0 {
		return StatusAccessDenied
	}
	vo.as.mu.Lock()
	defer vo.as.mu.Unlock()
	if vo.parent == nil {
		return StatusAccessDenied
	}
	if vo.destroyed {
		return StatusBadState
	}
	vo.parent.removeLocked(vo)
	vo.destroyLocked()
	return nil
}

// placeLocked chooses a base for a new child of the given size, honoring
// VmarSpecific. Sizes are rounded up to the page size.
func (vo *vmarObject) placeLocked(offset, size uint64, flags VmarFlags) (uint64, error) {
	if vo.destroyed {
		return 0, StatusBadState
	}
	if size == 0 {
		return 0, StatusInvalidArgs
	}
	size = vo.k.PageAlign(size)

	if flags&VmarSpecific != 0 {
		if offset%vo.k.pageSize != 0 {
			return 0, StatusInvalidArgs
		}
		base := vo.base + offset
		if base < vo.base || base+size > vo.base+vo.size {
			return 0, StatusInvalidArgs
		}
		if vo.overlapsLocked(base, size) {
			return 0, StatusNoSpace
		}
		return base, nil
	}

	// First fit: scan the gaps between existing children.
	next := vo.base
	for _, c := range vo.children {
		if c.base >= next+size {
			break
		}
		if c.base+c.size > next {
			next = c.base + c.size
		}
	}
	if next+size > vo.base+vo.size {
		return 0, StatusNoSpace
	}
	return next, nil
}

func (vo *vmarObject) overlapsLocked(base, size uint64) bool {
	end := base + size
	for _, c := range vo.children {
		if base < c.base+c.size && end > c.base {
			return true
		}
	}
	return false
}

func (vo *vmarObject) insertLocked(child *vmarChild) {
	i := 0
	for i < len(vo.children) && vo.children[i].base < child.base {
		i++
	}
	vo.children = append(vo.children, nil)
	copy(vo.children[i+1:], vo.children[i:])
	vo.children[i] = child
}

func (vo *vmarObject) removeLocked(region *vmarObject) {
	for i, c := range vo.children {
		if c.region == region {
			vo.children = append(vo.children[:i], vo.children[i+1:]...)
			return
		}
	}
}

// destroyLocked marks the region and all child regions destroyed and drops
// mapping references.
func (vo *vmarObject) destroyLocked() {
	vo.destroyed = true
	for _, c := range vo.children {
		if c.region != nil {
			c.region.destroyLocked()
		}
	}
	vo.children = nil
	for _, mo := range vo.mappedVMOs {
		mo.release()
	}
	vo.mappedVMOs = nil
}

// dumpLocked is a debugging aid used by tests.
func (vo *vmarObject) dump() string {
	vo.as.mu.Lock()
	defer vo.as.mu.Unlock()
	s := fmt.Sprintf("vmar %q [%#x, %#x)", vo.name, vo.base, vo.base+vo.size)
	for _, c := range vo.children {
		s += fmt.Sprintf("\n  %q [%#x, %#x)", c.name, c.base, c.base+c.size)
	}
	return s
}
