package zk

import "sync"

// VMO is a handle to a page-granular memory object.
type VMO struct {
	*Handle
}

type vmoObject struct {
	refcount
	k *Kernel

	mu    sync.Mutex
	name  string
	bytes uint64 // requested size
	pages []byte // len is bytes rounded up to the page size
}

func (*vmoObject) kind() string { return "vmo" }

func (o *vmoObject) release() {
	if o.decref() {
		o.mu.Lock()
		pages := o.pages
		o.pages = nil
		o.mu.Unlock()
		if pages != nil {
			freePages(pages)
		}
	}
}

func (o *vmoObject) size() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.k.PageAlign(o.bytes)
}

func (o *vmoObject) getName() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.name
}

// NewVMO creates a memory object of the given size. The committed size is
// rounded up to the page size.
func NewVMO(k *Kernel, size uint64) (*VMO, error) {
	pages, err := allocPages(k.PageAlign(size))
	if err != nil {
		return nil, err
	}
	obj := &vmoObject{k: k, bytes: size, pages: pages}
	return &VMO{Handle: newHandle(k, obj, RightsDefault|RightExecute)}, nil
}

// AsVMO wraps a generic handle that refers to a memory object.
func AsVMO(h *Handle) (*VMO, error) {
	if h.Kind() != "vmo" {
		return nil, StatusWrongType
	}
	return &VMO{Handle: h}, nil
}

func (v *VMO) o() (*vmoObject, error) {
	obj, err := v.resolve()
	if err != nil {
		return nil, err
	}
	vo, ok := obj.(*vmoObject)
	if !ok {
		return nil, StatusWrongType
	}
	return vo, nil
}

// DuplicateVMO is Duplicate with the result typed as a VMO.
func (v *VMO) DuplicateVMO(rights Rights) (*VMO, error) {
	h, err := v.Duplicate(rights)
	if err != nil {
		return nil, err
	}
	return &VMO{Handle: h}, nil
}

// Size returns the committed (page-aligned) size.
func (v *VMO) Size() (uint64, error) {
	vo, err := v.o()
	if err != nil {
		return 0, err
	}
	return vo.size(), nil
}

// SetName labels the object for diagnostics.
func (v *VMO) SetName(name string) error {
	vo, err := v.o()
	if err != nil {
		return err
	}
	vo.mu.Lock()
	vo.name = name
	vo.mu.Unlock()
	return nil
}

// Name returns the object's label.
func (v *VMO) Name() (string, error) {
	vo, err := v.o()
	if err != nil {
		return "", err
	}
	return vo.getName(), nil
}

// Read copies len(p) bytes starting at off out of the object.
func (v *VMO) Read(p []byte, off uint64) error {
	vo, err := v.o()
	if err != nil {
		return err
	}
	vo.mu.Lock()
	defer vo.mu.Unlock()
	if off+uint64(len(p)) > uint64(len(vo.pages)) {
		return StatusOutOfRange
	}
	copy(p, vo.pages[off:])
	return nil
}

// Write copies p into the object starting at off.
func (v *VMO) Write(p []byte, off uint64) error {
	vo, err := v.o()
	if err != nil {
		return err
	}
	vo.mu.Lock()
	defer vo.mu.Unlock()
	if off+uint64(len(p)) > uint64(len(vo.pages)) {
		return StatusOutOfRange
	}
	copy(vo.pages[off:], p)
	return nil
}
