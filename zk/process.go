package zk

import "sync"

// Process is a handle to a process object. A process owns an address space
// and threads; it runs once its initial thread is started with Start.
type Process struct {
	*Handle
}

// Thread is a handle to a thread object.
type Thread struct {
	*Handle
}

// StartInfo is the record of a successful Process.Start, kept so embedders
// (and tests) can inspect how the initial thread was launched.
type StartInfo struct {
	Entry        uint64
	StackPointer uint64
	VdsoBase     uint64

	// Bootstrap is the channel handle transferred to the process as its
	// first start argument. Owned by the process object.
	Bootstrap *Handle
}

type processObject struct {
	refcount
	k    *Kernel
	name string
	as   *addressSpace
	root *vmarObject

	mu      sync.Mutex
	started bool
	start   StartInfo
}

func (*processObject) kind() string { return "process" }
func (p *processObject) release()   { p.decref() }

type threadObject struct {
	refcount
	proc *processObject
	name string
}

func (*threadObject) kind() string { return "thread" }
func (t *threadObject) release()   { t.decref() }

func newProcess(k *Kernel, name string) (*Process, *VMAR, error) {
	as := &addressSpace{}
	root, rootObj := newRootVMAR(k, as, "root")
	obj := &processObject{k: k, name: name, as: as, root: rootObj}
	return &Process{Handle: newHandle(k, obj, RightsDefault)}, root, nil
}

func (p *Process) o() (*processObject, error) {
	obj, err := p.resolve()
	if err != nil {
		return nil, err
	}
	po, ok := obj.(*processObject)
	if !ok {
		return nil, StatusWrongType
	}
	return po, nil
}

// Name returns the process name.
func (p *Process) Name() (string, error) {
	po, err := p.o()
	if err != nil {
		return "", err
	}
	return po.name, nil
}

// CreateThread creates a not-yet-running thread in the process.
func (p *Process) CreateThread(name string) (*Thread, error) {
	po, err := p.o()
	if err != nil {
		return nil, err
	}
	obj := &threadObject{proc: po, name: name}
	return &Thread{Handle: newHandle(po.k, obj, RightsDefault)}, nil
}

// Start launches the process's initial thread. bootstrap is transferred into
// the process; the caller's handle becomes invalid even on failure paths that
// occur after validation. Start may be called at most once per process.
func (p *Process) Start(thread *Thread, entry, stackPointer uint64, bootstrap *Handle, vdsoBase uint64) error {
	po, err := p.o()
	if err != nil {
		return err
	}
	tobj, err := thread.resolve()
	if err != nil {
		return err
	}
	to, ok := tobj.(*threadObject)
	if !ok {
		return StatusWrongType
	}
	if to.proc != po {
		return StatusInvalidArgs
	}

	moved, err := bootstrap.take()
	if err != nil {
		return err
	}

	po.mu.Lock()
	defer po.mu.Unlock()
	if po.started {
		moved.Close()
		return StatusBadState
	}
	po.started = true
	po.start = StartInfo{
		Entry:        entry,
		StackPointer: stackPointer,
		VdsoBase:     vdsoBase,
		Bootstrap:    moved,
	}
	return nil
}

// Started reports whether the initial thread has been started.
func (p *Process) Started() (bool, error) {
	po, err := p.o()
	if err != nil {
		return false, err
	}
	po.mu.Lock()
	defer po.mu.Unlock()
	return po.started, nil
}

// StartRecord returns the StartInfo of a started process.
func (p *Process) StartRecord() (StartInfo, error) {
	po, err := p.o()
	if err != nil {
		return StartInfo{}, err
	}
	po.mu.Lock()
	defer po.mu.Unlock()
	if !po.started {
		return StartInfo{}, StatusBadState
	}
	return po.start, nil
}
