// Package procz creates new processes from ELF64 executable images on an
// explicitly capability-based kernel. Nothing is inherited implicitly: the
// arguments, environment, namespace directories, and extra handles a new
// process starts with are collected in a ProcessBuilder and handed over
// through bootstrap messages written into the process before its initial
// thread runs.
//
// Most embedders should hold direct process-creation privilege in their job;
// callers without it must go through a privileged launcher service built on
// top of this library.
package procz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/procz/elf"
	"github.com/tinyrange/procz/ldsvc"
	"github.com/tinyrange/procz/processargs"
	"github.com/tinyrange/procz/zk"
)

// loadDynamicLinkerTimeout bounds the loader-service round trip in Build.
const loadDynamicLinkerTimeout = 10 * time.Second

// maxNamespaceEntries bounds the namespace path table; the handle-info
// argument carrying the table index is 16 bits.
const maxNamespaceEntries = 1 << 16

// StartupHandle re-exports the processargs type for builder inputs.
type StartupHandle = processargs.StartupHandle

// NamespaceEntry is one namespace mount for the new process: a path plus the
// directory capability served there.
type NamespaceEntry struct {
	Path      string
	Directory *zk.Channel
}

// ProcessBuilder collects the inputs for a new process and builds it.
// A builder is single-use: after Build it must not be reused.
type ProcessBuilder struct {
	executable *zk.VMO
	loader     *ldsvc.Client
	built      bool

	process  *zk.Process
	thread   *zk.Thread
	rootVMAR *zk.VMAR
	contents processargs.MessageContents
}

// BuiltProcess is a fully built but not yet started process, with everything
// needed to start it. The handles can be used to manipulate the process or
// its address space before starting it, such as when creating a process
// under a debugger.
type BuiltProcess struct {
	// Process is the newly created process.
	Process *zk.Process

	// RootVMAR is the root region of the process address space.
	RootVMAR *zk.VMAR

	// Thread is the process's initial thread, not yet running.
	Thread *zk.Thread

	// Entry is the program entry point.
	Entry uint64

	// StackPointer is the initial thread's stack pointer.
	StackPointer uint64

	// Bootstrap is the read end of the bootstrap channel, passed to the
	// process on start. The messages queued on it are unread.
	Bootstrap *zk.Channel

	// VdsoBase is the base address the runtime-support image was mapped at,
	// passed to the process on start.
	VdsoBase uint64

	// ElfBase is the base address the executable (or the dynamic linker,
	// for dynamically linked executables) was loaded at.
	ElfBase uint64
}

// NewProcessBuilder creates a builder for a new process under job with the
// given name and ELF64 executable image.
//
// The process and its initial thread are created eagerly so that a caller
// whose job policy denies direct process creation fails here, with
// KindCreateProcess, rather than at Build time. The job handle is only used
// for creation and is not retained.
func NewProcessBuilder(name string, job *zk.Job, executable *zk.VMO) (*ProcessBuilder, error) {
	if !job.Valid() {
		return nil, newError(KindBadHandle, "invalid job handle", nil)
	}
	if !executable.Valid() {
		return nil, newError(KindBadHandle, "invalid executable handle", nil)
	}

	process, rootVMAR, err := job.CreateProcess(name)
	if err != nil {
		return nil, newError(KindCreateProcess, "create process", err)
	}
	thread, err := process.CreateThread("initial-thread")
	if err != nil {
		return nil, newError(KindCreateThread, "create initial thread", err)
	}

	b := &ProcessBuilder{
		executable: executable,
		process:    process,
		thread:     thread,
		rootVMAR:   rootVMAR,
	}

	// Every bootstrap message, linker or main, carries duplicates of the
	// three self-handles.
	common, err := b.commonMessageHandles()
	if err != nil {
		return nil, err
	}
	b.contents.Handles = append(b.contents.Handles, common...)
	return b, nil
}

// SetLoaderService sets the loader-service connection used to fetch the
// dynamic linker when the executable has a PT_INTERP header. Required for
// dynamically linked executables and unused otherwise; there is no fallback
// to the calling process's own loader. Calling it again replaces the
// previous connection and drops its handle.
func (b *ProcessBuilder) SetLoaderService(ch *zk.Channel) error {
	client, err := ldsvc.NewClient(ch)
	if err != nil {
		return newError(KindBadHandle, "invalid loader service handle", nil)
	}
	if b.loader != nil {
		b.loader.Channel().Close()
	}
	b.loader = client
	return nil
}

// AddArguments appends arguments to the bootstrap message. Successive calls
// append rather than replace.
func (b *ProcessBuilder) AddArguments(args ...string) {
	b.contents.Args = append(b.contents.Args, args...)
}

// AddEnvironmentVariables appends "KEY=value" environment entries to the
// bootstrap message. Successive calls append rather than replace.
func (b *ProcessBuilder) AddEnvironmentVariables(vars ...string) {
	b.contents.Environ = append(b.contents.Environ, vars...)
}

// builderReservedTypes are added by the builder itself and rejected from
// AddHandles.
var builderReservedTypes = map[processargs.HandleType]bool{
	processargs.HandleProcessSelf:   true,
	processargs.HandleThreadSelf:    true,
	processargs.HandleRootVmar:      true,
	processargs.HandleLoadedVmar:    true,
	processargs.HandleVdsoVmo:       true,
	processargs.HandleStackVmo:      true,
	processargs.HandleExecutableVmo: true,
}

// AddHandles appends startup handles to the bootstrap message.
//
// NamespaceDirectory handles are rejected since they must be accompanied by
// a path; use AddNamespaceEntries. The handle types the builder adds itself
// (process-self, thread-self, root and loaded VMARs, vDSO, stack, and
// executable images) are rejected too. An LdsvcLoader handle is routed to
// SetLoaderService instead of being stored.
//
// The batch is validated before anything is stored, so a rejected batch
// leaves the builder unchanged.
func (b *ProcessBuilder) AddHandles(handles []StartupHandle) error {
	for _, h := range handles {
		if !h.Handle.Valid() {
			return newError(KindBadHandle, "invalid handle in startup handles", nil)
		}
		t := h.Info.Type
		if t == processargs.HandleNamespaceDirectory {
			return newError(KindInvalidArg,
				"cannot add NamespaceDirectory handles directly, use AddNamespaceEntries", nil)
		}
		if builderReservedTypes[t] {
			return newError(KindInvalidArg,
				fmt.Sprintf("cannot add a %v handle directly, it is added automatically", t), nil)
		}
		if t == processargs.HandleLdsvcLoader && h.Handle.Kind() != "channel" {
			return newError(KindBadHandle, "LdsvcLoader handle is not a channel", nil)
		}
	}

	// Separate pass so validation failure stores nothing.
	for _, h := range handles {
		if h.Info.Type == processargs.HandleLdsvcLoader {
			ch, err := zk.AsChannel(h.Handle)
			if err != nil {
				return newError(KindBadHandle, "LdsvcLoader handle is not a channel", err)
			}
			if err := b.SetLoaderService(ch); err != nil {
				return err
			}
			continue
		}
		b.contents.Handles = append(b.contents.Handles, h)
	}
	return nil
}

// AddNamespaceEntries appends directories to the new process's namespace.
// Each entry becomes a namespace path-table entry plus a NamespaceDirectory
// handle whose argument is the entry's table index; indices are assigned
// sequentially from the current table length. The batch is validated before
// anything is stored.
func (b *ProcessBuilder) AddNamespaceEntries(entries []NamespaceEntry) error {
	idx := len(b.contents.NamespacePaths)
	if idx+len(entries) > maxNamespaceEntries {
		return newError(KindInvalidArg, "cannot add namespace entries, table limit reached", nil)
	}
	for _, e := range entries {
		if !e.Directory.Valid() {
			return newError(KindBadHandle, "invalid handle in namespace entry", nil)
		}
		if e.Path == "" || e.Path[0] != '/' {
			return newError(KindInvalidArg, fmt.Sprintf("namespace path %q is not absolute", e.Path), nil)
		}
	}

	for _, e := range entries {
		b.contents.NamespacePaths = append(b.contents.NamespacePaths, e.Path)
		b.contents.Handles = append(b.contents.Handles, StartupHandle{
			Handle: e.Directory.Handle,
			Info:   processargs.NewHandleInfo(processargs.HandleNamespaceDirectory, uint16(idx)),
		})
		idx++
	}
	return nil
}

// Build creates the process image: it loads the executable (or its dynamic
// linker), maps the runtime-support image and the initial stack, and writes
// the bootstrap message(s) into the bootstrap channel. The returned
// BuiltProcess is started with Start.
//
// Build performs no rollback: if it fails after kernel objects were created
// or mapped, those objects remain (only the address-space reservation guard
// is released). Callers that give up on a failed build should terminate the
// process themselves.
func (b *ProcessBuilder) Build(ctx context.Context) (*BuiltProcess, error) {
	if b.built {
		return nil, newError(KindInvalidArg, "builder already consumed", nil)
	}
	b.built = true

	k := b.process.Kernel()

	// Parse the executable first; it is the input most likely to be bad.
	headers, err := elf.Parse(b.executable)
	if err != nil {
		return nil, newError(KindElfParse, "parse executable", err)
	}

	bootstrapRd, bootstrapWr := zk.NewChannel(k)
	defer bootstrapWr.Close()

	var loaded *elf.Loaded
	dynamic := headers.ProgramHeaderWithType(elf.PTInterp) != nil
	if dynamic {
		// Loading is deferred to the dynamic linker named by PT_INTERP; here
		// we load the linker itself and hand it everything it needs.
		if b.loader == nil {
			return nil, newError(KindLoaderMissing, "dynamically linked executable but no loader service", nil)
		}

		// A PT_INTERP image may bring in a libc with sanitizer support, so
		// the low half of the address space is reserved for shadow memory.
		// This makes a SPECIFIC allocation and therefore must precede every
		// other mapping. The guard is released on all exits from Build.
		reservation, err := reserveLowAddressSpace(b.rootVMAR)
		if err != nil {
			return nil, err
		}
		defer reservation.Destroy()

		interp, err := headers.Interp()
		if err != nil {
			return nil, newError(KindGenericStatus, "read PT_INTERP", err)
		}
		slog.Debug("loading dynamic linker", "interp", interp)

		linkerVMO, err := b.fetchDynamicLinker(ctx, interp)
		if err != nil {
			return nil, err
		}
		linkerHeaders, err := elf.Parse(linkerVMO)
		if err != nil {
			return nil, newError(KindElfParse, "parse dynamic linker", err)
		}
		loaded, err = elf.Load(linkerVMO, b.rootVMAR, linkerHeaders)
		if err != nil {
			return nil, newError(KindElfLoad, "load dynamic linker", err)
		}

		// The linker bootstrap message goes first; the linker consumes it
		// before the main message is read by the program's own runtime.
		msg, err := b.buildLinkerMessage(loaded.SubVMAR)
		if err != nil {
			return nil, err
		}
		if err := msg.Write(bootstrapWr); err != nil {
			return nil, newError(KindWriteBootstrapMessage, "write linker bootstrap message", err)
		}
	} else {
		// Statically linked but still position-independent; load directly.
		loaded, err = elf.Load(b.executable, b.rootVMAR, headers)
		if err != nil {
			return nil, newError(KindElfLoad, "load executable", err)
		}
		b.contents.Handles = append(b.contents.Handles, StartupHandle{
			Handle: loaded.SubVMAR.Handle,
			Info:   processargs.NewHandleInfo(processargs.HandleLoadedVmar, 0),
		})
	}

	vdsoBase, err := b.loadVdso(k)
	if err != nil {
		return nil, err
	}

	var stackSize uint64
	var stackName string
	if dynamic {
		// One extra placeholder: the stack handle about to be created.
		stackSize, err = calculateInitialLinkerStackSize(&b.contents, 1, k.PageSize())
		if err != nil {
			return nil, newError(KindProcessargs, "size linker stack", err)
		}
		stackName = fmt.Sprintf("stack: msg of %#x", stackSize)
	} else {
		source := "default"
		size := uint64(defaultStackSize)
		if hdr := headers.ProgramHeaderWithType(elf.PTGNUStack); hdr != nil && hdr.Memsz > 0 {
			source = "explicit"
			size = hdr.Memsz
		}
		stackSize = k.PageAlign(size)
		stackName = fmt.Sprintf("stack: %s %#x", source, stackSize)
	}

	stackPointer, err := b.createStack(k, stackSize, stackName)
	if err != nil {
		return nil, err
	}

	msg, err := processargs.Build(b.contents)
	if err != nil {
		return nil, newError(KindProcessargs, "build bootstrap message", err)
	}
	if err := msg.Write(bootstrapWr); err != nil {
		return nil, newError(KindWriteBootstrapMessage, "write bootstrap message", err)
	}

	return &BuiltProcess{
		Process:      b.process,
		RootVMAR:     b.rootVMAR,
		Thread:       b.thread,
		Entry:        loaded.Entry,
		StackPointer: stackPointer,
		Bootstrap:    bootstrapRd,
		VdsoBase:     vdsoBase,
		ElfBase:      loaded.Base,
	}, nil
}

// fetchDynamicLinker retrieves the interpreter's image from the loader
// service, bounded by loadDynamicLinkerTimeout.
func (b *ProcessBuilder) fetchDynamicLinker(ctx context.Context, interp string) (*zk.VMO, error) {
	ctx, cancel := context.WithTimeout(ctx, loadDynamicLinkerTimeout)
	defer cancel()

	status, vmo, err := b.loader.LoadObject(ctx, interp)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newError(KindLoadDynamicLinkerTimeout, "timed out loading dynamic linker", err)
		}
		return nil, newError(KindLoadDynamicLinker, "load dynamic linker from loader service", err)
	}
	if status != zk.StatusOK {
		return nil, newError(KindGenericStatus, "loader service returned failure for dynamic linker", status)
	}
	return vmo, nil
}

// buildLinkerMessage assembles the dynamic linker's bootstrap message. It
// shares argv and envp with the main message (the linker prints argv[0] in
// diagnostics and honors vars like LD_DEBUG) but carries no namespace, plus
// the loader-specific handles and the common self-handle duplicates.
func (b *ProcessBuilder) buildLinkerMessage(loadedVMAR *zk.VMAR) (*processargs.Message, error) {
	contents := processargs.MessageContents{
		Args:    append([]string(nil), b.contents.Args...),
		Environ: append([]string(nil), b.contents.Environ...),
		Handles: []StartupHandle{
			{Handle: b.loader.Channel().Handle, Info: processargs.NewHandleInfo(processargs.HandleLdsvcLoader, 0)},
			{Handle: b.executable.Handle, Info: processargs.NewHandleInfo(processargs.HandleExecutableVmo, 0)},
			{Handle: loadedVMAR.Handle, Info: processargs.NewHandleInfo(processargs.HandleLoadedVmar, 0)},
		},
	}
	common, err := b.commonMessageHandles()
	if err != nil {
		return nil, err
	}
	contents.Handles = append(contents.Handles, common...)

	msg, err := processargs.Build(contents)
	if err != nil {
		return nil, newError(KindProcessargs, "build linker bootstrap message", err)
	}
	return msg, nil
}

// commonMessageHandles duplicates the process, root VMAR, and thread
// handles. Duplicates, not moves: the builder still needs its own handles
// after the new process is given copies.
func (b *ProcessBuilder) commonMessageHandles() ([]StartupHandle, error) {
	sources := []struct {
		handle *zk.Handle
		typ    processargs.HandleType
		op     string
	}{
		{b.process.Handle, processargs.HandleProcessSelf, "duplicate process handle"},
		{b.rootVMAR.Handle, processargs.HandleRootVmar, "duplicate root VMAR handle"},
		{b.thread.Handle, processargs.HandleThreadSelf, "duplicate thread handle"},
	}
	out := make([]StartupHandle, 0, len(sources))
	for _, src := range sources {
		dup, err := src.handle.Duplicate(zk.RightsSame)
		if err != nil {
			return nil, newError(KindGenericStatus, src.op, err)
		}
		out = append(out, StartupHandle{Handle: dup, Info: processargs.NewHandleInfo(src.typ, 0)})
	}
	return out, nil
}

// loadVdso maps the runtime-support image into the process and adds its
// handle to the bootstrap message. Returns the mapped base address.
func (b *ProcessBuilder) loadVdso(k *zk.Kernel) (uint64, error) {
	vdso, err := k.VdsoVMO()
	if err != nil {
		return 0, newError(KindGenericStatus, "get vDSO VMO", err)
	}
	dup, err := vdso.DuplicateVMO(zk.RightsSame)
	if err != nil {
		return 0, newError(KindGenericStatus, "duplicate vDSO VMO", err)
	}
	headers, err := elf.Parse(dup)
	if err != nil {
		return 0, newError(KindElfParse, "parse vDSO", err)
	}
	loaded, err := elf.Load(dup, b.rootVMAR, headers)
	if err != nil {
		return 0, newError(KindElfLoad, "load vDSO", err)
	}
	// The image's sub-region handle is not passed along; the range stays
	// mapped for the life of the process.
	loaded.SubVMAR.Close()

	b.contents.Handles = append(b.contents.Handles, StartupHandle{
		Handle: dup.Handle,
		Info:   processargs.NewHandleInfo(processargs.HandleVdsoVmo, 0),
	})
	return loaded.Base, nil
}

// createStack allocates and maps the initial thread's stack and adds its
// handle to the bootstrap message. The new process learns its exact stack
// bounds from this handle's size together with the initial stack pointer,
// so the mapping covers the entire object.
func (b *ProcessBuilder) createStack(k *zk.Kernel, size uint64, name string) (uint64, error) {
	stack, err := zk.NewVMO(k, size)
	if err != nil {
		return 0, newError(KindGenericStatus, "create stack VMO", err)
	}
	if err := stack.SetName(name); err != nil {
		return 0, newError(KindGenericStatus, "set stack VMO name", err)
	}
	base, err := b.rootVMAR.Map(0, stack, 0, size, zk.VmarPermRead|zk.VmarPermWrite)
	if err != nil {
		return 0, newError(KindGenericStatus, "map initial stack", err)
	}
	sp, err := computeInitialStackPointer(k.Arch(), base, size)
	if err != nil {
		return 0, newError(KindInternal, "compute stack pointer", err)
	}
	b.contents.Handles = append(b.contents.Handles, StartupHandle{
		Handle: stack.Handle,
		Info:   processargs.NewHandleInfo(processargs.HandleStackVmo, 0),
	})
	return sp, nil
}

// Start launches an already built process. It is a thin wrapper around the
// kernel's process-start operation and consumes the bootstrap channel
// handle. On failure the process and its resources remain valid for
// inspection; whether to terminate it is the caller's decision.
func (p *BuiltProcess) Start() (*zk.Process, error) {
	err := p.Process.Start(p.Thread, p.Entry, p.StackPointer, p.Bootstrap.Handle, p.VdsoBase)
	if err != nil {
		return nil, newError(KindProcessStart, "start process", err)
	}
	return p.Process, nil
}
