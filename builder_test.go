package procz

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/procz/elf"
	"github.com/tinyrange/procz/ldsvc"
	"github.com/tinyrange/procz/processargs"
	"github.com/tinyrange/procz/zk"
)

func newTestKernel(t *testing.T) *zk.Kernel {
	t.Helper()
	vdso := elf.WriteImage(elf.ImageSpec{
		Entry: 0x10,
		Segments: []elf.SegmentSpec{
			{Vaddr: 0, Flags: elf.PFRead | elf.PFExec, Data: []byte{0x0f, 0x05, 0xc3}},
		},
	})
	k, err := zk.New(zk.Options{Vdso: vdso})
	if err != nil {
		t.Fatalf("zk.New: %v", err)
	}
	return k
}

func imageVMO(t *testing.T, k *zk.Kernel, spec elf.ImageSpec) *zk.VMO {
	t.Helper()
	image := elf.WriteImage(spec)
	vmo, err := zk.NewVMO(k, uint64(len(image)))
	if err != nil {
		t.Fatalf("NewVMO: %v", err)
	}
	if err := vmo.Write(image, 0); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return vmo
}

func staticExecutable(t *testing.T, k *zk.Kernel, stackSize uint64) *zk.VMO {
	t.Helper()
	return imageVMO(t, k, elf.ImageSpec{
		Entry:     0x1020,
		StackSize: stackSize,
		Segments: []elf.SegmentSpec{
			{Vaddr: 0x1000, Flags: elf.PFRead | elf.PFExec, Data: []byte{0xc3}},
			{Vaddr: 0x2000, Flags: elf.PFRead | elf.PFWrite, Data: []byte{1}, Memsz: 0x800},
		},
	})
}

func dynamicExecutable(t *testing.T, k *zk.Kernel) *zk.VMO {
	t.Helper()
	return imageVMO(t, k, elf.ImageSpec{
		Entry:  0x1000,
		Interp: "ld.so.1",
		Segments: []elf.SegmentSpec{
			{Vaddr: 0x1000, Flags: elf.PFRead | elf.PFExec, Data: []byte{0xc3}},
		},
	})
}

// linkerEntryOffset is the entry point of the test linker image relative to
// its lowest segment page.
const linkerEntryOffset = 8

func serveTestLinker(t *testing.T, k *zk.Kernel) *zk.Channel {
	t.Helper()
	linker := imageVMO(t, k, elf.ImageSpec{
		Entry: 0x1000 + linkerEntryOffset,
		Segments: []elf.SegmentSpec{
			{Vaddr: 0x1000, Flags: elf.PFRead | elf.PFExec, Data: []byte{0x90, 0xc3}},
		},
	})
	clientCh, serverCh := zk.NewChannel(k)
	ctx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	go func() {
		defer serverCh.Close()
		ldsvc.Serve(ctx, serverCh, func(name string) (*zk.VMO, error) {
			if name != "ld.so.1" {
				return nil, errors.New("unknown object")
			}
			return linker, nil
		})
	}()
	return clientCh
}

func findHandle(t *testing.T, p *processargs.Parsed, typ processargs.HandleType) processargs.ParsedHandle {
	t.Helper()
	var found []processargs.ParsedHandle
	for _, h := range p.Handles {
		if h.Info.Type == typ {
			found = append(found, h)
		}
	}
	if len(found) != 1 {
		t.Fatalf("message has %d %v handles, want 1", len(found), typ)
	}
	return found[0]
}

func hasHandle(p *processargs.Parsed, typ processargs.HandleType) bool {
	for _, h := range p.Handles {
		if h.Info.Type == typ {
			return true
		}
	}
	return false
}

func readBootstrap(t *testing.T, ch *zk.Channel) *processargs.Parsed {
	t.Helper()
	data, handles, err := ch.Read()
	if err != nil {
		t.Fatalf("read bootstrap channel: %v", err)
	}
	p, err := processargs.Parse(data, handles)
	if err != nil {
		t.Fatalf("parse bootstrap message: %v", err)
	}
	return p
}

func TestStaticBuildAndStart(t *testing.T) {
	k := newTestKernel(t)
	exe := staticExecutable(t, k, 0x20001) // deliberately unaligned
	b, err := NewProcessBuilder("static-test", k.RootJob(), exe)
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	b.AddArguments("app")
	b.AddArguments("-v", "--color")
	b.AddEnvironmentVariables("PATH=/pkg/bin")

	pkgDir, pkgPeer := zk.NewChannel(k)
	defer pkgPeer.Close()
	if err := b.AddNamespaceEntries([]NamespaceEntry{{Path: "/pkg", Directory: pkgDir}}); err != nil {
		t.Fatalf("AddNamespaceEntries: %v", err)
	}

	extraVMO, err := zk.NewVMO(k, 0x1000)
	if err != nil {
		t.Fatalf("NewVMO: %v", err)
	}
	err = b.AddHandles([]StartupHandle{
		{Handle: extraVMO.Handle, Info: processargs.NewHandleInfo(processargs.HandleUser0, 7)},
	})
	if err != nil {
		t.Fatalf("AddHandles: %v", err)
	}

	built, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Entry is the executable's entry biased by the load address.
	if want := built.ElfBase + 0x20; built.Entry != want {
		t.Errorf("entry = %#x, want %#x", built.Entry, want)
	}
	if built.VdsoBase == 0 {
		t.Error("vDSO base is zero")
	}
	if built.StackPointer%16 != 8 {
		t.Errorf("stack pointer %#x misaligned for amd64 entry", built.StackPointer)
	}

	msg := readBootstrap(t, built.Bootstrap)
	if got := strings.Join(msg.Args, " "); got != "app -v --color" {
		t.Errorf("args = %q", msg.Args)
	}
	if len(msg.Environ) != 1 || msg.Environ[0] != "PATH=/pkg/bin" {
		t.Errorf("environ = %q", msg.Environ)
	}
	if len(msg.NamespacePaths) != 1 || msg.NamespacePaths[0] != "/pkg" {
		t.Errorf("namespace paths = %q", msg.NamespacePaths)
	}

	findHandle(t, msg, processargs.HandleProcessSelf)
	findHandle(t, msg, processargs.HandleThreadSelf)
	findHandle(t, msg, processargs.HandleRootVmar)
	findHandle(t, msg, processargs.HandleLoadedVmar)
	findHandle(t, msg, processargs.HandleVdsoVmo)
	if h := findHandle(t, msg, processargs.HandleNamespaceDirectory); h.Info.Arg != 0 {
		t.Errorf("namespace handle arg = %d", h.Info.Arg)
	}
	if h := findHandle(t, msg, processargs.HandleUser0); h.Info.Arg != 7 {
		t.Errorf("user handle arg = %d", h.Info.Arg)
	}

	// PT_GNU_STACK's size is honored, rounded up to the page size.
	stackHandle := findHandle(t, msg, processargs.HandleStackVmo)
	stack, err := zk.AsVMO(stackHandle.Handle)
	if err != nil {
		t.Fatalf("stack handle: %v", err)
	}
	size, err := stack.Size()
	if err != nil {
		t.Fatalf("stack size: %v", err)
	}
	if want := k.PageAlign(0x20001); size != want {
		t.Errorf("stack size = %#x, want %#x", size, want)
	}
	name, err := stack.Name()
	if err != nil {
		t.Fatalf("stack name: %v", err)
	}
	if !strings.HasPrefix(name, "stack: explicit") {
		t.Errorf("stack name = %q", name)
	}

	// The write end is dropped at the end of the build, so the channel
	// reports peer-closed once the single message drains.
	if _, _, err := built.Bootstrap.Read(); !errors.Is(err, zk.StatusPeerClosed) {
		t.Errorf("second read = %v, want StatusPeerClosed", err)
	}

	proc, err := built.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec, err := proc.StartRecord()
	if err != nil {
		t.Fatalf("StartRecord: %v", err)
	}
	if rec.Entry != built.Entry || rec.StackPointer != built.StackPointer || rec.VdsoBase != built.VdsoBase {
		t.Errorf("start record = %+v", rec)
	}
	if built.Bootstrap.Valid() {
		t.Error("bootstrap handle still valid after Start")
	}
}

func TestBuilderIsSingleUse(t *testing.T) {
	k := newTestKernel(t)
	b, err := NewProcessBuilder("once", k.RootJob(), staticExecutable(t, k, 0))
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	if _, err := b.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, err = b.Build(context.Background())
	if KindOf(err) != KindInvalidArg {
		t.Errorf("second Build = %v, want KindInvalidArg", err)
	}
}

func TestDefaultStackSize(t *testing.T) {
	k := newTestKernel(t)
	b, err := NewProcessBuilder("default-stack", k.RootJob(), staticExecutable(t, k, 0))
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	built, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	msg := readBootstrap(t, built.Bootstrap)
	stack, err := zk.AsVMO(findHandle(t, msg, processargs.HandleStackVmo).Handle)
	if err != nil {
		t.Fatalf("stack handle: %v", err)
	}
	size, err := stack.Size()
	if err != nil {
		t.Fatalf("stack size: %v", err)
	}
	if size != defaultStackSize {
		t.Errorf("stack size = %#x, want %#x", size, uint64(defaultStackSize))
	}
}

func TestDynamicBuildWritesTwoMessages(t *testing.T) {
	k := newTestKernel(t)
	b, err := NewProcessBuilder("dynamic-test", k.RootJob(), dynamicExecutable(t, k))
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	if err := b.SetLoaderService(serveTestLinker(t, k)); err != nil {
		t.Fatalf("SetLoaderService: %v", err)
	}
	b.AddArguments("app")
	b.AddEnvironmentVariables("LD_DEBUG=all")

	dataDir, dataPeer := zk.NewChannel(k)
	defer dataPeer.Close()
	if err := b.AddNamespaceEntries([]NamespaceEntry{{Path: "/data", Directory: dataDir}}); err != nil {
		t.Fatalf("AddNamespaceEntries: %v", err)
	}

	built, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Entry and base belong to the linker, not the executable.
	if want := built.ElfBase + linkerEntryOffset; built.Entry != want {
		t.Errorf("entry = %#x, want %#x", built.Entry, want)
	}

	// The linker message comes first. It shares argv and envp, carries the
	// loader connection and the unloaded executable, but no namespace.
	linkerMsg := readBootstrap(t, built.Bootstrap)
	if len(linkerMsg.Args) != 1 || linkerMsg.Args[0] != "app" {
		t.Errorf("linker args = %q", linkerMsg.Args)
	}
	if len(linkerMsg.Environ) != 1 || linkerMsg.Environ[0] != "LD_DEBUG=all" {
		t.Errorf("linker environ = %q", linkerMsg.Environ)
	}
	if len(linkerMsg.NamespacePaths) != 0 {
		t.Errorf("linker message has namespace paths %q", linkerMsg.NamespacePaths)
	}
	findHandle(t, linkerMsg, processargs.HandleLdsvcLoader)
	findHandle(t, linkerMsg, processargs.HandleExecutableVmo)
	findHandle(t, linkerMsg, processargs.HandleRootVmar)
	if loadedVMAR := findHandle(t, linkerMsg, processargs.HandleLoadedVmar); !loadedVMAR.Handle.Valid() {
		t.Error("loaded VMAR handle invalid")
	}
	if hasHandle(linkerMsg, processargs.HandleStackVmo) {
		t.Error("linker message carries the stack handle")
	}

	mainMsg := readBootstrap(t, built.Bootstrap)
	if len(mainMsg.NamespacePaths) != 1 || mainMsg.NamespacePaths[0] != "/data" {
		t.Errorf("main namespace paths = %q", mainMsg.NamespacePaths)
	}
	findHandle(t, mainMsg, processargs.HandleVdsoVmo)
	if hasHandle(mainMsg, processargs.HandleLoadedVmar) {
		t.Error("main message carries a loaded VMAR for a dynamic target")
	}

	// Stack is sized from the main message, not the static default.
	stack, err := zk.AsVMO(findHandle(t, mainMsg, processargs.HandleStackVmo).Handle)
	if err != nil {
		t.Fatalf("stack handle: %v", err)
	}
	name, err := stack.Name()
	if err != nil {
		t.Fatalf("stack name: %v", err)
	}
	if !strings.HasPrefix(name, "stack: msg of") {
		t.Errorf("stack name = %q", name)
	}
	size, err := stack.Size()
	if err != nil {
		t.Fatalf("stack size: %v", err)
	}
	if size == 0 || size%k.PageSize() != 0 {
		t.Errorf("stack size = %#x", size)
	}

	// The low-address reservation must be gone: a SPECIFIC allocation at the
	// very bottom of the root region succeeds.
	sub, _, err := built.RootVMAR.Allocate(0, k.PageSize(), zk.VmarSpecific)
	if err != nil {
		t.Fatalf("allocate at root base after build: %v", err)
	}
	if err := sub.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	sub.Close()
}

func TestDynamicBuildRequiresLoader(t *testing.T) {
	k := newTestKernel(t)
	b, err := NewProcessBuilder("no-loader", k.RootJob(), dynamicExecutable(t, k))
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	_, err = b.Build(context.Background())
	if KindOf(err) != KindLoaderMissing {
		t.Fatalf("Build = %v, want KindLoaderMissing", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("not a builder error: %v", err)
	}
	if e.Status() != zk.StatusInvalidArgs {
		t.Errorf("status = %v, want StatusInvalidArgs", e.Status())
	}
}

func TestDynamicLinkerTimeout(t *testing.T) {
	k := newTestKernel(t)
	b, err := NewProcessBuilder("slow-loader", k.RootJob(), dynamicExecutable(t, k))
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	// A connected loader endpoint nobody serves: the request is written but
	// the reply never comes.
	clientCh, serverCh := zk.NewChannel(k)
	defer serverCh.Close()
	if err := b.SetLoaderService(clientCh); err != nil {
		t.Fatalf("SetLoaderService: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Build(ctx)
	if KindOf(err) != KindLoadDynamicLinkerTimeout {
		t.Fatalf("Build = %v, want KindLoadDynamicLinkerTimeout", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("not a builder error: %v", err)
	}
	if e.Status() != zk.StatusTimedOut {
		t.Errorf("status = %v, want StatusTimedOut", e.Status())
	}
}

func TestDynamicLinkerTransportFailure(t *testing.T) {
	k := newTestKernel(t)
	b, err := NewProcessBuilder("dead-loader", k.RootJob(), dynamicExecutable(t, k))
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	clientCh, serverCh := zk.NewChannel(k)
	if err := b.SetLoaderService(clientCh); err != nil {
		t.Fatalf("SetLoaderService: %v", err)
	}
	serverCh.Close()

	_, err = b.Build(context.Background())
	if KindOf(err) != KindLoadDynamicLinker {
		t.Fatalf("Build = %v, want KindLoadDynamicLinker", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("not a builder error: %v", err)
	}
	if e.Status() != zk.StatusNotFound {
		t.Errorf("status = %v, want StatusNotFound", e.Status())
	}
}

func TestNewProcessBuilderRespectsJobPolicy(t *testing.T) {
	k := newTestKernel(t)
	job, err := k.RootJob().CreateChildJob("restricted")
	if err != nil {
		t.Fatalf("CreateChildJob: %v", err)
	}
	if err := job.SetNewProcessPolicy(false); err != nil {
		t.Fatalf("SetNewProcessPolicy: %v", err)
	}
	_, err = NewProcessBuilder("denied", job, staticExecutable(t, k, 0))
	if KindOf(err) != KindCreateProcess {
		t.Fatalf("NewProcessBuilder = %v, want KindCreateProcess", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("not a builder error: %v", err)
	}
	if e.Status() != zk.StatusAccessDenied {
		t.Errorf("status = %v, want StatusAccessDenied", e.Status())
	}
}

func TestNewProcessBuilderRejectsClosedHandles(t *testing.T) {
	k := newTestKernel(t)
	exe := staticExecutable(t, k, 0)
	exe.Close()
	if _, err := NewProcessBuilder("bad-exe", k.RootJob(), exe); KindOf(err) != KindBadHandle {
		t.Errorf("closed executable: %v, want KindBadHandle", err)
	}
}

func TestAddHandlesRejectsBatchAtomically(t *testing.T) {
	k := newTestKernel(t)
	b, err := NewProcessBuilder("atomic", k.RootJob(), staticExecutable(t, k, 0))
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	before := len(b.contents.Handles)

	ok, err := zk.NewVMO(k, 0x1000)
	if err != nil {
		t.Fatalf("NewVMO: %v", err)
	}
	bad, err := zk.NewVMO(k, 0x1000)
	if err != nil {
		t.Fatalf("NewVMO: %v", err)
	}
	err = b.AddHandles([]StartupHandle{
		{Handle: ok.Handle, Info: processargs.NewHandleInfo(processargs.HandleUser0, 0)},
		{Handle: bad.Handle, Info: processargs.NewHandleInfo(processargs.HandleStackVmo, 0)},
	})
	if KindOf(err) != KindInvalidArg {
		t.Fatalf("reserved type: %v, want KindInvalidArg", err)
	}
	if len(b.contents.Handles) != before {
		t.Errorf("handle table grew to %d on a rejected batch", len(b.contents.Handles))
	}
	if !ok.Valid() {
		t.Error("valid handle consumed by rejected batch")
	}

	err = b.AddHandles([]StartupHandle{
		{Handle: ok.Handle, Info: processargs.NewHandleInfo(processargs.HandleNamespaceDirectory, 0)},
	})
	if KindOf(err) != KindInvalidArg {
		t.Errorf("namespace type: %v, want KindInvalidArg", err)
	}

	// A valid handle of the wrong kind tagged as the loader connection must
	// also reject the whole batch with nothing stored.
	err = b.AddHandles([]StartupHandle{
		{Handle: ok.Handle, Info: processargs.NewHandleInfo(processargs.HandleUser0, 0)},
		{Handle: bad.Handle, Info: processargs.NewHandleInfo(processargs.HandleLdsvcLoader, 0)},
	})
	if KindOf(err) != KindBadHandle {
		t.Fatalf("non-channel loader handle: %v, want KindBadHandle", err)
	}
	if len(b.contents.Handles) != before {
		t.Errorf("handle table grew to %d on a rejected batch", len(b.contents.Handles))
	}
	if b.loader != nil {
		t.Error("loader service set by rejected batch")
	}
	if !ok.Valid() || !bad.Valid() {
		t.Error("handles consumed by rejected batch")
	}

	bad.Close()
	err = b.AddHandles([]StartupHandle{
		{Handle: bad.Handle, Info: processargs.NewHandleInfo(processargs.HandleUser1, 0)},
	})
	if KindOf(err) != KindBadHandle {
		t.Errorf("closed handle: %v, want KindBadHandle", err)
	}
}

func TestAddHandlesRoutesLoaderToService(t *testing.T) {
	k := newTestKernel(t)
	b, err := NewProcessBuilder("loader-route", k.RootJob(), staticExecutable(t, k, 0))
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	before := len(b.contents.Handles)

	loaderCh, peer := zk.NewChannel(k)
	defer peer.Close()
	err = b.AddHandles([]StartupHandle{
		{Handle: loaderCh.Handle, Info: processargs.NewHandleInfo(processargs.HandleLdsvcLoader, 0)},
	})
	if err != nil {
		t.Fatalf("AddHandles: %v", err)
	}
	if b.loader == nil {
		t.Fatal("loader service not set")
	}
	if len(b.contents.Handles) != before {
		t.Error("loader handle stored in the handle table")
	}
}

func TestAddNamespaceEntries(t *testing.T) {
	k := newTestKernel(t)
	b, err := NewProcessBuilder("namespace", k.RootJob(), staticExecutable(t, k, 0))
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}

	dir := func() *zk.Channel {
		a, peer := zk.NewChannel(k)
		t.Cleanup(peer.Close)
		return a
	}

	if err := b.AddNamespaceEntries([]NamespaceEntry{
		{Path: "/pkg", Directory: dir()},
		{Path: "/data", Directory: dir()},
	}); err != nil {
		t.Fatalf("AddNamespaceEntries: %v", err)
	}
	// Indices keep counting across calls.
	if err := b.AddNamespaceEntries([]NamespaceEntry{{Path: "/tmp", Directory: dir()}}); err != nil {
		t.Fatalf("AddNamespaceEntries: %v", err)
	}

	var args []uint16
	for _, h := range b.contents.Handles {
		if h.Info.Type == processargs.HandleNamespaceDirectory {
			args = append(args, h.Info.Arg)
		}
	}
	if len(args) != 3 || args[0] != 0 || args[1] != 1 || args[2] != 2 {
		t.Errorf("namespace handle args = %v", args)
	}
	if len(b.contents.NamespacePaths) != 3 {
		t.Errorf("namespace paths = %q", b.contents.NamespacePaths)
	}

	err = b.AddNamespaceEntries([]NamespaceEntry{{Path: "relative/path", Directory: dir()}})
	if KindOf(err) != KindInvalidArg {
		t.Errorf("relative path: %v, want KindInvalidArg", err)
	}
	if len(b.contents.NamespacePaths) != 3 {
		t.Error("rejected entry modified the path table")
	}
}

func TestAddNamespaceEntriesTableLimit(t *testing.T) {
	k := newTestKernel(t)
	b, err := NewProcessBuilder("namespace-limit", k.RootJob(), staticExecutable(t, k, 0))
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	b.contents.NamespacePaths = make([]string, maxNamespaceEntries)

	dirCh, peer := zk.NewChannel(k)
	defer peer.Close()
	defer dirCh.Close()
	err = b.AddNamespaceEntries([]NamespaceEntry{{Path: "/one-too-many", Directory: dirCh}})
	if KindOf(err) != KindInvalidArg {
		t.Errorf("AddNamespaceEntries = %v, want KindInvalidArg", err)
	}
}

func TestElfParseErrorsSurfaceFromBuild(t *testing.T) {
	k := newTestKernel(t)
	vmo, err := zk.NewVMO(k, 0x1000)
	if err != nil {
		t.Fatalf("NewVMO: %v", err)
	}
	if err := vmo.Write([]byte("not an elf"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	b, err := NewProcessBuilder("bad-image", k.RootJob(), vmo)
	if err != nil {
		t.Fatalf("NewProcessBuilder: %v", err)
	}
	_, err = b.Build(context.Background())
	if KindOf(err) != KindElfParse {
		t.Errorf("Build = %v, want KindElfParse", err)
	}
	if !errors.Is(err, elf.ErrNotELF) {
		t.Errorf("cause not surfaced: %v", err)
	}
}
