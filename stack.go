package procz

import (
	"fmt"

	"github.com/tinyrange/procz/processargs"
	"github.com/tinyrange/procz/zk"
)

const (
	// defaultStackSize is used for statically linked executables with no
	// PT_GNU_STACK header (or one with a zero size).
	defaultStackSize = 256 << 10

	// linkerStackMin covers the dynamic linker's startup stack usage beyond
	// the bootstrap message itself, small enough that modest messages fit
	// the stack in a single page.
	linkerStackMin = 3072

	// handleWidth is the per-handle receive cost of a channel read.
	handleWidth = 4
)

// archPolicy is the per-architecture ABI contract for the initial stack
// pointer. Kept as one table so the contract is auditable in one place.
type archPolicy struct {
	stackAlign uint64
	// entryOffset is subtracted after alignment. On amd64 the ABI requires
	// sp % 16 == 8 at entry; the zero word at (sp) acts as the return
	// address of the outermost frame.
	entryOffset uint64
}

var archPolicies = map[zk.Arch]archPolicy{
	zk.ArchAMD64: {stackAlign: 16, entryOffset: 8},
	zk.ArchARM64: {stackAlign: 16, entryOffset: 0},
}

// computeInitialStackPointer returns the initial thread's stack pointer for
// a stack mapped at [base, base+size). The stack grows down.
func computeInitialStackPointer(arch zk.Arch, base, size uint64) (uint64, error) {
	policy, ok := archPolicies[arch]
	if !ok {
		return 0, fmt.Errorf("no stack policy for architecture %q", arch)
	}
	sp := base + size
	sp &^= policy.stackAlign - 1
	sp -= policy.entryOffset
	return sp, nil
}

// calculateInitialLinkerStackSize sizes the initial stack for a dynamically
// linked target. The dynamic linker reads the main bootstrap message off the
// channel with a single receive, so the stack must hold the message bytes
// plus handleWidth per handle.
//
// extraHandles placeholders are appended temporarily so the handle count
// reflects handles that will be added after sizing (the stack handle
// itself); they are removed before returning.
func calculateInitialLinkerStackSize(contents *processargs.MessageContents, extraHandles int, pageSize uint64) (uint64, error) {
	for i := 0; i < extraHandles; i++ {
		contents.Handles = append(contents.Handles, processargs.StartupHandle{
			Info: processargs.NewHandleInfo(processargs.HandleUser0, 0),
		})
	}
	numHandles := len(contents.Handles)
	msgSize, err := processargs.CalculateSize(contents)
	contents.Handles = contents.Handles[:numHandles-extraHandles]
	if err != nil {
		return 0, err
	}

	size := uint64(msgSize) + uint64(numHandles)*handleWidth + linkerStackMin
	return alignUp(size, pageSize), nil
}

func alignUp(value, align uint64) uint64 {
	mask := align - 1
	return (value + mask) &^ mask
}
