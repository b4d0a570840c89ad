// Package zk implements an in-memory capability kernel: jobs, processes,
// threads, memory region objects (VMARs), memory objects (VMOs), and
// channels, referenced through explicitly owned handles.
//
// The object model follows Zircon semantics where they matter for program
// loading: handles are duplicated or transferred explicitly, a VMAR's address
// range outlives its handle and is only released by Destroy, and process
// creation is gated by job policy.
package zk

import (
	"fmt"
	"sync"
)

// Arch identifies the CPU architecture a kernel instance models. It selects
// ABI policy (initial stack pointer rules) in higher layers.
type Arch string

const (
	ArchInvalid Arch = "invalid"
	ArchAMD64   Arch = "amd64"
	ArchARM64   Arch = "arm64"
)

const (
	defaultPageSize = 0x1000

	// defaultUserBase leaves a kernel-reserved zone at the bottom of every
	// process address space. Root VMARs start here, but the address space a
	// process "spans" is considered to start at zero.
	defaultUserBase = 0x200000

	// defaultUserTop caps simulated address spaces well below 2^64 so range
	// arithmetic stays comfortable. 2^40 is plenty for program loading.
	defaultUserTop = 1 << 40
)

// Options configures a new Kernel. Zero values select defaults.
type Options struct {
	Arch     Arch
	PageSize uint64
	UserBase uint64
	UserTop  uint64

	// Vdso is the ELF image for the runtime-support VMO handed to every
	// process. It may also be installed later with SetVdsoImage.
	Vdso []byte
}

// Kernel owns the simulated kernel state: the root job, the address-space
// geometry shared by all processes, and the system vDSO image.
type Kernel struct {
	arch     Arch
	pageSize uint64
	userBase uint64
	userTop  uint64

	rootJob *Job

	mu   sync.Mutex
	vdso *VMO
}

// New creates a kernel instance.
func New(opts Options) (*Kernel, error) {
	k := &Kernel{
		arch:     opts.Arch,
		pageSize: opts.PageSize,
		userBase: opts.UserBase,
		userTop:  opts.UserTop,
	}
	if k.arch == "" {
		k.arch = ArchAMD64
	}
	if k.pageSize == 0 {
		k.pageSize = defaultPageSize
	}
	if k.pageSize&(k.pageSize-1) != 0 {
		return nil, fmt.Errorf("zk: page size %#x is not a power of 2", k.pageSize)
	}
	if k.userBase == 0 {
		k.userBase = defaultUserBase
	}
	if k.userTop == 0 {
		k.userTop = defaultUserTop
	}
	if k.userBase%k.pageSize != 0 || k.userTop%k.pageSize != 0 || k.userBase >= k.userTop {
		return nil, fmt.Errorf("zk: bad address space bounds [%#x, %#x)", k.userBase, k.userTop)
	}

	k.rootJob = newJob(k, "root", true)

	if opts.Vdso != nil {
		if err := k.SetVdsoImage(opts.Vdso); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Arch returns the architecture tag the kernel models.
func (k *Kernel) Arch() Arch { return k.arch }

// PageSize returns the kernel page size.
func (k *Kernel) PageSize() uint64 { return k.pageSize }

// RootJob returns the root job. Its new-process policy is allow.
func (k *Kernel) RootJob() *Job { return k.rootJob }

// SetVdsoImage installs the system vDSO image. It may be set exactly once,
// either here or through Options.Vdso.
func (k *Kernel) SetVdsoImage(image []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.vdso != nil {
		return fmt.Errorf("zk: vDSO image already installed: %w", StatusAlreadyBound)
	}
	vmo, err := NewVMO(k, uint64(len(image)))
	if err != nil {
		return fmt.Errorf("zk: create vDSO VMO: %w", err)
	}
	if err := vmo.SetName("vdso"); err != nil {
		return err
	}
	if err := vmo.Write(image, 0); err != nil {
		return fmt.Errorf("zk: write vDSO image: %w", err)
	}
	k.vdso = vmo
	return nil
}

// VdsoVMO returns the process-wide vDSO VMO singleton. Callers must
// duplicate it rather than transferring the returned handle.
func (k *Kernel) VdsoVMO() (*VMO, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.vdso == nil {
		return nil, fmt.Errorf("zk: no vDSO image installed: %w", StatusNotFound)
	}
	return k.vdso, nil
}

// PageAlign rounds n up to the next page boundary.
func (k *Kernel) PageAlign(n uint64) uint64 {
	return alignUp(n, k.pageSize)
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
