package procz

import (
	"log/slog"

	"github.com/tinyrange/procz/zk"
)

// reservationVMAR holds the low half of a new process's address space while
// the builder makes its own allocations, keeping that range clear for
// runtime instrumentation (sanitizer shadow memory). The range is released
// with an explicit Destroy; closing the region handle alone would leave the
// range allocated and orphaned.
type reservationVMAR struct {
	vmar     *zk.VMAR
	released bool
}

// reserveLowAddressSpace allocates a region covering the lower half of the
// full address space the root region spans. (base+len) is treated as the
// top of the address space, so the reservation covers half of the whole
// space rather than half of the root region's own length; the root region's
// base already sits above a kernel-reserved low zone.
//
// The allocation is SPECIFIC at the root region's base, so it must happen
// before any other mapping into the region.
func reserveLowAddressSpace(root *zk.VMAR) (*reservationVMAR, error) {
	info, err := root.Info()
	if err != nil {
		return nil, newError(KindGenericStatus, "get root VMAR info", err)
	}
	k := root.Kernel()
	reserveSize := k.PageAlign((info.Base+info.Len)/2) - info.Base

	sub, base, err := root.Allocate(0, reserveSize, zk.VmarSpecific)
	if err != nil {
		return nil, newError(KindGenericStatus, "allocate reservation VMAR", err)
	}
	if base != info.Base {
		return nil, newError(KindInternal, "reservation VMAR allocated at wrong address", nil)
	}
	return &reservationVMAR{vmar: sub}, nil
}

// Destroy releases the reserved range. It is safe to call more than once;
// only the first call acts. Used as a deferred guard so the release runs on
// every exit path out of Build.
func (r *reservationVMAR) Destroy() {
	if r == nil || r.released {
		return
	}
	r.released = true
	if err := r.vmar.Destroy(); err != nil {
		slog.Warn("destroy reservation VMAR", "err", err)
	}
	r.vmar.Close()
}
