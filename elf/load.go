package elf

import (
	"fmt"

	"github.com/tinyrange/procz/zk"
)

// Loaded describes an image mapped into a target address space.
type Loaded struct {
	// Entry is the image entry point biased by the load address.
	Entry uint64

	// Base is the address the image's lowest PT_LOAD page landed at.
	Base uint64

	// SubVMAR owns the region the segments were mapped into. Ownership
	// passes to the caller.
	SubVMAR *zk.VMAR
}

// Load maps the PT_LOAD segments of f into a freshly allocated sub-region of
// vmar. Segment bytes are copied into per-segment anonymous VMOs so the
// source image stays untouched; bss beyond p_filesz reads as zero.
func Load(vmo *zk.VMO, vmar *zk.VMAR, f *File) (*Loaded, error) {
	k := vmo.Kernel()
	if k == nil {
		return nil, zk.StatusBadHandle
	}

	var minVaddr, maxVaddr uint64
	first := true
	for _, ph := range f.Progs {
		if ph.Type != PTLoad || ph.Memsz == 0 {
			continue
		}
		start := ph.Vaddr &^ (k.PageSize() - 1)
		end := k.PageAlign(ph.Vaddr + ph.Memsz)
		if first || start < minVaddr {
			minVaddr = start
		}
		if end > maxVaddr {
			maxVaddr = end
		}
		first = false
	}
	if first {
		return nil, ErrNoLoadSegment
	}

	sub, base, err := vmar.Allocate(0, maxVaddr-minVaddr, 0)
	if err != nil {
		return nil, fmt.Errorf("elf: allocate load region: %w", err)
	}
	bias := base - minVaddr

	for _, ph := range f.Progs {
		if ph.Type != PTLoad || ph.Memsz == 0 {
			continue
		}
		segStart := ph.Vaddr &^ (k.PageSize() - 1)
		segSize := k.PageAlign(ph.Vaddr+ph.Memsz) - segStart
		pad := ph.Vaddr - segStart

		seg, err := zk.NewVMO(k, segSize)
		if err != nil {
			return nil, fmt.Errorf("elf: create segment VMO: %w", err)
		}
		if err := seg.SetName(fmt.Sprintf("segment:%#x", ph.Vaddr)); err != nil {
			return nil, err
		}
		if ph.Filesz > 0 {
			data := make([]byte, ph.Filesz)
			if err := vmo.Read(data, ph.Offset); err != nil {
				return nil, fmt.Errorf("elf: read segment @%#x: %w", ph.Offset, err)
			}
			if err := seg.Write(data, pad); err != nil {
				return nil, fmt.Errorf("elf: fill segment @%#x: %w", ph.Vaddr, err)
			}
		}

		flags := zk.VmarSpecific | segmentPerms(ph.Flags)
		if _, err := sub.Map(segStart-minVaddr, seg, 0, segSize, flags); err != nil {
			return nil, fmt.Errorf("elf: map segment @%#x: %w", ph.Vaddr, err)
		}
		seg.Close()
	}

	return &Loaded{
		Entry:   f.Entry + bias,
		Base:    base,
		SubVMAR: sub,
	}, nil
}

func segmentPerms(flags uint32) zk.VmarFlags {
	var perms zk.VmarFlags
	if flags&PFRead != 0 {
		perms |= zk.VmarPermRead
	}
	if flags&PFWrite != 0 {
		perms |= zk.VmarPermWrite
	}
	if flags&PFExec != 0 {
		perms |= zk.VmarPermExecute
	}
	return perms
}
