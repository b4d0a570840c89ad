package elf

import (
	"bytes"
	stdelf "debug/elf"
	"encoding/binary"
)

// SegmentSpec describes one PT_LOAD segment for WriteImage.
type SegmentSpec struct {
	Vaddr uint64
	Flags uint32
	Data  []byte
	Memsz uint64 // zero means len(Data)
}

// ImageSpec describes a minimal position-independent ELF64 image.
type ImageSpec struct {
	Machine   stdelf.Machine
	Entry     uint64
	Interp    string // non-empty adds a PT_INTERP header
	StackSize uint64 // non-zero adds a PT_GNU_STACK header with this memsz
	Segments  []SegmentSpec
}

const (
	ehdrSize = 64
	phdrSize = 56
)

// WriteImage serializes spec as an ET_DYN ELF64 image. It exists to build
// the synthetic vDSO image and test fixtures; it writes program headers
// only, no section table.
func WriteImage(spec ImageSpec) []byte {
	machine := spec.Machine
	if machine == stdelf.EM_NONE {
		machine = stdelf.EM_X86_64
	}

	phnum := len(spec.Segments)
	if spec.Interp != "" {
		phnum++
	}
	if spec.StackSize != 0 {
		phnum++
	}

	type phdr struct {
		Type   uint32
		Flags  uint32
		Off    uint64
		Vaddr  uint64
		Paddr  uint64
		Filesz uint64
		Memsz  uint64
		Align  uint64
	}
	var phdrs []phdr
	var data bytes.Buffer
	dataOff := func() uint64 { return uint64(ehdrSize + phdrSize*phnum + data.Len()) }

	if spec.Interp != "" {
		body := append([]byte(spec.Interp), 0)
		phdrs = append(phdrs, phdr{
			Type:   uint32(stdelf.PT_INTERP),
			Flags:  uint32(stdelf.PF_R),
			Off:    dataOff(),
			Filesz: uint64(len(body)),
			Memsz:  uint64(len(body)),
			Align:  1,
		})
		data.Write(body)
	}
	for _, seg := range spec.Segments {
		memsz := seg.Memsz
		if memsz == 0 {
			memsz = uint64(len(seg.Data))
		}
		phdrs = append(phdrs, phdr{
			Type:   uint32(stdelf.PT_LOAD),
			Flags:  seg.Flags,
			Off:    dataOff(),
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  memsz,
			Align:  0x1000,
		})
		data.Write(seg.Data)
	}
	if spec.StackSize != 0 {
		phdrs = append(phdrs, phdr{
			Type:  uint32(stdelf.PT_GNU_STACK),
			Flags: uint32(stdelf.PF_R | stdelf.PF_W),
			Memsz: spec.StackSize,
			Align: 16,
		})
	}

	var out bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* LSB */, 1 /* EV_CURRENT */}
	out.Write(ident[:])
	le := binary.LittleEndian
	put16 := func(v uint16) { _ = binary.Write(&out, le, v) }
	put32 := func(v uint32) { _ = binary.Write(&out, le, v) }
	put64 := func(v uint64) { _ = binary.Write(&out, le, v) }

	put16(uint16(stdelf.ET_DYN))
	put16(uint16(machine))
	put32(1) // e_version
	put64(spec.Entry)
	put64(ehdrSize) // e_phoff
	put64(0)        // e_shoff
	put32(0)        // e_flags
	put16(ehdrSize)
	put16(phdrSize)
	put16(uint16(phnum))
	put16(0) // e_shentsize
	put16(0) // e_shnum
	put16(0) // e_shstrndx

	for _, p := range phdrs {
		put32(p.Type)
		put32(p.Flags)
		put64(p.Off)
		put64(p.Vaddr)
		put64(p.Paddr)
		put64(p.Filesz)
		put64(p.Memsz)
		put64(p.Align)
	}
	out.Write(data.Bytes())
	return out.Bytes()
}
