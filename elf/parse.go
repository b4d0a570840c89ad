// Package elf parses ELF64 executable images held in memory objects and maps
// their loadable segments into a target address space region.
package elf

import (
	stdelf "debug/elf"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tinyrange/procz/zk"
)

var (
	ErrNotELF        = errors.New("elf: not an ELF64 image")
	ErrNotPIE        = errors.New("elf: image is not position-independent (want ET_DYN)")
	ErrBadMachine    = errors.New("elf: unsupported machine")
	ErrNoLoadSegment = errors.New("elf: image has no PT_LOAD segments")
)

// Segment types and flags re-exported so callers do not need a second elf
// import for the common queries.
const (
	PTLoad     = uint32(stdelf.PT_LOAD)
	PTInterp   = uint32(stdelf.PT_INTERP)
	PTGNUStack = uint32(stdelf.PT_GNU_STACK)

	PFExec  = uint32(stdelf.PF_X)
	PFWrite = uint32(stdelf.PF_W)
	PFRead  = uint32(stdelf.PF_R)
)

// ProgramHeader is one ELF64 program header.
type ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// File holds the parsed headers of an ELF64 image along with the memory
// object the image lives in.
type File struct {
	Entry   uint64
	Machine stdelf.Machine
	Progs   []ProgramHeader

	vmo *zk.VMO
}

// vmoReader adapts a VMO to io.ReaderAt for debug/elf.
type vmoReader struct {
	v    *zk.VMO
	size uint64
}

func (r *vmoReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= r.size {
		return 0, io.EOF
	}
	n := len(p)
	var eof error
	if uint64(off)+uint64(n) > r.size {
		n = int(r.size - uint64(off))
		eof = io.EOF
	}
	if err := r.v.Read(p[:n], uint64(off)); err != nil {
		return 0, err
	}
	return n, eof
}

// Parse reads the ELF64 file and program headers out of vmo. The image must
// be a little-endian, position-independent (ET_DYN) ELF64 for a supported
// machine.
func Parse(vmo *zk.VMO) (*File, error) {
	size, err := vmo.Size()
	if err != nil {
		return nil, fmt.Errorf("elf: stat image: %w", err)
	}
	f, err := stdelf.NewFile(&vmoReader{v: vmo, size: size})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	defer f.Close()

	if f.Class != stdelf.ELFCLASS64 || f.Data != stdelf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: class %v data %v", ErrNotELF, f.Class, f.Data)
	}
	switch f.Machine {
	case stdelf.EM_X86_64, stdelf.EM_AARCH64:
	default:
		return nil, fmt.Errorf("%w: %v", ErrBadMachine, f.Machine)
	}
	if f.Type != stdelf.ET_DYN {
		return nil, fmt.Errorf("%w: type %v", ErrNotPIE, f.Type)
	}

	parsed := &File{
		Entry:   f.Entry,
		Machine: f.Machine,
		vmo:     vmo,
	}
	for _, prog := range f.Progs {
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("elf: segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		parsed.Progs = append(parsed.Progs, ProgramHeader{
			Type:   uint32(prog.Type),
			Flags:  uint32(prog.Flags),
			Offset: prog.Off,
			Vaddr:  prog.Vaddr,
			Filesz: prog.Filesz,
			Memsz:  prog.Memsz,
			Align:  prog.Align,
		})
	}
	return parsed, nil
}

// ProgramHeaderWithType returns the first program header of the given type,
// or nil if the image has none.
func (f *File) ProgramHeaderWithType(typ uint32) *ProgramHeader {
	for i := range f.Progs {
		if f.Progs[i].Type == typ {
			return &f.Progs[i]
		}
	}
	return nil
}

// Interp returns the interpreter path named by the PT_INTERP header. It
// fails if the image has no PT_INTERP.
func (f *File) Interp() (string, error) {
	hdr := f.ProgramHeaderWithType(PTInterp)
	if hdr == nil {
		return "", errors.New("elf: image has no PT_INTERP header")
	}
	buf := make([]byte, hdr.Filesz)
	if err := f.vmo.Read(buf, hdr.Offset); err != nil {
		return "", fmt.Errorf("elf: read PT_INTERP body: %w", err)
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}
