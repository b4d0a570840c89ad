// Package processargs encodes and decodes the bootstrap message a new
// process reads on startup: ordered argument and environment strings, the
// namespace path table, and a handle table whose entries carry a type tag
// plus a 16-bit argument.
//
// Wire layout: a fixed header with offset/count fields, a uint32 handle-info
// table (one entry per out-of-band handle, in order), then NUL-terminated
// string tables for arguments, environment, and namespace paths.
package processargs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/procz/zk"
)

const (
	// Protocol and Version identify the bootstrap wire format.
	Protocol = 0x4150585d
	Version  = 0x0001000

	headerSize     = 36
	handleInfoSize = 4

	// MaxMessageBytes bounds a single bootstrap message, matching the
	// channel message limit the consuming runtime reads with.
	MaxMessageBytes = 65536

	// MaxHandles bounds the out-of-band handle table.
	MaxHandles = 1 << 16
)

var (
	ErrNulInString    = errors.New("processargs: string contains interior NUL")
	ErrTooManyHandles = errors.New("processargs: too many handles")
	ErrMessageTooBig  = errors.New("processargs: message exceeds size limit")
	ErrBadMessage     = errors.New("processargs: malformed message")
)

// HandleType tags a handle in the bootstrap handle table.
type HandleType uint8

const (
	HandleProcessSelf        HandleType = 0x01
	HandleThreadSelf         HandleType = 0x02
	HandleDefaultJob         HandleType = 0x03
	HandleRootVmar           HandleType = 0x04
	HandleLoadedVmar         HandleType = 0x05
	HandleLdsvcLoader        HandleType = 0x10
	HandleVdsoVmo            HandleType = 0x11
	HandleStackVmo           HandleType = 0x13
	HandleExecutableVmo      HandleType = 0x14
	HandleNamespaceDirectory HandleType = 0x20
	HandleFileDescriptor     HandleType = 0x30
	HandleDirectoryRequest   HandleType = 0x3B
	HandleUser0              HandleType = 0xF0
	HandleUser1              HandleType = 0xF1
)

func (t HandleType) String() string {
	switch t {
	case HandleProcessSelf:
		return "ProcessSelf"
	case HandleThreadSelf:
		return "ThreadSelf"
	case HandleDefaultJob:
		return "DefaultJob"
	case HandleRootVmar:
		return "RootVmar"
	case HandleLoadedVmar:
		return "LoadedVmar"
	case HandleLdsvcLoader:
		return "LdsvcLoader"
	case HandleVdsoVmo:
		return "VdsoVmo"
	case HandleStackVmo:
		return "StackVmo"
	case HandleExecutableVmo:
		return "ExecutableVmo"
	case HandleNamespaceDirectory:
		return "NamespaceDirectory"
	case HandleFileDescriptor:
		return "FileDescriptor"
	case HandleDirectoryRequest:
		return "DirectoryRequest"
	case HandleUser0:
		return "User0"
	case HandleUser1:
		return "User1"
	default:
		return fmt.Sprintf("HandleType(%#x)", uint8(t))
	}
}

// HandleInfo pairs a handle type with its 16-bit argument (for example the
// namespace table index of a NamespaceDirectory handle).
type HandleInfo struct {
	Type HandleType
	Arg  uint16
}

// NewHandleInfo is a convenience constructor.
func NewHandleInfo(t HandleType, arg uint16) HandleInfo {
	return HandleInfo{Type: t, Arg: arg}
}

func (i HandleInfo) raw() uint32 {
	return uint32(i.Type) | uint32(i.Arg)<<16
}

func handleInfoFromRaw(raw uint32) HandleInfo {
	return HandleInfo{Type: HandleType(raw & 0xFF), Arg: uint16(raw >> 16)}
}

// StartupHandle is an owned handle plus its table entry.
type StartupHandle struct {
	Handle *zk.Handle
	Info   HandleInfo
}

// MessageContents is the in-progress, not-yet-encoded form of a bootstrap
// message.
type MessageContents struct {
	Args           []string
	Environ        []string
	NamespacePaths []string
	Handles        []StartupHandle
}

// CalculateSize returns the encoded byte size of contents without building
// the message. Handle validity is not checked, so the contents may include
// placeholder handles for sizing purposes.
func CalculateSize(c *MessageContents) (int, error) {
	if len(c.Handles) > MaxHandles {
		return 0, ErrTooManyHandles
	}
	size := headerSize + handleInfoSize*len(c.Handles)
	for _, tbl := range [][]string{c.Args, c.Environ, c.NamespacePaths} {
		for _, s := range tbl {
			if strings.IndexByte(s, 0) >= 0 {
				return 0, ErrNulInString
			}
			size += len(s) + 1
		}
	}
	if size > MaxMessageBytes {
		return 0, ErrMessageTooBig
	}
	return size, nil
}

// Message is a fully encoded bootstrap message: the wire bytes plus the
// out-of-band handle array, index-aligned with the handle-info table.
type Message struct {
	Bytes   []byte
	Handles []*zk.Handle
}

// Build encodes contents. Every handle must be valid; ownership of the
// handles passes to the returned Message.
func Build(c MessageContents) (*Message, error) {
	size, err := CalculateSize(&c)
	if err != nil {
		return nil, err
	}
	for _, h := range c.Handles {
		if !h.Handle.Valid() {
			return nil, fmt.Errorf("processargs: invalid handle for %v entry: %w", h.Info.Type, zk.StatusBadHandle)
		}
	}

	buf := make([]byte, 0, size)
	le := binary.LittleEndian

	handleInfoOff := uint32(headerSize)
	argsOff := handleInfoOff + uint32(handleInfoSize*len(c.Handles))
	environOff := argsOff + uint32(blobLen(c.Args))
	namesOff := environOff + uint32(blobLen(c.Environ))

	buf = le.AppendUint32(buf, Protocol)
	buf = le.AppendUint32(buf, Version)
	buf = le.AppendUint32(buf, handleInfoOff)
	buf = le.AppendUint32(buf, argsOff)
	buf = le.AppendUint32(buf, uint32(len(c.Args)))
	buf = le.AppendUint32(buf, environOff)
	buf = le.AppendUint32(buf, uint32(len(c.Environ)))
	buf = le.AppendUint32(buf, namesOff)
	buf = le.AppendUint32(buf, uint32(len(c.NamespacePaths)))

	handles := make([]*zk.Handle, 0, len(c.Handles))
	for _, h := range c.Handles {
		buf = le.AppendUint32(buf, h.Info.raw())
		handles = append(handles, h.Handle)
	}
	for _, tbl := range [][]string{c.Args, c.Environ, c.NamespacePaths} {
		for _, s := range tbl {
			buf = append(buf, s...)
			buf = append(buf, 0)
		}
	}
	return &Message{Bytes: buf, Handles: handles}, nil
}

func blobLen(tbl []string) int {
	n := 0
	for _, s := range tbl {
		n += len(s) + 1
	}
	return n
}

// Write sends the message on ch, transferring all its handles.
func (m *Message) Write(ch *zk.Channel) error {
	return ch.Write(m.Bytes, m.Handles)
}

// ParsedHandle is a received handle plus its decoded table entry.
type ParsedHandle struct {
	Handle *zk.Handle
	Info   HandleInfo
}

// Parsed is the decoded form of a bootstrap message, as the consuming
// runtime sees it.
type Parsed struct {
	Args           []string
	Environ        []string
	NamespacePaths []string
	Handles        []ParsedHandle
}

// Parse decodes a bootstrap message read off a channel. handles is the
// out-of-band handle array accompanying the bytes.
func Parse(data []byte, handles []*zk.Handle) (*Parsed, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrBadMessage)
	}
	le := binary.LittleEndian
	if le.Uint32(data[0:]) != Protocol {
		return nil, fmt.Errorf("%w: bad protocol %#x", ErrBadMessage, le.Uint32(data[0:]))
	}
	if le.Uint32(data[4:]) != Version {
		return nil, fmt.Errorf("%w: bad version %#x", ErrBadMessage, le.Uint32(data[4:]))
	}
	handleInfoOff := le.Uint32(data[8:])
	argsOff := le.Uint32(data[12:])
	argsNum := le.Uint32(data[16:])
	environOff := le.Uint32(data[20:])
	environNum := le.Uint32(data[24:])
	namesOff := le.Uint32(data[28:])
	namesNum := le.Uint32(data[32:])

	infoEnd := uint64(handleInfoOff) + uint64(handleInfoSize*len(handles))
	if infoEnd > uint64(len(data)) {
		return nil, fmt.Errorf("%w: handle info table out of bounds", ErrBadMessage)
	}
	p := &Parsed{}
	for i, h := range handles {
		raw := le.Uint32(data[int(handleInfoOff)+handleInfoSize*i:])
		p.Handles = append(p.Handles, ParsedHandle{Handle: h, Info: handleInfoFromRaw(raw)})
	}

	var err error
	if p.Args, err = readStrings(data, argsOff, argsNum); err != nil {
		return nil, err
	}
	if p.Environ, err = readStrings(data, environOff, environNum); err != nil {
		return nil, err
	}
	if p.NamespacePaths, err = readStrings(data, namesOff, namesNum); err != nil {
		return nil, err
	}
	return p, nil
}

func readStrings(data []byte, off, num uint32) ([]string, error) {
	var out []string
	pos := int(off)
	for i := uint32(0); i < num; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("%w: string table out of bounds", ErrBadMessage)
		}
		end := pos
		for end < len(data) && data[end] != 0 {
			end++
		}
		if end == len(data) {
			return nil, fmt.Errorf("%w: unterminated string", ErrBadMessage)
		}
		out = append(out, string(data[pos:end]))
		pos = end + 1
	}
	return out, nil
}
