package processargs

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/procz/zk"
)

func newTestKernel(t *testing.T) *zk.Kernel {
	t.Helper()
	k, err := zk.New(zk.Options{})
	if err != nil {
		t.Fatalf("zk.New: %v", err)
	}
	return k
}

func testVMOHandle(t *testing.T, k *zk.Kernel) *zk.Handle {
	t.Helper()
	vmo, err := zk.NewVMO(k, 0x1000)
	if err != nil {
		t.Fatalf("NewVMO: %v", err)
	}
	return vmo.Handle
}

func TestBuildParseRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	contents := MessageContents{
		Args:           []string{"sh", "-c", "echo hi"},
		Environ:        []string{"PATH=/pkg/bin", "TERM=dumb"},
		NamespacePaths: []string{"/pkg", "/data"},
		Handles: []StartupHandle{
			{Handle: testVMOHandle(t, k), Info: NewHandleInfo(HandleVdsoVmo, 0)},
			{Handle: testVMOHandle(t, k), Info: NewHandleInfo(HandleNamespaceDirectory, 1)},
		},
	}

	want, err := CalculateSize(&contents)
	if err != nil {
		t.Fatalf("CalculateSize: %v", err)
	}
	msg, err := Build(contents)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(msg.Bytes) != want {
		t.Errorf("encoded size = %d, CalculateSize said %d", len(msg.Bytes), want)
	}

	p, err := Parse(msg.Bytes, msg.Handles)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := strings.Join(p.Args, " "); got != "sh -c echo hi" {
		t.Errorf("args = %q", p.Args)
	}
	if len(p.Environ) != 2 || p.Environ[1] != "TERM=dumb" {
		t.Errorf("environ = %q", p.Environ)
	}
	if len(p.NamespacePaths) != 2 || p.NamespacePaths[0] != "/pkg" {
		t.Errorf("namespace = %q", p.NamespacePaths)
	}
	if len(p.Handles) != 2 {
		t.Fatalf("handles = %d", len(p.Handles))
	}
	if p.Handles[0].Info != NewHandleInfo(HandleVdsoVmo, 0) {
		t.Errorf("handle 0 info = %+v", p.Handles[0].Info)
	}
	if p.Handles[1].Info != (HandleInfo{Type: HandleNamespaceDirectory, Arg: 1}) {
		t.Errorf("handle 1 info = %+v", p.Handles[1].Info)
	}
}

func TestBuildRejectsInteriorNul(t *testing.T) {
	_, err := Build(MessageContents{Args: []string{"ok", "bad\x00arg"}})
	if !errors.Is(err, ErrNulInString) {
		t.Errorf("Build = %v, want ErrNulInString", err)
	}
	_, err = CalculateSize(&MessageContents{Environ: []string{"A=\x00"}})
	if !errors.Is(err, ErrNulInString) {
		t.Errorf("CalculateSize = %v, want ErrNulInString", err)
	}
}

func TestBuildRejectsOversizedMessage(t *testing.T) {
	big := strings.Repeat("x", MaxMessageBytes)
	if _, err := Build(MessageContents{Args: []string{big}}); !errors.Is(err, ErrMessageTooBig) {
		t.Errorf("Build = %v, want ErrMessageTooBig", err)
	}
}

func TestBuildRejectsInvalidHandle(t *testing.T) {
	k := newTestKernel(t)
	h := testVMOHandle(t, k)
	h.Close()
	_, err := Build(MessageContents{
		Handles: []StartupHandle{{Handle: h, Info: NewHandleInfo(HandleStackVmo, 0)}},
	})
	if !errors.Is(err, zk.StatusBadHandle) {
		t.Errorf("Build = %v, want StatusBadHandle", err)
	}
}

func TestCalculateSizeAllowsClosedHandles(t *testing.T) {
	// Sizing runs before the real handles exist, so placeholders must work.
	k := newTestKernel(t)
	h := testVMOHandle(t, k)
	h.Close()
	c := MessageContents{
		Args:    []string{"ld.so.1"},
		Handles: []StartupHandle{{Handle: h, Info: NewHandleInfo(HandleUser0, 0)}},
	}
	size, err := CalculateSize(&c)
	if err != nil {
		t.Fatalf("CalculateSize: %v", err)
	}
	want := headerSize + handleInfoSize + len("ld.so.1") + 1
	if size != want {
		t.Errorf("size = %d, want %d", size, want)
	}
}

func TestMessageWriteTransfersHandles(t *testing.T) {
	k := newTestKernel(t)
	wr, rd := zk.NewChannel(k)
	defer wr.Close()
	defer rd.Close()

	h := testVMOHandle(t, k)
	msg, err := Build(MessageContents{
		Args:    []string{"init"},
		Handles: []StartupHandle{{Handle: h, Info: NewHandleInfo(HandleExecutableVmo, 0)}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := msg.Write(wr); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if h.Valid() {
		t.Error("handle still valid after transfer")
	}

	data, handles, err := rd.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	p, err := Parse(data, handles)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Args) != 1 || p.Args[0] != "init" {
		t.Errorf("args = %q", p.Args)
	}
	if len(p.Handles) != 1 || !p.Handles[0].Handle.Valid() {
		t.Fatalf("received handles = %+v", p.Handles)
	}
	if got := p.Handles[0].Handle.Kind(); got != "vmo" {
		t.Errorf("received handle kind = %q", got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}, nil); !errors.Is(err, ErrBadMessage) {
		t.Errorf("short header: %v", err)
	}
	msg, err := Build(MessageContents{Args: []string{"a"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bad := append([]byte(nil), msg.Bytes...)
	bad[0] ^= 0xFF // corrupt the protocol field
	if _, err := Parse(bad, nil); !errors.Is(err, ErrBadMessage) {
		t.Errorf("bad protocol: %v", err)
	}
	truncated := msg.Bytes[:len(msg.Bytes)-1]
	if _, err := Parse(truncated, nil); !errors.Is(err, ErrBadMessage) {
		t.Errorf("unterminated string: %v", err)
	}
}
