// Command prun builds a process image from an ELF executable inside an
// in-memory capability kernel and shows the result: either a dump of the
// bootstrap messages a real process would receive, or the start record of
// the launched process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tinyrange/procz"
	"github.com/tinyrange/procz/elf"
	"github.com/tinyrange/procz/ldsvc"
	"github.com/tinyrange/procz/processargs"
	"github.com/tinyrange/procz/zk"
)

const defaultBuildTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "prun: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	arch := flag.String("arch", runtime.GOARCH, "Target architecture (amd64, arm64)")
	start := flag.Bool("start", false, "Start the process instead of dumping its bootstrap messages")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <manifest.yaml>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Build a process from an ELF executable and inspect its bootstrap state.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s hello.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --start --arch arm64 hello.yaml\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		return fmt.Errorf("manifest path required")
	}
	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	manifest, err := loadManifest(args[0])
	if err != nil {
		return err
	}
	kernelArch, err := parseArchitecture(*arch)
	if err != nil {
		return err
	}

	k, err := zk.New(zk.Options{Arch: kernelArch, Vdso: vdsoImage()})
	if err != nil {
		return fmt.Errorf("create kernel: %w", err)
	}

	executable, err := fileVMO(k, manifest.Executable)
	if err != nil {
		return fmt.Errorf("read executable: %w", err)
	}

	b, err := procz.NewProcessBuilder(manifest.Name, k.RootJob(), executable)
	if err != nil {
		return err
	}
	if len(manifest.Args) > 0 {
		b.AddArguments(manifest.Args...)
	} else {
		b.AddArguments(manifest.Name)
	}
	b.AddEnvironmentVariables(manifest.Env...)

	var entries []procz.NamespaceEntry
	for _, mount := range manifest.Namespace {
		dir, peer := zk.NewChannel(k)
		defer peer.Close()
		entries = append(entries, procz.NamespaceEntry{Path: mount.Path, Directory: dir})
	}
	if len(entries) > 0 {
		if err := b.AddNamespaceEntries(entries); err != nil {
			return err
		}
	}

	ctx := context.Background()
	if len(manifest.LibDirs) > 0 {
		loaderCh, serverCh := zk.NewChannel(k)
		serveCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			defer serverCh.Close()
			if err := ldsvc.Serve(serveCtx, serverCh, libraryResolver(k, manifest.LibDirs)); err != nil {
				slog.Error("loader service", "err", err)
			}
		}()
		if err := b.SetLoaderService(loaderCh); err != nil {
			return err
		}
	}

	timeout := manifest.Timeout.Duration()
	if timeout == 0 {
		timeout = defaultBuildTimeout
	}
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	built, err := b.Build(buildCtx)
	if err != nil {
		return err
	}
	slog.Info("process built",
		"name", manifest.Name,
		"entry", hex(built.Entry),
		"stack_pointer", hex(built.StackPointer),
		"vdso_base", hex(built.VdsoBase),
		"elf_base", hex(built.ElfBase))

	if *start {
		proc, err := built.Start()
		if err != nil {
			return err
		}
		record, err := proc.StartRecord()
		if err != nil {
			return fmt.Errorf("read start record: %w", err)
		}
		fmt.Printf("started %s: entry=%s sp=%s vdso=%s\n",
			manifest.Name, hex(record.Entry), hex(record.StackPointer), hex(record.VdsoBase))
		return nil
	}
	return dumpBootstrap(built.Bootstrap)
}

func hex(v uint64) string { return fmt.Sprintf("%#x", v) }

func parseArchitecture(arch string) (zk.Arch, error) {
	switch arch {
	case "amd64", "x86_64":
		return zk.ArchAMD64, nil
	case "arm64", "aarch64":
		return zk.ArchARM64, nil
	default:
		return zk.ArchInvalid, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

// vdsoImage synthesizes the runtime-support image installed in the kernel.
// Real systems ship a prebuilt one; a single executable page is enough here.
func vdsoImage() []byte {
	return elf.WriteImage(elf.ImageSpec{
		Entry: 0x10,
		Segments: []elf.SegmentSpec{
			{Vaddr: 0, Flags: elf.PFRead | elf.PFExec, Data: []byte{0x0f, 0x05, 0xc3}},
		},
	})
}

func fileVMO(k *zk.Kernel, path string) (*zk.VMO, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vmo, err := zk.NewVMO(k, uint64(len(image)))
	if err != nil {
		return nil, err
	}
	if err := vmo.Write(image, 0); err != nil {
		vmo.Close()
		return nil, err
	}
	if err := vmo.SetName(filepath.Base(path)); err != nil {
		vmo.Close()
		return nil, err
	}
	return vmo, nil
}

// libraryResolver resolves loader-service requests against the manifest's
// library directories, first match wins.
func libraryResolver(k *zk.Kernel, dirs []string) ldsvc.ResolveFunc {
	return func(name string) (*zk.VMO, error) {
		for _, dir := range dirs {
			vmo, err := fileVMO(k, filepath.Join(dir, name))
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, err
			}
			slog.Debug("resolved object", "name", name, "dir", dir)
			return vmo, nil
		}
		return nil, fmt.Errorf("object %q not found", name)
	}
}

func dumpBootstrap(ch *zk.Channel) error {
	for i := 0; ; i++ {
		data, handles, err := ch.Read()
		if errors.Is(err, zk.StatusShouldWait) || errors.Is(err, zk.StatusPeerClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read bootstrap channel: %w", err)
		}
		msg, err := processargs.Parse(data, handles)
		if err != nil {
			return fmt.Errorf("parse bootstrap message: %w", err)
		}

		fmt.Printf("message %d: %d bytes, %d handles\n", i, len(data), len(handles))
		for _, arg := range msg.Args {
			fmt.Printf("  arg  %q\n", arg)
		}
		for _, env := range msg.Environ {
			fmt.Printf("  env  %q\n", env)
		}
		for idx, path := range msg.NamespacePaths {
			fmt.Printf("  ns   [%d] %s\n", idx, path)
		}
		for _, h := range msg.Handles {
			name := ""
			if vmo, err := zk.AsVMO(h.Handle); err == nil {
				if n, err := vmo.Name(); err == nil && n != "" {
					name = " " + n
				}
			}
			fmt.Printf("  hnd  %v arg=%d (%s)%s\n", h.Info.Type, h.Info.Arg, h.Handle.Kind(), name)
			h.Handle.Close()
		}
	}
}
