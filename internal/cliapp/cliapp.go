// Package cliapp implements the shared command-line surface for
// vpartclone, vpartimage and vntfsclone: identical flags, wired to the
// Format Probe, Block I/O Service and FUSE shim.
package cliapp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	flag "github.com/spf13/pflag"

	"github.com/blichmann-tools/imagebackup/blockio"
	"github.com/blichmann-tools/imagebackup/bytesource"
	"github.com/blichmann-tools/imagebackup/fuseserver"
	"github.com/blichmann-tools/imagebackup/imagebackup"
	"github.com/blichmann-tools/imagebackup/imgopen"
)

// indexStrideValue implements pflag.Value, validating -i/--index_size
// against spec's "N >= 1000 and N mod 8 == 0" constraint (restoring the
// original's argparse type function, per SPEC_FULL §4).
type indexStrideValue int

func (v *indexStrideValue) String() string { return fmt.Sprintf("%d", int(*v)) }
func (v *indexStrideValue) Type() string   { return "int" }
func (v *indexStrideValue) Set(s string) error {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fmt.Errorf("invalid index size %q: %w", s, err)
	}
	if n < 1000 || n%8 != 0 {
		return fmt.Errorf("index size must be >= 1000 and a multiple of 8, got %d", n)
	}
	*v = indexStrideValue(n)
	return nil
}

// fail logs msg/err through logger and, per spec's "error message lines
// begin with Error:", also writes the literal line main.py's top-level
// handler prints for every uncaught exception.
func fail(logger *log.Logger, msg string, err error, kv ...interface{}) int {
	logger.Error(msg, append(kv, "err", err)...)
	fmt.Fprintf(os.Stderr, "Error: %s: %s\n", msg, err)
	return 1
}

// Run implements the shared CLI: parse flags, open filename through the
// Format Probe, optionally dump verbose headers, optionally run the
// Sequential Block Reader with CRC verification, and optionally mount.
func Run(progName string, args []string) int {
	fs := flag.NewFlagSet(progName, flag.ExitOnError)
	mountpoint := fs.StringP("mountpoint", "m", "", "directory where the virtual file appears")
	verbose := fs.BoolP("verbose", "v", false, "dump parsed headers")
	crcCheck := fs.BoolP("crc_check", "c", false, "run the sequential block reader with CRC verification")
	debugFuse := fs.BoolP("debug_fuse", "d", false, "run the mount in foreground with protocol tracing")
	quiet := fs.BoolP("quiet", "q", false, "suppress progress output")
	indexSize := indexStrideValue(imagebackup.DefaultIndexStride)
	fs.VarP(&indexSize, "index_size", "i", "bitmap-index stride in bits (partclone/partimage only)")
	fs.Parse(args)

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})
	switch {
	case *quiet:
		logger.SetLevel(log.WarnLevel)
	case *verbose:
		logger.SetLevel(log.DebugLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	if fs.NArg() != 1 {
		logger.Error("expected exactly one image file argument")
		return 2
	}
	filename := fs.Arg(0)

	src, err := bytesource.Open(filename)
	if err != nil {
		return fail(logger, "failed to open image", err, "file", filename)
	}
	defer src.Close()

	image, err := imgopen.Open(src, imgopen.Options{IndexStride: int(indexSize), Logger: logger})
	if err != nil {
		return fail(logger, "failed to decode image", err, "file", filename)
	}

	if *verbose {
		fmt.Println(image.String())
	}

	if *crcCheck {
		if !src.Seekable() {
			logger.Warn("crc check requested but source is not seekable; proceeding sequentially anyway")
		}
		logger.Info("running sequential block reader", "used_blocks", image.UsedBlocks())
		err := image.BlockReader(imagebackup.BlockReaderOptions{VerifyCRC: true})
		if err != nil {
			return fail(logger, "crc check failed", err)
		}
		logger.Info("crc check passed")
	}

	if *mountpoint == "" {
		return 0
	}

	if !src.Seekable() {
		return fail(logger, "cannot mount", fmt.Errorf("image source is not seekable; decompress it first"))
	}

	svc, err := blockio.New(image, src)
	if err != nil {
		return fail(logger, "failed to initialise block i/o service", err)
	}

	// The virtual file is named like fuseserver.Serve names it: the image's
	// base name with a trailing ".img" (any case) removed.
	virtualName := filepath.Base(image.Filename())
	if n := len(virtualName); n >= 4 && strings.EqualFold(virtualName[n-4:], ".img") {
		virtualName = virtualName[:n-4]
	}
	advice := fuseserver.Advise(image, filepath.Join(*mountpoint, virtualName), *mountpoint)
	logger.Info("mounted", "mountpoint", *mountpoint)
	logger.Info("to access the file system", "mount", advice.MountCommand)
	if advice.FsckCommand != "" {
		logger.Info("to check the file system", "fsck", advice.FsckCommand)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := fuseserver.Serve(ctx, *mountpoint, image, svc, *debugFuse, logger); err != nil {
		return fail(logger, "fuse serve failed", err)
	}
	return 0
}
