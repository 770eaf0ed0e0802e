// Package fuseserver exposes an Image's reconstructed partition as a
// single read-only regular file through a FUSE mount, built on
// bazil.org/fuse.
package fuseserver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/blichmann-tools/imagebackup/blockio"
	"github.com/blichmann-tools/imagebackup/imagebackup"
	"github.com/charmbracelet/log"
)

// MountAdvice is the mount/fsck command line a user would run against the
// mounted virtual file, tailored to the detected file system.
type MountAdvice struct {
	MountCommand string
	FsckCommand  string
}

var mountTypeByFS = map[string]string{
	"ext2": "ext2", "ext3": "ext3", "ext4": "ext4",
	"ntfs": "ntfs-3g", "fat16": "vfat", "fat32": "vfat",
	"xfs": "xfs", "hfs": "hfs", "hfsplus": "hfsplus",
	"jfs": "jfs", "reiserfs": "reiserfs", "ufs": "ufs",
}

var fsckByFS = map[string]string{
	"ext2": "e2fsck", "ext3": "e2fsck", "ext4": "e2fsck",
	"ntfs": "ntfsfix", "fat16": "fsck.vfat", "fat32": "fsck.vfat",
	"xfs": "xfs_repair", "jfs": "fsck.jfs", "reiserfs": "reiserfsck",
}

// Advise builds the mount/fsck command suggestions the original tool prints
// after a successful mount (SPEC_FULL §4 supplemented feature).
func Advise(image imagebackup.Image, loopDevice, mountpoint string) MountAdvice {
	fs := strings.ToLower(image.FSType())
	mountType := mountTypeByFS[fs]
	if mountType == "" {
		mountType = fs
	}
	fsck := fsckByFS[fs]
	advice := MountAdvice{
		MountCommand: "mount -t " + mountType + " -o ro " + loopDevice + " <dir>",
	}
	if fsck != "" {
		advice.FsckCommand = fsck + " -n " + loopDevice
	}
	return advice
}

// root is the FUSE filesystem root: a directory containing exactly one
// regular file, the reconstructed partition.
type root struct {
	name string
	file *virtualFile
}

func (r *root) Root() (fs.Node, error) { return r, nil }

func (r *root) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0o555
	return nil
}

func (r *root) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if name == r.name {
		return r.file, nil
	}
	return nil, syscall.ENOENT
}

func (r *root) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	return []fuse.Dirent{{Name: r.name, Type: fuse.DT_File}}, nil
}

// virtualFile is the single read-only file exposing the partition image.
type virtualFile struct {
	svc  *blockio.Service
	size int64
}

func (f *virtualFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0o444
	a.Size = uint64(f.size)
	return nil
}

func (f *virtualFile) ReadAll(ctx context.Context) ([]byte, error) {
	return f.svc.ReadData(0, f.size)
}

func (f *virtualFile) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	resp.Flags |= fuse.OpenKeepCache
	return f, nil
}

func (f *virtualFile) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	data, err := f.svc.ReadData(req.Offset, int64(req.Size))
	if err != nil {
		return err
	}
	resp.Data = data
	return nil
}

// stripImgSuffix drops a trailing ".img" (case-insensitive), per spec's
// "the image filename with a trailing .img (case-insensitive) stripped".
func stripImgSuffix(name string) string {
	if len(name) >= 4 && strings.EqualFold(name[len(name)-4:], ".img") {
		return name[:len(name)-4]
	}
	return name
}

// Serve mounts mountpoint and serves image's reconstructed partition as a
// single file named after the image's source filename, blocking until the
// mount is unmounted or ctx is cancelled.
func Serve(ctx context.Context, mountpoint string, image imagebackup.Image, svc *blockio.Service, debug bool, logger *log.Logger) error {
	c, err := fuse.Mount(mountpoint, fuse.FSName("imagebackup"), fuse.Subtype("imagebackupfs"), fuse.ReadOnly())
	if err != nil {
		return err
	}
	defer c.Close()

	if debug {
		fuse.Debug = func(msg interface{}) { logger.Debug("fuse", "msg", msg) }
	}

	name := stripImgSuffix(filepath.Base(image.Filename()))
	fsys := &root{name: name, file: &virtualFile{svc: svc, size: svc.TotalSize()}}

	errCh := make(chan error, 1)
	go func() { errCh <- fs.Serve(c, fsys) }()

	select {
	case <-ctx.Done():
		fuse.Unmount(mountpoint)
		return <-errCh
	case err := <-errCh:
		return err
	}
}
