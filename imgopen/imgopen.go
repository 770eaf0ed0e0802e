// Package imgopen implements the Format Probe: it peeks a byte source's
// magic bytes and dispatches to the matching decoder. It lives in its own
// package (rather than imagebackup) because it must import all three
// decoder packages, which themselves import imagebackup — importing this
// package in imagebackup would form a cycle.
package imgopen

import (
	"github.com/blichmann-tools/imagebackup/bytesource"
	"github.com/blichmann-tools/imagebackup/imagebackup"
	"github.com/blichmann-tools/imagebackup/ntfsclone"
	"github.com/blichmann-tools/imagebackup/partclone"
	"github.com/blichmann-tools/imagebackup/partimage"
	"github.com/charmbracelet/log"
)

// Options configures image construction across every format.
type Options struct {
	// IndexStride, if non-zero, overrides the default bitmap index stride
	// (spec §6's -i/--index_size).
	IndexStride int
	// Logger receives warnings the decoders emit (e.g. ntfsclone minor
	// version mismatch).
	Logger *log.Logger
}

// Open peeks src's magic bytes against the three known formats — PartClone,
// PartImage, NtfsClone, in that order — and returns the matching decoder.
func Open(src bytesource.Source, opts Options) (imagebackup.Image, error) {
	magic, err := src.Peek(32)
	if err != nil {
		return nil, err
	}

	pcLen := len(imagebackup.PartCloneMagic)
	if len(magic) >= pcLen && string(magic[:pcLen]) == string(imagebackup.PartCloneMagic) {
		img, err := partclone.Open(src)
		if err != nil {
			return nil, err
		}
		if opts.IndexStride != 0 {
			img.SetIndexStride(opts.IndexStride)
		}
		return img, nil
	}

	piLen := len(imagebackup.PartImageMagic)
	if len(magic) >= piLen && string(magic[:piLen]) == string(imagebackup.PartImageMagic) {
		img, err := partimage.Open(src)
		if err != nil {
			return nil, err
		}
		if opts.IndexStride != 0 {
			img.SetIndexStride(opts.IndexStride)
		}
		return img, nil
	}

	ncLen := len(imagebackup.NtfsCloneMagic)
	if len(magic) >= ncLen && string(magic[:ncLen]) == string(imagebackup.NtfsCloneMagic) {
		return ntfsclone.Open(src, opts.Logger)
	}

	return nil, &imagebackup.WrongImageFileError{
		Msg:    "no known image format matched (expected partclone, partimage or ntfsclone magic)",
		Peeked: magic,
	}
}
