package imagebackup

import "fmt"

// Magic byte sequences that identify the three supported image formats.
// A probe peeks at most len(PartImageMagic) bytes and compares against all
// three before giving up.
var (
	PartCloneMagic = []byte("partclone-image")
	PartImageMagic = append([]byte("PaRtImAgE-VoLuMe"), make([]byte, 16)...)
	NtfsCloneMagic = append([]byte{0x00}, []byte("ntfsclone-image")...)
)

// BlockVisitor is called once per in-use block by BlockReader, with the
// block's byte offset within the logical partition and its payload.
type BlockVisitor func(logicalOffset int64, block []byte)

// BlockReaderOptions configures a sequential pass over an image's in-use
// blocks.
type BlockReaderOptions struct {
	// VerifyCRC enables inline checksum validation where the format
	// carries one. Ignored by formats (ntfsclone) that carry none.
	VerifyCRC bool
	// Visit, if non-nil, is invoked for every in-use block in ascending
	// logical order.
	Visit BlockVisitor
}

// Image is the common surface of PartClone, PartImage and NtfsClone
// decoders. A decoder's header parse and (for bitmap formats) bitmap read
// happen at construction time; everything else is served from the
// resulting value.
type Image interface {
	// Tool names the producing tool: "partclone", "partimage" or
	// "ntfsclone".
	Tool() string
	// FSType returns the upper-cased file-system name, e.g. "NTFS".
	FSType() string
	// BlockSize returns the file system's block size in bytes.
	BlockSize() int64
	// TotalSize returns the file system's total size in bytes.
	TotalSize() int64
	// TotalBlocks returns the file system's total block count.
	TotalBlocks() int64
	// UsedBlocks returns the number of in-use blocks.
	UsedBlocks() int64
	// Bitmap returns the presence bitmap, or nil for formats (ntfsclone)
	// that have none.
	Bitmap() []byte
	// BlocksSectionOffset returns the offset of the first stored block
	// within the source.
	BlocksSectionOffset() int64
	// BlockInUse reports whether block blockNo is present in the image.
	BlockInUse(blockNo int64) (bool, error)
	// BuildBlockIndex builds whatever index random access needs. It is
	// idempotent and is called lazily by GetBlockOffset on first use.
	BuildBlockIndex() error
	// GetBlockOffset returns the offset of block blockNo within the
	// source. ok is false when the block is unused.
	GetBlockOffset(blockNo int64) (offset int64, ok bool, err error)
	// BlockReader streams every in-use block in ascending logical order.
	BlockReader(opts BlockReaderOptions) error
	// Filename returns the name of the file the image was opened from.
	Filename() string
	// String renders the parsed headers for -v/--verbose output.
	String() string
}

// ReportSize formats a byte count using the appropriate binary unit
// (B, KB, MB, GB, TB, PB, EB, ZB), matching the original tool's progress
// and verbose output.
func ReportSize(size int64) string {
	units := [...]string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB"}
	for k := len(units) - 1; k >= 0; k-- {
		if k == 0 {
			return fmt.Sprintf("%d %s", size, units[k])
		}
		szUnit := int64(1) << uint(k*10)
		if size >= szUnit {
			return fmt.Sprintf("%.1f %s", float64(size)/float64(szUnit), units[k])
		}
	}
	panic("unreachable")
}
