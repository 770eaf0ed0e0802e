// Package partclone decodes the partclone image format: a 110-byte CRC32'd
// header, a CRC32'd presence bitmap, and a data section of packed blocks
// interleaved with periodic running-CRC32 checksums.
package partclone

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blichmann-tools/imagebackup/bytesource"
	"github.com/blichmann-tools/imagebackup/imagebackup"
)

const headerSize = 110

// Header is the parsed partclone header (fields after the 15-byte magic).
type Header struct {
	ToolVersion     string
	ImageVersion    string
	BigEndian       bool
	FSType          string
	TotalSize       uint64
	TotalBlocks     uint64
	UsedBlocks      uint64
	UsedBitmap      uint64
	BlockSize       uint32
	FeatureSel      uint32
	ImageVer        uint16
	CPUBits         uint16
	ChecksumMode    uint16
	ChecksumSize    uint16
	ChecksumBlocks  uint32
	ChecksumReseed  uint8
	BitmapMode      uint8
	HeaderCRC32     uint32
}

// Image implements imagebackup.Image over a partclone stream.
type Image struct {
	src      bytesource.Source
	filename string
	hdr      Header
	bitmap   []byte
	bitsPerBlock int

	bitsOffset  int64 // file offset of the first byte of the data section
	indexStride int
	index       *imagebackup.BitmapIndex
}

// SetIndexStride overrides the bitmap index stride (in bits) used by the
// next BuildBlockIndex call; must be set before the first random access.
func (img *Image) SetIndexStride(stride int) { img.indexStride = stride }

func nulTerminated(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Open peeks the magic, parses and CRC-validates the header, then reads and
// CRC-validates the bitmap.
func Open(src bytesource.Source) (*Image, error) {
	magic, err := src.Peek(len(imagebackup.PartCloneMagic))
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, imagebackup.PartCloneMagic) {
		return nil, &imagebackup.WrongImageFileError{Msg: "partclone magic mismatch", Peeked: magic}
	}

	raw, err := src.ReadExact(headerSize)
	if err != nil {
		return nil, err
	}

	storedCRC := binary.LittleEndian.Uint32(raw[106:110])
	crc := imagebackup.UpdateCRC32(imagebackup.CRC32Seed, raw[:106])
	if crc != storedCRC {
		return nil, &imagebackup.HeaderCorruptError{
			Msg: fmt.Sprintf("partclone header crc32 mismatch: have 0x%08x want 0x%08x", crc, storedCRC),
		}
	}

	// Absolute field offsets within the 110-byte header (spec §4.4):
	// magic[0:15] toolVersion[15:29] imageVersion[29:33] endian[33:35]
	// fsType[35:51] totalSize[51:59] totalBlocks[59:67] usedBlocks[67:75]
	// usedBitmap[75:83] blockSize[83:87] featureSel[87:91] imageVer[91:93]
	// cpuBits[93:95] checksumMode[95:97] checksumSize[97:99]
	// checksumBlocks[99:103] checksumReseed[103] bitmapMode[104]
	// reserved[105] headerCRC32[106:110]
	toolVersion := nulTerminated(raw[15:29])
	imageVersion := string(raw[29:33])
	if imageVersion != "0002" {
		return nil, &imagebackup.UnsupportedVersionError{Msg: fmt.Sprintf("partclone image version %q unsupported", imageVersion)}
	}
	endianWord := binary.LittleEndian.Uint16(raw[33:35])
	var bo binary.ByteOrder
	bigEndian := false
	switch endianWord {
	case 0xC0DE:
		bo = binary.LittleEndian
	case 0xDEC0:
		bo = binary.BigEndian
		bigEndian = true
	default:
		return nil, &imagebackup.HeaderCorruptError{Msg: fmt.Sprintf("partclone endian marker 0x%04x unrecognised", endianWord)}
	}
	fsType := nulTerminated(raw[35:51])

	h := Header{ToolVersion: toolVersion, ImageVersion: imageVersion, BigEndian: bigEndian, FSType: fsType}
	h.TotalSize = bo.Uint64(raw[51:59])
	h.TotalBlocks = bo.Uint64(raw[59:67])
	h.UsedBlocks = bo.Uint64(raw[67:75])
	h.UsedBitmap = bo.Uint64(raw[75:83])
	h.BlockSize = bo.Uint32(raw[83:87])
	h.FeatureSel = bo.Uint32(raw[87:91])
	h.ImageVer = bo.Uint16(raw[91:93])
	h.CPUBits = bo.Uint16(raw[93:95])
	h.ChecksumMode = bo.Uint16(raw[95:97])
	h.ChecksumSize = bo.Uint16(raw[97:99])
	h.ChecksumBlocks = bo.Uint32(raw[99:103])
	h.ChecksumReseed = raw[103]
	h.BitmapMode = raw[104]
	h.HeaderCRC32 = storedCRC

	if h.ChecksumMode != 0 && h.ChecksumMode != 32 {
		return nil, &imagebackup.UnsupportedVersionError{Msg: fmt.Sprintf("partclone checksum_mode %d unsupported", h.ChecksumMode)}
	}

	bitmapBytes := int((h.TotalBlocks + 7) / 8)
	bitmapRaw, err := src.ReadExact(bitmapBytes + 4)
	if err != nil {
		return nil, err
	}
	bitmap := bitmapRaw[:bitmapBytes]
	storedBitmapCRC := bo.Uint32(bitmapRaw[bitmapBytes:])
	bitmapCRC := imagebackup.UpdateCRC32(imagebackup.CRC32Seed, bitmap)
	if bitmapCRC != storedBitmapCRC {
		return nil, &imagebackup.BitmapCorruptError{
			Msg: fmt.Sprintf("partclone bitmap crc32 mismatch: have 0x%08x want 0x%08x", bitmapCRC, storedBitmapCRC),
		}
	}
	imagebackup.MaskTrailingBits(bitmap, int64(h.TotalBlocks))

	want := h.UsedBlocks
	if h.UsedBitmap > want {
		want = h.UsedBitmap
	}
	if got := imagebackup.PopcountBitmap(bitmap); uint64(got) != want {
		return nil, &imagebackup.BitmapCorruptError{
			Msg: fmt.Sprintf("partclone bitmap popcount %d disagrees with header used-block count %d", got, want),
		}
	}

	dataOffset, err := src.Tell()
	if err != nil {
		return nil, err
	}

	return &Image{
		src:        src,
		filename:   src.Name(),
		hdr:        h,
		bitmap:     bitmap,
		bitsOffset: dataOffset,
	}, nil
}

func (img *Image) Tool() string       { return "partclone" }
func (img *Image) FSType() string     { return img.hdr.FSType }
func (img *Image) BlockSize() int64   { return int64(img.hdr.BlockSize) }
func (img *Image) TotalSize() int64   { return int64(img.hdr.TotalSize) }
func (img *Image) TotalBlocks() int64 { return int64(img.hdr.TotalBlocks) }
func (img *Image) UsedBlocks() int64  { return int64(img.hdr.UsedBlocks) }
func (img *Image) Bitmap() []byte     { return img.bitmap }
func (img *Image) BlocksSectionOffset() int64 { return img.bitsOffset }
func (img *Image) Filename() string   { return img.filename }

func (img *Image) BlockInUse(blockNo int64) (bool, error) {
	if blockNo < 0 || blockNo >= img.TotalBlocks() {
		return false, &imagebackup.OutOfRangeError{BlockNo: blockNo, TotalBlocks: img.TotalBlocks()}
	}
	return img.bitmap[blockNo/8]&(1<<uint(blockNo%8)) != 0, nil
}

func (img *Image) BuildBlockIndex() error {
	if img.index != nil {
		return nil
	}
	stride := img.indexStride
	if stride == 0 {
		stride = imagebackup.DefaultIndexStride
	}
	checksumBlocks := int64(0)
	checksumSize := int64(0)
	if img.hdr.ChecksumMode == 32 {
		checksumBlocks = int64(img.hdr.ChecksumBlocks)
		checksumSize = int64(img.hdr.ChecksumSize)
	}
	idx, err := imagebackup.NewBitmapIndex(img.bitmap, img.TotalBlocks(), stride,
		int64(img.hdr.BlockSize), checksumBlocks, checksumSize, img.bitsOffset)
	if err != nil {
		return err
	}
	idx.Build()
	img.index = idx
	return nil
}

func (img *Image) GetBlockOffset(blockNo int64) (int64, bool, error) {
	if err := img.BuildBlockIndex(); err != nil {
		return 0, false, err
	}
	return img.index.Offset(blockNo)
}

// BlockReader streams every in-use block in bitmap order, validating the
// interleaved running CRC32 checksums when opts.VerifyCRC and the header's
// checksum_mode is 32.
func (img *Image) BlockReader(opts imagebackup.BlockReaderOptions) error {
	if err := img.src.Seek(img.bitsOffset); err != nil {
		return err
	}
	checksumMode := img.hdr.ChecksumMode == 32
	checksumBlocks := int64(img.hdr.ChecksumBlocks)
	checksumSize := int64(img.hdr.ChecksumSize)

	var running uint32 = imagebackup.CRC32Seed
	var sinceCheck int64
	var blockNo int64

	for byteIdx, b := range img.bitmap {
		if b == 0 {
			blockNo += 8
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if int64(byteIdx)*8+int64(bit) >= img.TotalBlocks() {
				break
			}
			if b&(1<<uint(bit)) == 0 {
				blockNo++
				continue
			}
			data, err := img.src.ReadExact(int(img.hdr.BlockSize))
			if err != nil {
				return err
			}
			if opts.Visit != nil {
				opts.Visit(blockNo*int64(img.hdr.BlockSize), data)
			}
			if checksumMode {
				running = imagebackup.UpdateCRC32(running, data)
				sinceCheck++
				if sinceCheck == checksumBlocks {
					if err := img.checkRunningCRC(&running, checksumSize, opts.VerifyCRC); err != nil {
						return err
					}
					sinceCheck = 0
				}
			}
			blockNo++
		}
	}
	if checksumMode && sinceCheck > 0 {
		if err := img.checkRunningCRC(&running, checksumSize, opts.VerifyCRC); err != nil {
			return err
		}
	}
	return img.checkNoTrailingData()
}

// checkNoTrailingData mirrors the original's post-loop "end-of-file
// expected" read: any bytes left after the last block and checksum is
// corruption, not a format the decoder silently tolerates.
func (img *Image) checkNoTrailingData() error {
	trailing, err := img.src.Peek(int(img.hdr.BlockSize))
	if err != nil {
		return err
	}
	if len(trailing) != 0 {
		return &imagebackup.DataCorruptError{
			Msg: fmt.Sprintf("%d byte(s) of unexpected data after end of backup", len(trailing)),
		}
	}
	return nil
}

func (img *Image) checkRunningCRC(running *uint32, checksumSize int64, verify bool) error {
	stored, err := img.src.ReadExact(int(checksumSize))
	if err != nil {
		return err
	}
	if verify {
		have := *running
		want := binary.LittleEndian.Uint32(stored[:4])
		if img.hdr.BigEndian {
			want = binary.BigEndian.Uint32(stored[:4])
		}
		if have != want {
			return &imagebackup.DataCorruptError{
				Msg: fmt.Sprintf("partclone block checksum mismatch: have 0x%08x want 0x%08x", have, want),
			}
		}
	}
	if img.hdr.ChecksumReseed != 0 {
		*running = imagebackup.CRC32Seed
	}
	return nil
}

func (img *Image) String() string {
	return fmt.Sprintf("partclone image %q: tool_version=%q fs=%s block_size=%d total_blocks=%d "+
		"used_blocks=%d checksum_mode=%d checksum_blocks=%d checksum_size=%d reseed=%d",
		img.filename, img.hdr.ToolVersion, img.hdr.FSType, img.hdr.BlockSize, img.hdr.TotalBlocks,
		img.hdr.UsedBlocks, img.hdr.ChecksumMode, img.hdr.ChecksumBlocks, img.hdr.ChecksumSize, img.hdr.ChecksumReseed)
}
