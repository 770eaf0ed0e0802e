// Package partimage decodes the partimage image format: a 512-byte Volume
// Header, a sequence of 16384-byte Main/Local/Info headers delimited by
// "MAGIC-BEGIN-..." sentinels, a raw bitmap, and a data section of blocks
// interleaved with periodic inline check records, closed by a global
// additive checksum at "MAGIC-BEGIN-TAIL".
package partimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/blichmann-tools/imagebackup/bytesource"
	"github.com/blichmann-tools/imagebackup/imagebackup"
)

const (
	volumeHeaderSize = 512
	headerSize       = 16388 // main/local/info headers including 4-byte checksum
	tailSize         = 28
	checkFrequency   = 65536
	checkSize        = 16
	magicBegin       = "MAGIC-BEGIN-"
)

var checkMagic = []byte("CHK\x00")

// VolumeHeader is the first 512 bytes of every partimage volume file.
type VolumeHeader struct {
	Version    string
	VolumeNo   uint32
	Identifier uint64
}

// MainHeader describes the saved filesystem and the run that produced the
// image.
type MainHeader struct {
	Filesystem, Description, Device string
	FirstPath                       string
	Sysname, Nodename, Release      string
	Version, Machine                string
	Compression, Flags              uint32
	DateTime                        time.Time
	PartSize                        uint64
	Hostname                        string
	MBRCount, MBRSize, EncryptAlgo  uint32
}

// LocalHeader carries the block-level geometry: block size, used/total
// block counts and bitmap size.
type LocalHeader struct {
	BlockSize, UsedBlocks, BlockCount, BitmapSize, BadBlocks uint64
	Label                                                    string
}

// Image implements imagebackup.Image over a partimage stream.
type Image struct {
	src      bytesource.Source
	filename string

	volumeHeader VolumeHeader
	main         MainHeader
	local        LocalHeader
	info         *InfoHeader
	bitmap       []byte

	dataBlocksOffset int64
	address          int64
	globalChecksum   uint64
	maxBlockRange    int64

	indexStride int
	index       *imagebackup.BitmapIndex
}

func checksumAdditive(buf []byte) int32 { return imagebackup.AdditiveChecksumSigned8(buf) }

func nulTerminatedStr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// validateHeaderChecksum checks the trailing signed-byte-sum checksum of a
// 16388-byte header buffer.
func validateHeaderChecksum(kind string, buf []byte) error {
	stored := int32(binary.LittleEndian.Uint32(buf[headerSize-4:]))
	got := checksumAdditive(buf[:headerSize-4])
	if got != stored {
		return &imagebackup.HeaderCorruptError{
			Msg: fmt.Sprintf("partimage %s header checksum mismatch: have %08x want %08x", kind, uint32(got), uint32(stored)),
		}
	}
	return nil
}

func parseVolumeHeader(buf []byte, filename string) (VolumeHeader, error) {
	if !bytes.Equal(buf[:32], imagebackup.PartImageMagic) {
		return VolumeHeader{}, &imagebackup.WrongImageFileError{Msg: "partimage magic mismatch", Peeked: buf[:32]}
	}
	version := nulTerminatedStr(buf[32:96])
	volumeNo := binary.LittleEndian.Uint32(buf[96:100])
	identifier := binary.LittleEndian.Uint64(buf[100:108])
	return VolumeHeader{Version: version, VolumeNo: volumeNo, Identifier: identifier}, nil
}

func parseMainHeader(buf []byte) (MainHeader, error) {
	if err := validateHeaderChecksum("Main", buf); err != nil {
		return MainHeader{}, err
	}
	cur := 0
	readStr := func(size int) string {
		s := nulTerminatedStr(buf[cur : cur+size])
		cur += size
		return s
	}
	m := MainHeader{}
	m.Filesystem = readStr(512)
	m.Description = readStr(4096)
	m.Device = readStr(512)
	m.FirstPath = readStr(4095)
	m.Sysname = readStr(65)
	m.Nodename = readStr(65)
	m.Release = readStr(65)
	m.Version = readStr(65)
	m.Machine = readStr(65)

	m.Compression = le32(buf[cur : cur+4])
	m.Flags = le32(buf[cur+4 : cur+8])
	cur += 8

	dt := buf[cur : cur+44]
	sec := le32(dt[0:4])
	min := le32(dt[4:8])
	hour := le32(dt[8:12])
	mday := le32(dt[12:16])
	mon := le32(dt[16:20])
	year := le32(dt[20:24])
	m.DateTime = time.Date(int(year)+1900, time.Month(mon+1), int(mday), int(hour), int(min), int(sec), 0, time.UTC)
	cur += 44

	m.PartSize = le64(buf[cur : cur+8])
	cur += 8

	m.Hostname = readStr(128)
	m.Version = readStr(64)

	m.MBRCount = le32(buf[cur : cur+4])
	m.MBRSize = le32(buf[cur+4 : cur+8])
	m.EncryptAlgo = le32(buf[cur+8 : cur+12])

	return m, nil
}

func parseLocalHeader(buf []byte) (LocalHeader, error) {
	if err := validateHeaderChecksum("Local", buf); err != nil {
		return LocalHeader{}, err
	}
	l := LocalHeader{}
	l.BlockSize = le64(buf[0:8])
	l.UsedBlocks = le64(buf[8:16])
	l.BlockCount = le64(buf[16:24])
	l.BitmapSize = le64(buf[24:32])
	l.BadBlocks = le64(buf[32:40])
	l.Label = nulTerminatedStr(buf[40:104])
	return l, nil
}

// Open reads the Volume, Main, Local (and optional Info) headers, then the
// raw bitmap, following "MAGIC-BEGIN-..." sentinels exactly as partimage.py
// streams them, stopping at MAGIC-BEGIN-DATABLOCKS.
func Open(src bytesource.Source) (*Image, error) {
	vhBuf, err := src.ReadExact(volumeHeaderSize)
	if err != nil {
		return nil, err
	}
	vh, err := parseVolumeHeader(vhBuf, src.Name())
	if err != nil {
		return nil, err
	}
	if vh.VolumeNo != 0 {
		return nil, &imagebackup.HeaderCorruptError{Msg: "partimage file is not the first volume of an image"}
	}

	img := &Image{src: src, filename: src.Name(), volumeHeader: vh, address: volumeHeaderSize}

	mainBuf, err := img.readTracked(headerSize)
	if err != nil {
		return nil, err
	}
	img.main, err = parseMainHeader(mainBuf)
	if err != nil {
		return nil, err
	}

	for {
		segment, err := img.nextSegment()
		if err != nil {
			return nil, err
		}
		switch segment {
		case "MAGIC-BEGIN-LOCALHEADER":
			buf, err := img.readTracked(headerSize)
			if err != nil {
				return nil, err
			}
			img.local, err = parseLocalHeader(buf)
			if err != nil {
				return nil, err
			}
		case "MAGIC-BEGIN-INFO":
			buf, err := img.readTracked(headerSize)
			if err != nil {
				return nil, err
			}
			if err := validateHeaderChecksum("Info", buf); err != nil {
				return nil, err
			}
			img.info = parseInfoHeader(img.main.Filesystem, buf[:headerSize-4])
		case "MAGIC-BEGIN-BITMAP":
			buf, err := img.readTracked(int(img.local.BitmapSize))
			if err != nil {
				return nil, err
			}
			img.bitmap = buf
		case "MAGIC-BEGIN-DATABLOCKS":
			img.dataBlocksOffset = img.address
			img.maxBlockRange = (1 << 18) / int64(img.local.BlockSize)
			return img, nil
		default:
			return nil, &imagebackup.HeaderCorruptError{Msg: fmt.Sprintf("unexpected partimage segment %q", segment)}
		}
	}
}

// nextSegment scans forward for the next "MAGIC-BEGIN-[0-9A-Z]+" sentinel,
// tracking consumed bytes into the global checksum/address as it goes.
// Faithful to partimage.py's rolling-buffer scan, including its quirk of
// collapsing a spurious nested "MAGIC-BEGIN-" within the matched name onto
// the inner occurrence.
func (img *Image) nextSegment() (string, error) {
	const readChunk = 1024
	const threshold = len(magicBegin) + 16

	buf := []byte{}
	for {
		chunk, err := img.src.ReadExact(readChunk)
		if err != nil {
			if len(chunk) == 0 {
				return "", err
			}
		}
		img.track(chunk)
		buf = append(buf, chunk...)

		idx := bytes.Index(buf, []byte(magicBegin))
		if idx == -1 {
			buf = buf[:0]
			continue
		}

		for idx > len(buf)-threshold {
			more, err := img.src.ReadExact(readChunk)
			if err != nil {
				if len(more) == 0 {
					return "", &imagebackup.TruncatedError{Msg: "end of file while reading partimage segment name"}
				}
			}
			img.track(more)
			buf = append(buf, more...)
		}

		idx2 := idx + len(magicBegin)
		for idx2 < len(buf) {
			ch := buf[idx2]
			if (ch >= '0' && ch <= '9') || (ch >= 'A' && ch <= 'Z') {
				idx2++
				continue
			}
			break
		}

		if idx3 := bytes.Index(buf[idx+len(magicBegin):idx2], []byte(magicBegin)); idx3 != -1 {
			idx2 = idx3 + idx + len(magicBegin)
		}

		name := string(buf[idx:idx2])
		if err := img.rewind(buf[idx2:]); err != nil {
			return "", err
		}
		return name, nil
	}
}

// rewind un-reads the chunk-aligned tail consumed past a segment name's end
// so the following readTracked call starts right after the name, not at an
// arbitrary chunk boundary. On a non-seekable source (a decompressed pipe)
// the over-read cannot be undone; the caller's readTracked will then fail
// rather than silently misparse, which is the best available behaviour.
func (img *Image) rewind(trailing []byte) error {
	if len(trailing) == 0 {
		return nil
	}
	if !img.src.Seekable() {
		return nil
	}
	pos, err := img.src.Tell()
	if err != nil {
		return err
	}
	if err := img.src.Seek(pos - int64(len(trailing))); err != nil {
		return err
	}
	img.address -= int64(len(trailing))
	var sum uint64
	for _, c := range trailing {
		sum += uint64(c)
	}
	img.globalChecksum -= sum
	return nil
}

// track advances the rolling address and global additive checksum by the
// bytes consumed, mirroring partimage.py's dispose_buffer.
func (img *Image) track(b []byte) {
	img.address += int64(len(b))
	var sum uint64
	for _, c := range b {
		sum += uint64(c)
	}
	img.globalChecksum += sum
}

func (img *Image) readTracked(n int) ([]byte, error) {
	buf, err := img.src.ReadExact(n)
	if err != nil {
		return nil, err
	}
	img.track(buf)
	return buf, nil
}

func (img *Image) Tool() string       { return "partimage" }
func (img *Image) FSType() string     { return strings.ToUpper(img.main.Filesystem) }
func (img *Image) BlockSize() int64   { return int64(img.local.BlockSize) }
func (img *Image) TotalSize() int64   { return int64(img.main.PartSize) }
func (img *Image) TotalBlocks() int64 { return int64(img.local.BlockCount) }
func (img *Image) UsedBlocks() int64  { return int64(img.local.UsedBlocks) }
func (img *Image) Bitmap() []byte     { return img.bitmap }
func (img *Image) BlocksSectionOffset() int64 { return img.dataBlocksOffset }
func (img *Image) Filename() string   { return img.filename }

// SetIndexStride overrides the bitmap index stride (in bits); must be set
// before the first random access.
func (img *Image) SetIndexStride(stride int) { img.indexStride = stride }

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
	checksumBlocks := checkFrequency / int64(img.local.BlockSize)
	idx, err := imagebackup.NewBitmapIndex(img.bitmap, img.TotalBlocks(), stride,
		int64(img.local.BlockSize), checksumBlocks, checkSize, img.dataBlocksOffset)
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

// usedBlocksRange returns the next run of consecutive used blocks starting
// at or after idx, capped at maxBlockRange so inline check boundaries are
// never skipped (spec §4.5 "Constrained run traversal"). length is zero
// once the bitmap is exhausted.
func (img *Image) usedBlocksRange(idx int64) (start int64, length int64) {
	byteIdx := idx / 8
	bitIdx := uint(idx % 8)
	if int(byteIdx) >= len(img.bitmap) {
		return -1, 0
	}
	b := img.bitmap[byteIdx]
	start = -1

	mask := byte((uint(1) << bitIdx) - 1) ^ 0xff
	b &= mask
	if b != 0 {
		for bitIdx < 8 {
			if (1<<bitIdx)&b != 0 {
				if length == 0 {
					start = 8*byteIdx + int64(bitIdx)
				}
				length++
			} else if length != 0 {
				return start, length
			}
			bitIdx++
		}
	}

	byteIdx++
	bitIdx = 0
	if length == 0 {
		for int(byteIdx) < len(img.bitmap) && img.bitmap[byteIdx] == 0 {
			byteIdx++
		}
		if int(byteIdx) >= len(img.bitmap) {
			return start, length
		}
		b = img.bitmap[byteIdx]
		for bi := uint(0); bi < 8; bi++ {
			if (1<<bi)&b != 0 {
				if length == 0 {
					start = 8*byteIdx + int64(bi)
				}
				length++
			} else if length != 0 {
				return start, length
			}
		}
		byteIdx++
	}

	for int(byteIdx) < len(img.bitmap) && img.bitmap[byteIdx] == 0xff {
		length += 8
		if length >= img.maxBlockRange {
			return start, img.maxBlockRange
		}
		byteIdx++
	}
	if int(byteIdx) >= len(img.bitmap) {
		return start, length
	}
	b = img.bitmap[byteIdx]
	for bi := uint(0); bi < 8; bi++ {
		if (1<<bi)&b != 0 {
			length++
		} else {
			break
		}
	}
	if length > img.maxBlockRange {
		length = img.maxBlockRange
	}
	return start, length
}

// BlockReader streams every used block in bitmap-run order, validating the
// periodic inline check record and the trailing global checksum when
// opts.VerifyCRC is set.
func (img *Image) BlockReader(opts imagebackup.BlockReaderOptions) error {
	if err := img.src.Seek(img.dataBlocksOffset); err != nil {
		return err
	}
	img.address = img.dataBlocksOffset
	img.globalChecksum = 0

	blockSize := int64(img.local.BlockSize)
	blockCount := int64(img.local.BlockCount)
	var checkCount, noBlocks int64
	var crc uint32

	blockStart, blockLength := int64(0), int64(0)
	for {
		blockStart, blockLength = img.usedBlocksRange(blockStart + blockLength)
		if blockLength == 0 {
			break
		}
		for blockNo := blockStart; blockNo < blockStart+blockLength; blockNo++ {
			if blockNo == blockCount {
				break
			}
			noBlocks++
			checkCount += blockSize

			data, err := img.nextVolumeAwareRead(int(blockSize))
			if err != nil {
				return err
			}
			crc = imagebackup.PartImageCRCUpdate(crc, data)
			if opts.Visit != nil {
				opts.Visit(blockNo*blockSize, data)
			}

			if checkCount >= checkFrequency {
				chk, err := img.nextVolumeAwareRead(checkSize)
				if err != nil {
					return err
				}
				if !bytes.Equal(chk[:4], checkMagic) {
					return &imagebackup.DataCorruptError{Msg: fmt.Sprintf("expected check record after block %d", blockNo)}
				}
				checkCRC := binary.LittleEndian.Uint32(chk[4:8])
				checkPos := binary.LittleEndian.Uint64(chk[8:16])
				if int64(checkPos) != blockStart {
					return &imagebackup.DataCorruptError{Msg: fmt.Sprintf("check record start %d disagrees with run start %d", checkPos, blockStart)}
				}
				if opts.VerifyCRC && checkCRC != crc {
					return &imagebackup.DataCorruptError{Msg: fmt.Sprintf("check record crc32 mismatch after block %d: have 0x%08x want 0x%08x", blockNo, crc, checkCRC)}
				}
				checkCount = 0
				crc = 0
			}
		}
	}

	if noBlocks != int64(img.local.UsedBlocks) {
		return &imagebackup.DataCorruptError{
			Msg: fmt.Sprintf("read %d used blocks, header declares %d", noBlocks, img.local.UsedBlocks),
		}
	}

	tail, err := img.nextVolumeAwareRead(tailSize)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(tail, []byte("MAGIC-BEGIN-TAIL")) {
		return &imagebackup.DataCorruptError{Msg: "expected MAGIC-BEGIN-TAIL"}
	}
	rest := tail[16:]
	sum := le64(rest[0:8])
	volume := le32(rest[8:12])
	if volume != img.volumeHeader.VolumeNo {
		return &imagebackup.DataCorruptError{Msg: fmt.Sprintf("tail volume %d disagrees with opened volume %d", volume, img.volumeHeader.VolumeNo)}
	}
	if opts.VerifyCRC && sum != img.globalChecksum {
		return &imagebackup.DataCorruptError{
			Msg: fmt.Sprintf("global checksum mismatch for volume %d: %016x != %016x", volume, sum, img.globalChecksum),
		}
	}
	return nil
}

// nextVolumeAwareRead reads n bytes, opening the next volume file on
// truncation (spec §4.5 "Cross-volume continuation").
func (img *Image) nextVolumeAwareRead(n int) ([]byte, error) {
	data, err := img.src.ReadExact(n)
	if err == nil {
		img.track(data)
		return data, nil
	}
	if _, ok := err.(*imagebackup.TruncatedError); !ok {
		return nil, err
	}
	if err := img.openNextVolume(); err != nil {
		return nil, err
	}
	data, err = img.src.ReadExact(n)
	if err != nil {
		return nil, err
	}
	img.track(data)
	return data, nil
}

// openNextVolume implements partimage's multi-volume continuation: the
// current filename must end in a zero-padded ".NNN" volume suffix; the
// sibling ".NNN+1" file's Volume Header must declare volume_no = NNN+1 and
// the same identifier.
func (img *Image) openNextVolume() error {
	filename := img.src.Name()
	suffix := fmt.Sprintf(".%03d", img.volumeHeader.VolumeNo)
	if !strings.HasSuffix(filename, suffix) {
		return &imagebackup.TruncatedError{Msg: fmt.Sprintf("end of file reading %q: not a multi-volume image", filename)}
	}
	nextName := strings.TrimSuffix(filename, suffix) + fmt.Sprintf(".%03d", img.volumeHeader.VolumeNo+1)

	next, err := bytesource.OpenFile(nextName)
	if err != nil {
		return &imagebackup.TruncatedError{Msg: fmt.Sprintf("end of file reading %q; next volume %q not found", filename, filepath.Base(nextName))}
	}
	buf, err := next.ReadExact(volumeHeaderSize)
	if err != nil {
		next.Close()
		return err
	}
	vh, err := parseVolumeHeader(buf, nextName)
	if err != nil {
		next.Close()
		return err
	}
	if vh.VolumeNo != img.volumeHeader.VolumeNo+1 || vh.Identifier != img.volumeHeader.Identifier {
		next.Close()
		return &imagebackup.DataCorruptError{Msg: fmt.Sprintf("volume continuation mismatch for %q", nextName)}
	}
	img.src.Close()
	img.src = next
	img.volumeHeader = vh
	return nil
}

func (img *Image) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "partimage image %q: fs=%s device=%q part_size=%s block_size=%d total_blocks=%d used_blocks=%d\n",
		img.filename, img.main.Filesystem, img.main.Device, imagebackup.ReportSize(int64(img.main.PartSize)),
		img.local.BlockSize, img.local.BlockCount, img.local.UsedBlocks)
	if img.info != nil {
		b.WriteString(img.info.String())
	}
	return b.String()
}
