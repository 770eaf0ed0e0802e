package partimage

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blichmann-tools/imagebackup/bytesource"
	"github.com/blichmann-tools/imagebackup/imagebackup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putStr(buf []byte, offset, size int, s string) {
	copy(buf[offset:offset+size], s)
}

func putLE32(buf []byte, offset int, v uint32) { binary.LittleEndian.PutUint32(buf[offset:offset+4], v) }
func putLE64(buf []byte, offset int, v uint64) { binary.LittleEndian.PutUint64(buf[offset:offset+8], v) }

func buildVolumeHeader(volumeNo uint32, identifier uint64) []byte {
	buf := make([]byte, volumeHeaderSize)
	copy(buf[0:32], imagebackup.PartImageMagic)
	putStr(buf, 32, 64, "0.6.1")
	putLE32(buf, 96, volumeNo)
	putLE64(buf, 100, identifier)
	return buf
}

func buildMainHeader(filesystem, device string, partSize uint64) []byte {
	buf := make([]byte, headerSize)
	cur := 0
	putStr(buf, cur, 512, filesystem)
	cur += 512
	cur += 4096 // description
	putStr(buf, cur, 512, device)
	cur += 512
	cur += 4095 // first path
	cur += 65   // sysname
	cur += 65   // nodename
	cur += 65   // release
	cur += 65   // version
	cur += 65   // machine
	putLE32(buf, cur, 0) // compression
	putLE32(buf, cur+4, 0) // flags
	cur += 8
	cur += 44 // datetime
	putLE64(buf, cur, partSize)
	cur += 8
	cur += 128 // hostname
	cur += 64  // version (again)
	cur += 12  // mbr count/size/encrypt algo

	crc := checksumAdditive(buf[:headerSize-4])
	binary.LittleEndian.PutUint32(buf[headerSize-4:], uint32(crc))
	return buf
}

func buildLocalHeader(blockSize, usedBlocks, blockCount, bitmapSize uint64) []byte {
	buf := make([]byte, headerSize)
	putLE64(buf, 0, blockSize)
	putLE64(buf, 8, usedBlocks)
	putLE64(buf, 16, blockCount)
	putLE64(buf, 24, bitmapSize)
	putLE64(buf, 32, 0) // bad blocks
	putStr(buf, 40, 64, "")

	crc := checksumAdditive(buf[:headerSize-4])
	binary.LittleEndian.PutUint32(buf[headerSize-4:], uint32(crc))
	return buf
}

// buildImage assembles a single-volume, single-block partimage stream.
// When includeData is true, the data section (one used block, one inline
// check record, and the tail) is appended as well.
func buildImage(t *testing.T, includeData bool) []byte {
	t.Helper()
	const blockSize = uint64(65536)

	var buf bytes.Buffer
	buf.Write(buildVolumeHeader(0, 0xAABBCCDD))
	buf.Write(buildMainHeader("ext4", "/dev/sda1", blockSize))
	buf.WriteString("MAGIC-BEGIN-LOCALHEADER")
	buf.Write(buildLocalHeader(blockSize, 1, 1, 1))
	buf.WriteString("MAGIC-BEGIN-BITMAP")
	buf.WriteByte(0x01) // block 0 in use
	buf.WriteString("MAGIC-BEGIN-DATABLOCKS")

	if includeData {
		block0 := bytes.Repeat([]byte{0x5A}, int(blockSize))
		buf.Write(block0)

		chk := make([]byte, checkSize)
		copy(chk[0:4], checkMagic)
		// checkCRC left at zero: test disables VerifyCRC
		putLE64(chk, 8, 0) // checkPos = run start (0)
		buf.Write(chk)

		var tail [tailSize]byte
		copy(tail[0:16], "MAGIC-BEGIN-TAIL")
		// sum left at zero: test disables VerifyCRC
		putLE32(tail[24:], 0, 0) // volume = 0
		buf.Write(tail[:])
	} else {
		// nextSegment's scanner reads in fixed 1024-byte chunks regardless of
		// where the sentinel falls, so Open() needs this much trailing data
		// even though it never looks past the "DATABLOCKS" sentinel itself.
		buf.Write(make([]byte, 1100))
	}

	return buf.Bytes()
}

func openTestImage(t *testing.T, raw []byte) (*Image, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.partimage.000")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	src, err := bytesource.OpenFile(path)
	require.NoError(t, err)
	img, err := Open(src)
	require.NoError(t, err)
	return img, path
}

func TestOpen_ParsesHeadersAndBitmap(t *testing.T) {
	raw := buildImage(t, false)
	img, _ := openTestImage(t, raw)

	assert.Equal(t, "partimage", img.Tool())
	assert.Equal(t, "EXT4", img.FSType())
	assert.Equal(t, int64(65536), img.BlockSize())
	assert.Equal(t, int64(1), img.TotalBlocks())
	assert.Equal(t, int64(1), img.UsedBlocks())

	inUse, err := img.BlockInUse(0)
	require.NoError(t, err)
	assert.True(t, inUse)
}

func TestOpen_RejectsWrongFirstVolume(t *testing.T) {
	raw := buildImage(t, false)
	vh := buildVolumeHeader(1, 0xAABBCCDD)
	copy(raw[0:volumeHeaderSize], vh)
	path := filepath.Join(t.TempDir(), "test.partimage.001")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	src, err := bytesource.OpenFile(path)
	require.NoError(t, err)
	_, err = Open(src)
	require.Error(t, err)
	var hdrErr *imagebackup.HeaderCorruptError
	assert.ErrorAs(t, err, &hdrErr)
}

func TestGetBlockOffset(t *testing.T) {
	raw := buildImage(t, false)
	img, _ := openTestImage(t, raw)

	off, ok, err := img.GetBlockOffset(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, img.dataBlocksOffset, off)
}

func TestBlockReader_ReadsSingleBlockAndTail(t *testing.T) {
	raw := buildImage(t, true)
	img, _ := openTestImage(t, raw)

	var seen [][]byte
	err := img.BlockReader(imagebackup.BlockReaderOptions{
		VerifyCRC: false,
		Visit: func(offset int64, data []byte) {
			seen = append(seen, append([]byte(nil), data...))
		},
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, bytes.Repeat([]byte{0x5A}, 65536), seen[0])
}
