package partclone

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

// buildImage assembles a minimal, CRC-valid partclone stream with blockSize
// bytes per block, totalBlocks blocks, every block in use, checksum_mode off.
func buildImage(t *testing.T, totalBlocks uint64, blockSize uint32, blocks [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer

	header := make([]byte, headerSize)
	copy(header[0:15], imagebackup.PartCloneMagic)
	copy(header[15:29], []byte("v0.3.14\x00\x00\x00\x00\x00\x00\x00"))
	copy(header[29:33], []byte("0002"))
	binary.LittleEndian.PutUint16(header[33:35], 0xC0DE)
	copy(header[35:51], []byte("EXTFS\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"))
	binary.LittleEndian.PutUint64(header[51:59], totalBlocks*uint64(blockSize))
	binary.LittleEndian.PutUint64(header[59:67], totalBlocks)
	binary.LittleEndian.PutUint64(header[67:75], totalBlocks)
	binary.LittleEndian.PutUint64(header[75:83], totalBlocks)
	binary.LittleEndian.PutUint32(header[83:87], blockSize)
	// featureSel, imageVer, cpuBits left zero
	binary.LittleEndian.PutUint16(header[95:97], 0) // checksum_mode = 0 (none)
	crc := imagebackup.UpdateCRC32(imagebackup.CRC32Seed, header[:106])
	binary.LittleEndian.PutUint32(header[106:110], crc)
	buf.Write(header)

	bitmapBytes := int((totalBlocks + 7) / 8)
	bitmap := make([]byte, bitmapBytes)
	for i := uint64(0); i < totalBlocks; i++ {
		bitmap[i/8] |= 1 << uint(i%8)
	}
	bitmapCRC := imagebackup.UpdateCRC32(imagebackup.CRC32Seed, bitmap)
	buf.Write(bitmap)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], bitmapCRC)
	buf.Write(crcBuf[:])

	for _, b := range blocks {
		buf.Write(b)
	}
	return buf.Bytes()
}

func openTestImage(t *testing.T, raw []byte) *Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.partclone.img")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	src, err := bytesource.OpenFile(path)
	require.NoError(t, err)
	img, err := Open(src)
	require.NoError(t, err)
	return img
}

func TestOpen_ValidHeaderAndBitmap(t *testing.T) {
	blockSize := uint32(16)
	block0 := bytes.Repeat([]byte{0xAA}, int(blockSize))
	block1 := bytes.Repeat([]byte{0xBB}, int(blockSize))
	raw := buildImage(t, 2, blockSize, [][]byte{block0, block1})

	img := openTestImage(t, raw)
	assert.Equal(t, "partclone", img.Tool())
	assert.Equal(t, "EXTFS", img.FSType())
	assert.Equal(t, int64(blockSize), img.BlockSize())
	assert.Equal(t, int64(2), img.TotalBlocks())
	assert.Equal(t, int64(2), img.UsedBlocks())
}

func TestOpen_RejectsBadMagic(t *testing.T) {
	raw := buildImage(t, 1, 16, [][]byte{bytes.Repeat([]byte{1}, 16)})
	raw[0] = 'X'
	path := filepath.Join(t.TempDir(), "bad.img")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	src, err := bytesource.OpenFile(path)
	require.NoError(t, err)
	_, err = Open(src)
	require.Error(t, err)
	var wrongErr *imagebackup.WrongImageFileError
	assert.ErrorAs(t, err, &wrongErr)
}

func TestOpen_RejectsCorruptHeaderCRC(t *testing.T) {
	raw := buildImage(t, 1, 16, [][]byte{bytes.Repeat([]byte{1}, 16)})
	raw[20] ^= 0xFF // perturb tool_version, inside CRC-covered region
	path := filepath.Join(t.TempDir(), "bad.img")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	src, err := bytesource.OpenFile(path)
	require.NoError(t, err)
	_, err = Open(src)
	require.Error(t, err)
	var hdrErr *imagebackup.HeaderCorruptError
	assert.ErrorAs(t, err, &hdrErr)
}

func TestBlockInUseAndGetBlockOffset(t *testing.T) {
	blockSize := uint32(8)
	block0 := bytes.Repeat([]byte{0x01}, int(blockSize))
	block1 := bytes.Repeat([]byte{0x02}, int(blockSize))
	raw := buildImage(t, 2, blockSize, [][]byte{block0, block1})
	img := openTestImage(t, raw)

	inUse, err := img.BlockInUse(0)
	require.NoError(t, err)
	assert.True(t, inUse)

	off0, ok, err := img.GetBlockOffset(0)
	require.NoError(t, err)
	require.True(t, ok)
	off1, ok, err := img.GetBlockOffset(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(blockSize), off1-off0)

	_, err = img.BlockInUse(2)
	assert.Error(t, err)
}

func TestBlockReader_VisitsEveryUsedBlockInOrder(t *testing.T) {
	blockSize := uint32(4)
	block0 := bytes.Repeat([]byte{0xAA}, int(blockSize))
	block1 := bytes.Repeat([]byte{0xBB}, int(blockSize))
	raw := buildImage(t, 2, blockSize, [][]byte{block0, block1})
	img := openTestImage(t, raw)

	var seen [][]byte
	err := img.BlockReader(imagebackup.BlockReaderOptions{
		Visit: func(offset int64, data []byte) {
			cp := append([]byte(nil), data...)
			seen = append(seen, cp)
		},
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, block0, seen[0])
	assert.Equal(t, block1, seen[1])
}
