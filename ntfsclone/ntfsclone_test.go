package ntfsclone

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

// buildImage assembles a minimal ntfsclone stream: header, then a command
// stream of (unused run, single cluster, single cluster, unused run).
func buildImage(t *testing.T, clusterSize uint32, nrClusters, inuse uint64, clusters [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer

	header := make([]byte, headerSize)
	copy(header[0:16], imagebackup.NtfsCloneMagic)
	header[16] = 10 // major
	header[17] = 1  // minor
	binary.LittleEndian.PutUint32(header[18:22], clusterSize)
	binary.LittleEndian.PutUint64(header[22:30], nrClusters*uint64(clusterSize))
	binary.LittleEndian.PutUint64(header[30:38], nrClusters)
	binary.LittleEndian.PutUint64(header[38:46], inuse)
	binary.LittleEndian.PutUint32(header[46:50], headerSize)
	buf.Write(header)

	// cluster 0: unused, cluster 1 & 2: used, cluster 3: unused (nrClusters=4)
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], 1)
	buf.WriteByte(0x00)
	buf.Write(countBuf[:])
	for _, c := range clusters {
		buf.WriteByte(0x01)
		buf.Write(c)
	}
	buf.WriteByte(0x00)
	binary.LittleEndian.PutUint64(countBuf[:], 1)
	buf.Write(countBuf[:])

	return buf.Bytes()
}

func openTestImage(t *testing.T, raw []byte) *Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ntfsclone.img")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	src, err := bytesource.OpenFile(path)
	require.NoError(t, err)
	img, err := Open(src, nil)
	require.NoError(t, err)
	return img
}

func TestOpen_BuildsIndexAndReportsHeader(t *testing.T) {
	clusterSize := uint32(8)
	c1 := bytes.Repeat([]byte{0x11}, int(clusterSize))
	c2 := bytes.Repeat([]byte{0x22}, int(clusterSize))
	raw := buildImage(t, clusterSize, 4, 2, [][]byte{c1, c2})

	img := openTestImage(t, raw)
	assert.Equal(t, "ntfsclone", img.Tool())
	assert.Equal(t, int64(clusterSize), img.BlockSize())
	assert.Equal(t, int64(4), img.TotalBlocks())
	assert.Equal(t, int64(2), img.UsedBlocks())
}

func TestBlockInUse_MatchesCommandStream(t *testing.T) {
	clusterSize := uint32(4)
	c1 := bytes.Repeat([]byte{0xAA}, int(clusterSize))
	c2 := bytes.Repeat([]byte{0xBB}, int(clusterSize))
	raw := buildImage(t, clusterSize, 4, 2, [][]byte{c1, c2})
	img := openTestImage(t, raw)

	inUse0, err := img.BlockInUse(0)
	require.NoError(t, err)
	assert.False(t, inUse0)

	inUse1, err := img.BlockInUse(1)
	require.NoError(t, err)
	assert.True(t, inUse1)

	inUse3, err := img.BlockInUse(3)
	require.NoError(t, err)
	assert.False(t, inUse3)

	_, err = img.BlockInUse(4)
	assert.Error(t, err)
}

func TestBlockReader_VisitsOnlyUsedClustersInOrder(t *testing.T) {
	clusterSize := uint32(4)
	c1 := bytes.Repeat([]byte{0xAA}, int(clusterSize))
	c2 := bytes.Repeat([]byte{0xBB}, int(clusterSize))
	raw := buildImage(t, clusterSize, 4, 2, [][]byte{c1, c2})
	img := openTestImage(t, raw)

	var seen [][]byte
	err := img.BlockReader(imagebackup.BlockReaderOptions{
		Visit: func(offset int64, data []byte) {
			seen = append(seen, append([]byte(nil), data...))
		},
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, c1, seen[0])
	assert.Equal(t, c2, seen[1])
}

func TestOpen_RejectsUnsupportedMajorVersion(t *testing.T) {
	raw := buildImage(t, 4, 1, 0, nil)
	raw[16] = 9 // major version
	path := filepath.Join(t.TempDir(), "bad.img")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	src, err := bytesource.OpenFile(path)
	require.NoError(t, err)
	_, err = Open(src, nil)
	require.Error(t, err)
	var verErr *imagebackup.UnsupportedVersionError
	assert.ErrorAs(t, err, &verErr)
}
