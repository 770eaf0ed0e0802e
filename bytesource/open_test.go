package bytesource

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_PlainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.img")
	require.NoError(t, os.WriteFile(path, []byte("plain partclone bytes"), 0o644))

	src, err := Open(path)
	require.NoError(t, err)
	defer src.Close()

	assert.True(t, src.Seekable())
	got, err := src.ReadExact(len("plain partclone bytes"))
	require.NoError(t, err)
	assert.Equal(t, "plain partclone bytes", string(got))
}

func TestOpen_GzipFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.img.gz")

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("compressed partclone bytes"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	src, err := Open(path)
	require.NoError(t, err)
	defer src.Close()

	assert.False(t, src.Seekable())
	got, err := src.ReadExact(len("compressed partclone bytes"))
	require.NoError(t, err)
	assert.Equal(t, "compressed partclone bytes", string(got))
}

func TestOpen_PrefersSplitOverPlain(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "image.img.")
	require.NoError(t, os.WriteFile(stem+"aa", []byte("AB"), 0o644))
	require.NoError(t, os.WriteFile(stem+"ab", []byte("CD"), 0o644))

	src, err := Open(stem + "aa")
	require.NoError(t, err)
	defer src.Close()

	got, err := src.ReadExact(4)
	require.NoError(t, err)
	assert.Equal(t, "ABCD", string(got))
}
