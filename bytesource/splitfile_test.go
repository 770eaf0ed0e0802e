package bytesource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuffixAt_TwoLetterThenFourLetter(t *testing.T) {
	assert.Equal(t, "aa", suffixAt(0))
	assert.Equal(t, "ab", suffixAt(1))
	assert.Equal(t, "az", suffixAt(25))
	assert.Equal(t, "ba", suffixAt(26))
	assert.Equal(t, "yz", suffixAt(25*26-1))
	assert.Equal(t, "zaaa", suffixAt(25*26))
	assert.Equal(t, "zaab", suffixAt(25*26+1))
}

func TestOpenSplit_ReadsAcrossParts(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "image.img.")
	require.NoError(t, os.WriteFile(stem+"aa", []byte("hello "), 0o644))
	require.NoError(t, os.WriteFile(stem+"ab", []byte("world!"), 0o644))

	src, err := OpenSplit(stem)
	require.NoError(t, err)
	defer src.Close()

	got, err := src.ReadExact(12)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", string(got))
}

func TestOpenSplit_SeekAcrossPartBoundary(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "image.img.")
	require.NoError(t, os.WriteFile(stem+"aa", []byte("0123"), 0o644))
	require.NoError(t, os.WriteFile(stem+"ab", []byte("4567"), 0o644))

	src, err := OpenSplit(stem)
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Seek(3))
	got, err := src.ReadExact(3)
	require.NoError(t, err)
	assert.Equal(t, "345", string(got))
}

func TestSplitStem_RequiresSiblingPart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onlyaa"), []byte("x"), 0o644))
	_, ok := splitStem(filepath.Join(dir, "onlyaa"))
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bothab"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bothaa"), []byte("x"), 0o644))
	stem, ok := splitStem(filepath.Join(dir, "bothaa"))
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "both"), stem)
}
