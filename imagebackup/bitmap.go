package imagebackup

import "math/bits"

// DefaultIndexStride is the default bitmap index stride in bits: one entry
// per 1024 blocks (128 bytes of bitmap), overridable via -i/--index_size.
const DefaultIndexStride = 1024

// BlockOffsetEntry is one entry of a BitmapIndex: the file offset of the
// first potential block this entry covers, and the running in-use block
// count (mod the format's checksum period) at that point.
type BlockOffsetEntry struct {
	FileOffset  int64
	CksumOffset int64
}

// BitmapIndex is the sparse sampled index over a presence bitmap described
// in spec §4.6: one entry per Stride bits, letting GetBlockOffset resolve
// any used block in O(Stride) instead of rescanning the bitmap from byte 0.
type BitmapIndex struct {
	bitmap         []byte
	totalBlocks    int64
	stride         int
	blockSize      int64
	checksumBlocks int64
	checksumSize   int64
	dataOffset     int64

	entries []BlockOffsetEntry
}

// NewBitmapIndex constructs an index over bitmap. stride is in bits and
// must be a positive multiple of 8 and at least 1000; checksumBlocks and
// checksumSize may be zero when the format carries no inline checksums.
func NewBitmapIndex(bitmap []byte, totalBlocks int64, stride int, blockSize, checksumBlocks, checksumSize, dataOffset int64) (*BitmapIndex, error) {
	if stride < 1000 || stride%8 != 0 {
		return nil, &UnsupportedVersionError{Msg: "index stride must be a multiple of 8 and >= 1000"}
	}
	return &BitmapIndex{
		bitmap:         bitmap,
		totalBlocks:    totalBlocks,
		stride:         stride,
		blockSize:      blockSize,
		checksumBlocks: checksumBlocks,
		checksumSize:   checksumSize,
		dataOffset:     dataOffset,
	}, nil
}

// Built reports whether Build has already run.
func (bi *BitmapIndex) Built() bool { return bi.entries != nil }

// Build populates the index in a single deterministic left-to-right pass
// over the bitmap. Calling Build more than once is a no-op.
func (bi *BitmapIndex) Build() {
	if bi.entries != nil {
		return
	}
	strideBytes := bi.stride / 8
	fileOffset := bi.dataOffset
	cksumOffset := int64(0)
	current := BlockOffsetEntry{FileOffset: fileOffset, CksumOffset: 0}
	bi.entries = make([]BlockOffsetEntry, 0, (len(bi.bitmap)+strideBytes-1)/strideBytes)

	for idx1 := 0; idx1 < len(bi.bitmap); idx1 += strideBytes {
		if fileOffset != current.FileOffset {
			current = BlockOffsetEntry{FileOffset: fileOffset, CksumOffset: cksumOffset}
		}
		bi.entries = append(bi.entries, current)

		idx2 := idx1 + strideBytes
		if idx2 > len(bi.bitmap) {
			idx2 = len(bi.bitmap)
		}
		inuse := int64(popcountRange(bi.bitmap[idx1:idx2]))
		cksumOffset += inuse
		fileOffset += bi.blockSize * inuse
		if bi.checksumBlocks > 0 && cksumOffset >= bi.checksumBlocks {
			fileOffset += bi.checksumSize * (cksumOffset / bi.checksumBlocks)
			cksumOffset %= bi.checksumBlocks
		}
	}
}

// InUse reports whether blockNo's bitmap bit is set.
func (bi *BitmapIndex) InUse(blockNo int64) (bool, error) {
	if blockNo < 0 || blockNo >= bi.totalBlocks {
		return false, &OutOfRangeError{BlockNo: blockNo, TotalBlocks: bi.totalBlocks}
	}
	byteIdx := blockNo / 8
	bit := uint(blockNo % 8)
	return bi.bitmap[byteIdx]&(1<<bit) != 0, nil
}

// Offset resolves blockNo to its file offset. ok is false when the block
// is unused; Build is invoked lazily on first call.
func (bi *BitmapIndex) Offset(blockNo int64) (offset int64, ok bool, err error) {
	inUse, err := bi.InUse(blockNo)
	if err != nil {
		return 0, false, err
	}
	if !inUse {
		return 0, false, nil
	}
	bi.Build()

	strideBytes := int64(bi.stride / 8)
	entryIdx := blockNo / int64(bi.stride)
	entry := bi.entries[entryIdx]

	bmIdx1 := entryIdx * strideBytes
	bmIdx2 := blockNo / 8

	p := popcountRange(bi.bitmap[bmIdx1:bmIdx2])
	bit := uint(blockNo % 8)
	mask := byte((1 << bit) - 1)
	p += bits.OnesCount8(bi.bitmap[bmIdx2] & mask)

	cksum := entry.CksumOffset + int64(p)
	offset = entry.FileOffset + bi.blockSize*int64(p)
	if bi.checksumBlocks > 0 {
		offset += bi.checksumSize * (cksum / bi.checksumBlocks)
	}
	return offset, true, nil
}

// popcountRange returns the number of set bits across data.
func popcountRange(data []byte) int {
	n := 0
	for _, b := range data {
		if b != 0 {
			n += bits.OnesCount8(b)
		}
	}
	return n
}

// PopcountBitmap returns the total number of set bits in bitmap.
func PopcountBitmap(bitmap []byte) int64 {
	return int64(popcountRange(bitmap))
}

// MaskTrailingBits clears any bits in bitmap beyond the totalBlocks-th bit,
// per spec's "bits beyond the partition's last block must be cleared".
// bitmap is modified in place and also returned for convenience.
func MaskTrailingBits(bitmap []byte, totalBlocks int64) []byte {
	if mod := totalBlocks % 8; mod != 0 && len(bitmap) > 0 {
		mask := byte(1<<uint(mod)) - 1
		bitmap[len(bitmap)-1] &= mask
	}
	return bitmap
}
