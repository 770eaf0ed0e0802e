// Package blockio implements the Block I/O Service: it answers arbitrary
// byte-range reads over a decoded image's logical partition by translating
// them into whole-block reads against the decoder's block index.
package blockio

import (
	"github.com/blichmann-tools/imagebackup/bytesource"
	"github.com/blichmann-tools/imagebackup/imagebackup"
)

// Service serves read_data(offset, size) over a logical partition backed by
// an Image and its Byte Source. Not safe for concurrent use: it owns the
// source's seek cursor (spec §5).
type Service struct {
	image      imagebackup.Image
	src        bytesource.Source
	blockSize  int64
	totalBlocks int64
	totalSize  int64
	emptyBlock []byte
}

// New constructs a Service over image, reading stored blocks through src.
// BuildBlockIndex is invoked once up front so the first ReadData call isn't
// the one that pays for index construction implicitly.
func New(image imagebackup.Image, src bytesource.Source) (*Service, error) {
	if err := image.BuildBlockIndex(); err != nil {
		return nil, err
	}
	blockSize := image.BlockSize()
	totalBlocks := image.TotalBlocks()
	return &Service{
		image:       image,
		src:         src,
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		totalSize:   totalBlocks * blockSize,
		emptyBlock:  make([]byte, blockSize),
	}, nil
}

// TotalSize returns the logical partition's size in bytes (used+unused).
func (s *Service) TotalSize() int64 { return s.totalSize }

// ReadData reads size bytes at offset in the logical partition. It returns
// fewer bytes than requested only when the requested range extends past
// TotalSize; unused blocks are synthesised as zero-filled.
func (s *Service) ReadData(offset int64, size int64) ([]byte, error) {
	if offset < 0 {
		return nil, nil
	}
	if offset+size > s.totalSize {
		size = s.totalSize - offset
		if size < 0 {
			size = 0
		}
	}
	if size == 0 {
		return nil, nil
	}

	minBlock := offset / s.blockSize
	maxBlock := (offset + size - 1) / s.blockSize

	out := make([]byte, 0, size)
	for blockNo := minBlock; blockNo <= maxBlock; blockNo++ {
		var idx1, idx2 int64
		if blockNo == minBlock {
			idx1 = offset % s.blockSize
		}
		idx2 = s.blockSize
		if blockNo == maxBlock {
			idx2 = ((offset+size-1)%s.blockSize) + 1
		}

		blockOffset, ok, err := s.image.GetBlockOffset(blockNo)
		if err != nil {
			return nil, err
		}

		var block []byte
		if !ok {
			block = s.emptyBlock
		} else {
			if err := s.src.Seek(blockOffset); err != nil {
				return nil, err
			}
			block, err = s.src.ReadExact(int(s.blockSize))
			if err != nil {
				return nil, err
			}
		}
		out = append(out, block[idx1:idx2]...)
	}
	return out, nil
}
