// Package ntfsclone decodes the ntfsclone image format: a 50-byte header
// followed by an unbounded command stream (run-of-unused / single-cluster)
// with no bitmap and no inline checksums.
package ntfsclone

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/blichmann-tools/imagebackup/bytesource"
	"github.com/blichmann-tools/imagebackup/imagebackup"
	"github.com/charmbracelet/log"
)

const headerSize = 50

// Header is the parsed 50-byte ntfsclone header.
type Header struct {
	MajorVer        uint8
	MinorVer        uint8
	ClusterSize     uint32
	DeviceSize      uint64
	NrClusters      uint64
	Inuse           uint64
	OffsetToImage   uint32
}

// ClusterRange is one entry of the command-stream index: a run of clusters
// that are either all unused or all present, covering [Start, Start+Size).
type ClusterRange struct {
	Used   bool
	Start  uint64
	Size   uint64
	Offset int64 // valid iff Used; file offset of the first cluster's payload
}

// Image implements imagebackup.Image over an ntfsclone stream.
type Image struct {
	src      bytesource.Source
	filename string
	hdr      Header

	ranges []ClusterRange
	built  bool
}

// Open peeks the magic, parses the header, and (eagerly, per spec) scans
// the command stream once to build the cluster-range index.
func Open(src bytesource.Source, logger *log.Logger) (*Image, error) {
	magic, err := src.Peek(len(imagebackup.NtfsCloneMagic))
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, imagebackup.NtfsCloneMagic) {
		return nil, &imagebackup.WrongImageFileError{
			Msg:    "ntfsclone magic mismatch",
			Peeked: magic,
		}
	}

	raw, err := src.ReadExact(headerSize)
	if err != nil {
		return nil, err
	}

	var h Header
	h.MajorVer = raw[16]
	h.MinorVer = raw[17]
	h.ClusterSize = binary.LittleEndian.Uint32(raw[18:22])
	h.DeviceSize = binary.LittleEndian.Uint64(raw[22:30])
	h.NrClusters = binary.LittleEndian.Uint64(raw[30:38])
	h.Inuse = binary.LittleEndian.Uint64(raw[38:46])
	h.OffsetToImage = binary.LittleEndian.Uint32(raw[46:50])

	if h.MajorVer != 10 {
		return nil, &imagebackup.UnsupportedVersionError{
			Msg: fmt.Sprintf("ntfsclone major version %d unsupported (want 10)", h.MajorVer),
		}
	}
	if h.MinorVer != 1 && logger != nil {
		logger.Warn("ntfsclone minor version differs from the version this decoder was written against",
			"minor_ver", h.MinorVer)
	}

	if int64(h.OffsetToImage) > headerSize {
		if _, err := src.ReadExact(int(int64(h.OffsetToImage) - headerSize)); err != nil {
			return nil, err
		}
	}

	img := &Image{src: src, filename: src.Name(), hdr: h}
	if err := img.buildIndex(); err != nil {
		return nil, err
	}
	return img, nil
}

// buildIndex performs the single eager pass over the command stream
// described in spec §4.3, coalescing consecutive used clusters into one
// range and emitting one range per unused run.
func (img *Image) buildIndex() error {
	var ranges []ClusterRange
	var cluster uint64
	clusterStride := int64(img.hdr.ClusterSize) + 1 // +1 accounts for the command byte

	for cluster < img.hdr.NrClusters {
		cmd, err := img.src.ReadExact(1)
		if err != nil {
			return err
		}
		switch cmd[0] {
		case 0x00:
			raw, err := img.src.ReadExact(8)
			if err != nil {
				return err
			}
			count := binary.LittleEndian.Uint64(raw)
			if cluster+count > img.hdr.NrClusters {
				return &imagebackup.DataCorruptError{Msg: "ntfsclone unused run runs past nr_clusters"}
			}
			ranges = append(ranges, ClusterRange{Used: false, Start: cluster, Size: count})
			cluster += count
		case 0x01:
			pos, err := img.src.Tell()
			if err != nil {
				return err
			}
			if _, err := img.src.ReadExact(int(img.hdr.ClusterSize)); err != nil {
				return err
			}
			if n := len(ranges); n > 0 && ranges[n-1].Used &&
				ranges[n-1].Start+ranges[n-1].Size == cluster &&
				ranges[n-1].Offset+int64(ranges[n-1].Size)*clusterStride == pos {
				ranges[n-1].Size++
			} else {
				ranges = append(ranges, ClusterRange{Used: true, Start: cluster, Size: 1, Offset: pos})
			}
			cluster++
		default:
			return &imagebackup.DataCorruptError{Msg: fmt.Sprintf("unexpected ntfsclone command byte 0x%02x", cmd[0])}
		}
	}
	img.ranges = ranges
	img.built = true
	return nil
}

func (img *Image) Tool() string     { return "ntfsclone" }
func (img *Image) FSType() string   { return "NTFS" }
func (img *Image) BlockSize() int64 { return int64(img.hdr.ClusterSize) }
func (img *Image) TotalSize() int64 { return int64(img.hdr.DeviceSize) }
func (img *Image) TotalBlocks() int64 {
	return int64(img.hdr.NrClusters)
}
func (img *Image) UsedBlocks() int64              { return int64(img.hdr.Inuse) }
func (img *Image) Bitmap() []byte                 { return nil }
func (img *Image) BlocksSectionOffset() int64     { return int64(img.hdr.OffsetToImage) }
func (img *Image) Filename() string               { return img.filename }
func (img *Image) BuildBlockIndex() error         { return nil } // built eagerly at Open

func (img *Image) rangeFor(blockNo int64) (ClusterRange, bool) {
	i := sort.Search(len(img.ranges), func(i int) bool {
		return img.ranges[i].Start+img.ranges[i].Size > uint64(blockNo)
	})
	if i >= len(img.ranges) || img.ranges[i].Start > uint64(blockNo) {
		return ClusterRange{}, false
	}
	return img.ranges[i], true
}

func (img *Image) BlockInUse(blockNo int64) (bool, error) {
	if blockNo < 0 || blockNo >= img.TotalBlocks() {
		return false, &imagebackup.OutOfRangeError{BlockNo: blockNo, TotalBlocks: img.TotalBlocks()}
	}
	r, ok := img.rangeFor(blockNo)
	return ok && r.Used, nil
}

func (img *Image) GetBlockOffset(blockNo int64) (int64, bool, error) {
	if blockNo < 0 || blockNo >= img.TotalBlocks() {
		return 0, false, &imagebackup.OutOfRangeError{BlockNo: blockNo, TotalBlocks: img.TotalBlocks()}
	}
	r, ok := img.rangeFor(blockNo)
	if !ok || !r.Used {
		return 0, false, nil
	}
	clusterStride := int64(img.hdr.ClusterSize) + 1
	offset := r.Offset + (blockNo-int64(r.Start))*clusterStride
	return offset, true, nil
}

// BlockReader streams every used cluster in ascending order, invoking the
// visitor with its payload. ntfsclone carries no inline checksums, so
// opts.VerifyCRC is accepted but has no effect.
func (img *Image) BlockReader(opts imagebackup.BlockReaderOptions) error {
	for _, r := range img.ranges {
		if !r.Used {
			continue
		}
		for i := uint64(0); i < r.Size; i++ {
			blockNo := r.Start + i
			offset := r.Offset + int64(i)*(int64(img.hdr.ClusterSize)+1)
			if err := img.src.Seek(offset); err != nil {
				return err
			}
			data, err := img.src.ReadExact(int(img.hdr.ClusterSize))
			if err != nil {
				return err
			}
			if opts.Visit != nil {
				opts.Visit(int64(blockNo)*int64(img.hdr.ClusterSize), data)
			}
		}
	}
	return nil
}

func (img *Image) String() string {
	return fmt.Sprintf("ntfsclone image %q: major=%d minor=%d cluster_size=%d device_size=%d "+
		"nr_clusters=%d inuse=%d offset_to_image_data=%d",
		img.filename, img.hdr.MajorVer, img.hdr.MinorVer, img.hdr.ClusterSize, img.hdr.DeviceSize,
		img.hdr.NrClusters, img.hdr.Inuse, img.hdr.OffsetToImage)
}
