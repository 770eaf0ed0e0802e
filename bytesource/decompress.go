package bytesource

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"encoding/binary"
	"io"

	"github.com/blichmann-tools/imagebackup/imagebackup"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Codec identifies a supported compression format by its two-byte magic,
// matching spec's Byte Source codec table.
type Codec string

const (
	CodecNone  Codec = ""
	CodecGzip  Codec = "gzip"
	CodecBzip2 Codec = "bzip2"
	CodecZstd  Codec = "zstd"
	CodecXZ    Codec = "xz"
	CodecLZMA  Codec = "lzma"
	CodecLZ4   Codec = "lz4"
)

// sniffCodec inspects a two-byte magic and reports the matching codec.
func sniffCodec(magic []byte) Codec {
	if len(magic) < 2 {
		return CodecNone
	}
	word := binary.LittleEndian.Uint16(magic[:2])
	switch word {
	case 0x8B1F:
		return CodecGzip
	case 0x5A42:
		return CodecBzip2
	case 0xB528:
		return CodecZstd
	case 0x37FD:
		return CodecXZ
	case 0x005D:
		return CodecLZMA
	case 0x2204:
		return CodecLZ4
	default:
		return CodecNone
	}
}

// decompressedSource wraps an underlying non-seekable reader produced by a
// streaming decompressor. Tell reports the position in the decompressed
// stream; Seek succeeds only when it targets that position and otherwise
// fails with imagebackup.NotSeekableError carrying the codec tag.
type decompressedSource struct {
	name  string
	codec Codec
	r     *bufio.Reader
	pos   int64
	closer io.Closer
}

// OpenDecompressed wraps under with the decompressor matching codec.
func OpenDecompressed(name string, codec Codec, under io.ReadCloser) (Source, error) {
	var r io.Reader
	var closer io.Closer = under
	switch codec {
	case CodecGzip:
		gz, err := gzip.NewReader(under)
		if err != nil {
			return nil, &imagebackup.IOError{Op: "gzip", Err: err}
		}
		r, closer = gz, multiCloser{gz, under}
	case CodecBzip2:
		r = bzip2.NewReader(under)
	case CodecZstd:
		zr, err := zstd.NewReader(under)
		if err != nil {
			return nil, &imagebackup.IOError{Op: "zstd", Err: err}
		}
		r = zr
		closer = multiCloser{zstdCloser{zr}, under}
	case CodecXZ:
		xr, err := xz.NewReader(under)
		if err != nil {
			return nil, &imagebackup.IOError{Op: "xz", Err: err}
		}
		r = xr
	case CodecLZMA:
		lr, err := lzma.NewReader(under)
		if err != nil {
			return nil, &imagebackup.IOError{Op: "lzma", Err: err}
		}
		r = lr
	case CodecLZ4:
		r = lz4.NewReader(under)
	default:
		return nil, &imagebackup.UnsupportedVersionError{Msg: "unknown compression codec"}
	}
	return &decompressedSource{name: name, codec: codec, r: bufio.NewReaderSize(r, 64*1024), closer: closer}, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type zstdCloser struct{ zr *zstd.Decoder }

func (z zstdCloser) Close() error { z.zr.Close(); return nil }

func (s *decompressedSource) Peek(n int) ([]byte, error) {
	b, err := s.r.Peek(n)
	if err != nil && err != io.EOF && len(b) == 0 {
		return nil, &imagebackup.IOError{Op: "peek", Err: err}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *decompressedSource) ReadExact(n int) ([]byte, error) {
	buf, err := readExactFrom(s.r, n)
	if err == nil {
		s.pos += int64(n)
	}
	return buf, err
}

func (s *decompressedSource) Seek(absolute int64) error {
	if absolute == s.pos {
		return nil
	}
	return &imagebackup.NotSeekableError{Codec: string(s.codec)}
}

func (s *decompressedSource) Tell() (int64, error) { return s.pos, nil }

func (s *decompressedSource) Close() error { return s.closer.Close() }

func (s *decompressedSource) Seekable() bool { return false }

func (s *decompressedSource) Name() string { return s.name }
