// Package imagebackup defines the shared image model — the Image
// interface, the bitmap block index, CRC helpers and the error taxonomy —
// used by the ntfsclone, partclone and partimage decoders.
package imagebackup

import "fmt"

// WrongImageFileError is returned by a decoder when the bytes it peeked at
// do not match its magic, and by the Format Probe when no known magic
// matches. Peeked holds the bytes that were compared.
type WrongImageFileError struct {
	Msg    string
	Peeked []byte
}

func (e *WrongImageFileError) Error() string { return e.Msg }

// UnsupportedVersionError is returned for a recognised format whose major
// version or checksum mode this package does not implement.
type UnsupportedVersionError struct {
	Msg string
}

func (e *UnsupportedVersionError) Error() string { return e.Msg }

// HeaderCorruptError is returned when a header's CRC, additive checksum or
// magic fails to validate.
type HeaderCorruptError struct {
	Msg string
}

func (e *HeaderCorruptError) Error() string { return e.Msg }

// BitmapCorruptError is returned when a bitmap's CRC fails to validate, or
// its popcount disagrees with the header's declared used-block count.
type BitmapCorruptError struct {
	Msg string
}

func (e *BitmapCorruptError) Error() string { return e.Msg }

// DataCorruptError is returned for inline CRC mismatches, unexpected command
// bytes and other corruption found while reading the data section.
type DataCorruptError struct {
	Msg string
}

func (e *DataCorruptError) Error() string { return e.Msg }

// TruncatedError is returned on an unexpected EOF mid-header, mid-block or
// mid-check.
type TruncatedError struct {
	Msg string
}

func (e *TruncatedError) Error() string { return e.Msg }

// OutOfRangeError is returned when a block number is negative or at/beyond
// the image's total block count.
type OutOfRangeError struct {
	BlockNo     int64
	TotalBlocks int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("block %d is out of range (total blocks %d)", e.BlockNo, e.TotalBlocks)
}

// NotSeekableError is returned when random access is requested against a
// byte source that cannot seek, typically a decompressed pipe. Codec names
// the detected compression so the caller can suggest a concrete command.
type NotSeekableError struct {
	Codec string
}

func (e *NotSeekableError) Error() string {
	return fmt.Sprintf("source is not seekable (%s-compressed); decompress to a regular file first", e.Codec)
}

// IOError wraps an underlying I/O failure from the byte source.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }
