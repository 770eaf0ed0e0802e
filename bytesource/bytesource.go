// Package bytesource implements the uniform seekable/peekable byte-stream
// abstraction the decoders in ntfsclone, partclone and partimage read
// through: a plain file, a decompressed stream, or a virtually concatenated
// sequence of split-file parts, all presented as one Source.
package bytesource

import (
	"fmt"
	"io"

	"github.com/blichmann-tools/imagebackup/imagebackup"
)

// Source is the capability set every decoder reads through. Seek moves the
// cursor freely only when Seekable reports true; on a non-seekable source
// (a decompressed pipe) Seek succeeds only when it targets the current
// position and otherwise returns imagebackup.NotSeekableError. Tell works
// on every source.
type Source interface {
	// Peek returns up to n bytes without consuming them. It may return
	// fewer than n bytes at EOF, without an error.
	Peek(n int) ([]byte, error)
	// ReadExact reads exactly n bytes or returns imagebackup.TruncatedError.
	ReadExact(n int) ([]byte, error)
	// Seek moves the read cursor to an absolute byte offset.
	Seek(absolute int64) error
	// Tell returns the current read cursor position.
	Tell() (int64, error)
	// Close releases every underlying handle.
	Close() error
	// Seekable reports whether Seek/Tell are usable on this source.
	Seekable() bool
	// Name returns the path the source was opened from, for error messages.
	Name() string
}

// readExactFrom is the shared ReadExact body: read from r into a fresh
// buffer, erroring with imagebackup.TruncatedError on short read.
func readExactFrom(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, &imagebackup.TruncatedError{
				Msg: fmt.Sprintf("unexpected end of input while reading %d bytes, got %d", n, got),
			}
		}
		return nil, &imagebackup.IOError{Op: "read", Err: err}
	}
	return buf, nil
}
