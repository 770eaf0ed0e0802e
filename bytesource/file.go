package bytesource

import (
	"bufio"
	"io"
	"os"

	"github.com/blichmann-tools/imagebackup/imagebackup"
)

// fileSource is the thin passthrough Source over a single *os.File.
type fileSource struct {
	f    *os.File
	name string
	br   *bufio.Reader
}

// OpenFile opens name as a plain, seekable Source.
func OpenFile(name string) (Source, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, &imagebackup.IOError{Op: "open", Err: err}
	}
	return &fileSource{f: f, name: name, br: bufio.NewReaderSize(f, 64*1024)}, nil
}

func (s *fileSource) Peek(n int) ([]byte, error) {
	b, err := s.br.Peek(n)
	if err != nil && err != io.EOF && len(b) == 0 {
		return nil, &imagebackup.IOError{Op: "peek", Err: err}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *fileSource) ReadExact(n int) ([]byte, error) {
	return readExactFrom(s.br, n)
}

func (s *fileSource) Seek(absolute int64) error {
	if _, err := s.f.Seek(absolute, io.SeekStart); err != nil {
		return &imagebackup.IOError{Op: "seek", Err: err}
	}
	s.br.Reset(s.f)
	return nil
}

func (s *fileSource) Tell() (int64, error) {
	cur, err := s.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, &imagebackup.IOError{Op: "tell", Err: err}
	}
	return cur - int64(s.br.Buffered()), nil
}

func (s *fileSource) Close() error { return s.f.Close() }

func (s *fileSource) Seekable() bool { return true }

func (s *fileSource) Name() string { return s.name }
