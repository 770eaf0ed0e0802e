package bytesource

import (
	"container/list"
	"io"
	"os"
	"strings"

	"github.com/blichmann-tools/imagebackup/imagebackup"
)

// maxOpenParts bounds the number of simultaneously open part handles during
// random access, per spec's "LRU set of at most 48 open handles".
const maxOpenParts = 48

// suffixAt returns the i-th split-file suffix (0-based): "aa".."yz" for the
// first 650 parts (first letter a-y, second letter a-z), then "zaaa",
// "zaab", ... thereafter.
func suffixAt(i int) string {
	const twoLetterCount = 25 * 26
	if i < twoLetterCount {
		first := byte('a' + i/26)
		second := byte('a' + i%26)
		return string([]byte{first, second})
	}
	rem := i - twoLetterCount
	c1 := byte('a' + rem/676)
	rem %= 676
	c2 := byte('a' + rem/26)
	rem %= 26
	c3 := byte('a' + rem)
	return string([]byte{'z', c1, c2, c3})
}

// splitStem splits name into (stem, true) if it ends in a recognised
// first-part suffix ("aa") and a sibling second part ("ab") exists.
func splitStem(name string) (stem string, ok bool) {
	if !strings.HasSuffix(name, "aa") {
		return "", false
	}
	stem = name[:len(name)-2]
	if _, err := os.Stat(stem + "ab"); err != nil {
		return "", false
	}
	return stem, true
}

type part struct {
	name   string
	size   int64
	offset int64 // cumulative offset of this part's first byte in the virtual stream
}

type handleEntry struct {
	idx int
	f   *os.File
}

// splitSource presents an ordered sequence of same-stem parts as one
// contiguous, seekable stream.
type splitSource struct {
	stem  string
	parts []part
	total int64
	pos   int64

	// LRU of open handles, keyed by part index.
	lru     *list.List
	handles map[int]*list.Element
}

// OpenSplit discovers every part sharing stem (stem+"aa", stem+"ab", ...)
// and returns a Source over their virtual concatenation.
func OpenSplit(stem string) (Source, error) {
	var parts []part
	var offset int64
	for i := 0; ; i++ {
		name := stem + suffixAt(i)
		fi, err := os.Stat(name)
		if err != nil {
			break
		}
		parts = append(parts, part{name: name, size: fi.Size(), offset: offset})
		offset += fi.Size()
	}
	if len(parts) == 0 {
		return nil, &imagebackup.IOError{Op: "open", Err: os.ErrNotExist}
	}
	return &splitSource{
		stem:    stem,
		parts:   parts,
		total:   offset,
		lru:     list.New(),
		handles: make(map[int]*list.Element),
	}, nil
}

// partIndexFor returns the part index containing absolute stream offset off.
func (s *splitSource) partIndexFor(off int64) int {
	lo, hi := 0, len(s.parts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.parts[mid].offset <= off {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

func (s *splitSource) handleFor(idx int) (*os.File, error) {
	if el, ok := s.handles[idx]; ok {
		s.lru.MoveToFront(el)
		return el.Value.(*handleEntry).f, nil
	}
	f, err := os.Open(s.parts[idx].name)
	if err != nil {
		return nil, &imagebackup.IOError{Op: "open", Err: err}
	}
	el := s.lru.PushFront(&handleEntry{idx: idx, f: f})
	s.handles[idx] = el
	for s.lru.Len() > maxOpenParts {
		back := s.lru.Back()
		entry := back.Value.(*handleEntry)
		entry.f.Close()
		delete(s.handles, entry.idx)
		s.lru.Remove(back)
	}
	return f, nil
}

// closePart closes and evicts idx's handle immediately, used by sequential
// scans exhausting a part rather than waiting on LRU eviction.
func (s *splitSource) closePart(idx int) {
	if el, ok := s.handles[idx]; ok {
		el.Value.(*handleEntry).f.Close()
		delete(s.handles, idx)
		s.lru.Remove(el)
	}
}

func (s *splitSource) readAt(buf []byte, off int64) (int, error) {
	read := 0
	for read < len(buf) {
		cur := off + int64(read)
		if cur >= s.total {
			break
		}
		idx := s.partIndexFor(cur)
		p := s.parts[idx]
		f, err := s.handleFor(idx)
		if err != nil {
			return read, err
		}
		localOff := cur - p.offset
		want := p.size - localOff
		if want > int64(len(buf)-read) {
			want = int64(len(buf) - read)
		}
		n, err := f.ReadAt(buf[read:read+int(want)], localOff)
		read += n
		if int64(localOff)+int64(n) >= p.size {
			// sequential exhaustion: drop this part's handle immediately
			s.closePart(idx)
		}
		if err != nil && err != io.EOF {
			return read, &imagebackup.IOError{Op: "read", Err: err}
		}
		if n == 0 {
			break
		}
	}
	return read, nil
}

func (s *splitSource) Peek(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := s.readAt(buf, s.pos)
	if err != nil {
		return nil, err
	}
	return buf[:got], nil
}

func (s *splitSource) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := s.readAt(buf, s.pos)
	s.pos += int64(got)
	if err != nil {
		return nil, err
	}
	if got != n {
		return nil, &imagebackup.TruncatedError{Msg: "unexpected end of split-file stream"}
	}
	return buf, nil
}

func (s *splitSource) Seek(absolute int64) error {
	s.pos = absolute
	return nil
}

func (s *splitSource) Tell() (int64, error) { return s.pos, nil }

func (s *splitSource) Close() error {
	for s.lru.Len() > 0 {
		front := s.lru.Front()
		front.Value.(*handleEntry).f.Close()
		s.lru.Remove(front)
	}
	s.handles = make(map[int]*list.Element)
	return nil
}

func (s *splitSource) Seekable() bool { return true }

func (s *splitSource) Name() string { return s.stem + suffixAt(0) }
