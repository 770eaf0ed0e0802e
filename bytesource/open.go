package bytesource

import "io"

// rawSourceReader adapts a Source back into an io.ReadCloser so a
// decompressor can wrap it, used when Open detects a compressed magic.
type rawSourceReader struct {
	s   Source
	buf []byte
}

func (r *rawSourceReader) Read(p []byte) (int, error) {
	if len(r.buf) > 0 {
		n := copy(p, r.buf)
		r.buf = r.buf[n:]
		return n, nil
	}
	// Peek, not ReadExact: ReadExact's all-or-nothing contract would
	// discard every byte already available whenever len(p) overruns the
	// remaining tail (bufio-wrapping decompressors routinely request more
	// than is left on the final chunk). Peek reports only what's actually
	// there, which ReadExact(len(b)) below is then guaranteed to satisfy.
	b, err := r.s.Peek(len(p))
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, io.EOF
	}
	if _, err := r.s.ReadExact(len(b)); err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

func (r *rawSourceReader) Close() error { return r.s.Close() }

// Open opens name as a Source, transparently handling split-file
// concatenation (checked first) and then compression (checked on the
// reconstructed, possibly-concatenated stream), matching spec's ordering:
// "decompression wraps concatenation".
func Open(name string) (Source, error) {
	var under Source
	var err error
	if stem, ok := splitStem(name); ok {
		under, err = OpenSplit(stem)
	} else {
		under, err = OpenFile(name)
	}
	if err != nil {
		return nil, err
	}

	magic, err := under.Peek(2)
	if err != nil {
		under.Close()
		return nil, err
	}
	codec := sniffCodec(magic)
	if codec == CodecNone {
		return under, nil
	}
	return OpenDecompressed(name, codec, &rawSourceReader{s: under})
}
