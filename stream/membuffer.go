// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package stream

import (
	"io"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

// MemBuffer views a []byte as a PositionalByteStream, zero-copy.
type MemBuffer struct {
	lockedPosition
	buf []byte
}

func NewMemBuffer(buf []byte) *MemBuffer { return &MemBuffer{buf: buf} }

func (m *MemBuffer) Size() int64 { return int64(len(m.buf)) }

func (m *MemBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errtrace.New(errtrace.InvalidSeek, "negative ReadAt offset")
	}
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemBuffer) Read(p []byte) (int, error) {
	pos := m.get()
	n, err := m.ReadAt(p, pos)
	m.advance(int64(n))
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (m *MemBuffer) Seek(offset int64, whence int) (int64, error) {
	return m.seek(offset, whence, m.Size())
}
