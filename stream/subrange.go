// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package stream

import (
	"io"
	"math"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

// SubRange wraps another PositionalByteStream with (base, length),
// remapping all positions. Chains of SubRange collapse to avoid
// double indirection, exactly as the teacher's internal/sectionreader
// unwraps nested *io.SectionReaders via Outer().
type SubRange struct {
	lockedPosition
	r      PositionalByteStream
	base   int64
	length int64
}

type outerer interface {
	Outer() (PositionalByteStream, int64, int64)
}

func NewSubRange(r PositionalByteStream, base, length int64) *SubRange {
	for {
		o, ok := r.(outerer)
		if !ok {
			break
		}
		outer, outerBase, outerLen := o.Outer()
		if base+length > outerLen {
			break
		}
		r, base = outer, base+outerBase
	}
	return &SubRange{r: r, base: base, length: length}
}

func (s *SubRange) Outer() (PositionalByteStream, int64, int64) { return s.r, s.base, s.length }

func (s *SubRange) Size() int64 { return s.length }

func (s *SubRange) ReadAt(p []byte, off int64) (int, error) {
	if s.length < 0 || off < 0 || off >= s.length {
		return 0, io.EOF
	}
	limit := s.base + s.length
	if limit < s.base { // overflow
		limit = math.MaxInt64
	}
	pos := s.base + off
	if avail := limit - pos; int64(len(p)) > avail {
		p = p[:avail]
		n, err := s.r.ReadAt(p, pos)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	n, err := s.r.ReadAt(p, pos)
	if err != nil && err != io.EOF {
		return n, errtrace.Wrap(errtrace.IoError, err, "SubRange.ReadAt")
	}
	return n, err
}

func (s *SubRange) Read(p []byte) (int, error) {
	pos := s.get()
	n, err := s.ReadAt(p, pos)
	s.advance(int64(n))
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (s *SubRange) Seek(offset int64, whence int) (int64, error) {
	return s.seek(offset, whence, s.length)
}
