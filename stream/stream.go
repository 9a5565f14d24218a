// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package stream implements the byte-stream abstraction (C1): random
// access reads, seeks, and size queries uniformly across OS files,
// in-memory buffers, and any virtualised layer.
package stream

import (
	"io"
	"sync"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

// ByteStream is the core contract. Positions are absolute u64 offsets
// (represented as int64, matching Go's io package). Reading past end
// yields 0; reading a partially-available tail yields the available
// count. Seeking beyond end is allowed; a subsequent Read then returns
// 0. A negative relative seek that would underflow returns InvalidSeek
// and leaves the position unchanged.
type ByteStream interface {
	Size() int64
	io.Reader
	io.Seeker
}

// PositionalByteStream additionally supports stateless positional
// reads, allowing parallel access without cloning the stream.
type PositionalByteStream interface {
	ByteStream
	io.ReaderAt
}

// ReadAt performs a positional read: it calls s's own ReadAt when s
// implements io.ReaderAt, and otherwise a Seek followed by a Read.
// The Seek and the Read are separate calls and no lock is held across
// the pair, so another caller's Seek or Read on s can come between
// them.
func ReadAt(s ByteStream, buf []byte, pos int64) (int, error) {
	if ra, ok := s.(io.ReaderAt); ok {
		return ra.ReadAt(buf, pos)
	}
	if _, err := s.Seek(pos, io.SeekStart); err != nil {
		return 0, err
	}
	return s.Read(buf)
}

// ReadExactAt is like ReadAt but a short read is an error, per the
// byte-stream contract's distinction between short reads (fine for
// Read) and required exact reads.
func ReadExactAt(s ByteStream, buf []byte, pos int64) error {
	n, err := ReadAt(s, buf, pos)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		return errtrace.Wrap(errtrace.IoError, io.ErrUnexpectedEOF, "short read")
	}
	return errtrace.Wrap(errtrace.IoError, err, "read_exact_at failed")
}

// lockedPosition guards a stream's cursor with a reader-writer lock.
// Read and Seek acquire the write lock because they mutate the
// cursor; a stream that is itself a PositionalByteStream can still be
// read in parallel through ReadAt, which bypasses this lock entirely.
type lockedPosition struct {
	mu  sync.RWMutex
	pos int64
}

func (l *lockedPosition) seek(offset int64, whence int, size int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = l.pos
	case io.SeekEnd:
		base = size
	default:
		return l.pos, errtrace.New(errtrace.InvalidSeek, "invalid whence")
	}
	newpos := base + offset
	if newpos < 0 {
		return l.pos, errtrace.New(errtrace.InvalidSeek, "negative offset underflow")
	}
	l.pos = newpos
	return newpos, nil
}

func (l *lockedPosition) get() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pos
}

func (l *lockedPosition) advance(n int64) {
	l.mu.Lock()
	l.pos += n
	l.mu.Unlock()
}
