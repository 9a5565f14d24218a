// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package stream

import (
	"io"
	"os"

	bufra "github.com/avvmoto/buf-readerat"
	"github.com/vfsforensics/corefs/internal/errtrace"
)

// OSFile wraps an *os.File as a PositionalByteStream, buffering small
// positional reads the way the teacher's open.go buffers os.File with
// bufra.NewBufReaderAt.
type OSFile struct {
	lockedPosition
	f    *os.File
	bufd *bufra.BufReaderAt
	size int64
}

func OpenOSFile(path string) (*OSFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errtrace.Wrap(errtrace.IoError, err, "open "+path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errtrace.Wrap(errtrace.IoError, err, "stat "+path)
	}
	return &OSFile{
		f:    f,
		bufd: bufra.NewBufReaderAt(f, 4096),
		size: st.Size(),
	}, nil
}

func (o *OSFile) Size() int64 { return o.size }
func (o *OSFile) Close() error { return o.f.Close() }

func (o *OSFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errtrace.New(errtrace.InvalidSeek, "negative ReadAt offset")
	}
	n, err := o.bufd.ReadAt(p, off)
	if err == io.EOF {
		return n, io.EOF
	}
	if err != nil {
		return n, errtrace.Wrap(errtrace.IoError, err, "OSFile.ReadAt")
	}
	return n, nil
}

func (o *OSFile) Read(p []byte) (int, error) {
	pos := o.get()
	n, err := o.ReadAt(p, pos)
	o.advance(int64(n))
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (o *OSFile) Seek(offset int64, whence int) (int64, error) {
	return o.seek(offset, whence, o.size)
}
