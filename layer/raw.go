// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package layer

import "github.com/vfsforensics/corefs/stream"

// Raw is the identity layer: a plain dd-style image, or a volume
// system's partition span, where the logical address space is a
// direct byte-for-byte subrange of the container with no translation
// at all. Grounded on stream.SubRange, promoted to a Layer so volume
// systems and file systems can treat every child uniformly.
type Raw struct {
	base
	src *stream.SubRange
}

// NewRaw wraps a byte range of src as a Layer with no parent and no
// translation; used for whole raw disk images and for MBR/GPT/APM
// partition entries once carved out of the volume system's parent
// stream.
func NewRaw(kind string, src stream.PositionalByteStream, offset, length int64) *Raw {
	sub := stream.NewSubRange(src, offset, length)
	l := &Raw{src: sub}
	l.base = base{
		kind: kind,
		size: length,
		readAtFn: func(p []byte, off int64) (int, error) {
			return sub.ReadAt(p, off)
		},
	}
	return l
}
