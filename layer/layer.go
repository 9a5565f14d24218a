// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package layer implements the image layer (C4) and image stack (C5):
// a uniform read_at across every supported container format, each
// backed by a blocktree.Tree mapping virtual offsets to either a raw
// byte range in the source stream, a compressed chunk to decompress
// on demand, an all-zero sparse hole, or "not present" (defer to a
// differencing parent), per spec.md §4.4-4.5.
package layer

import (
	"io"

	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/stream"
)

// RegionKind tags what a blocktree leaf value means.
type RegionKind int

const (
	// RegionZero means the range reads as all-zero bytes (an
	// allocated-but-unwritten or explicitly sparse run).
	RegionZero RegionKind = iota
	// RegionRaw means the range is an uncompressed byte-for-byte copy
	// at SourceOffset in the underlying container stream.
	RegionRaw
	// RegionCompressed means the range is decompressed on demand from
	// chunk ChunkID (looked up in the layer's ChunkCache), starting at
	// ChunkOffset within the decompressed chunk.
	RegionCompressed
	// RegionNotPresent means this layer has no data here at all; the
	// image stack must defer to a differencing parent, or to zero if
	// there is none.
	RegionNotPresent
)

// Region is the value type stored in every format's blocktree.Tree.
type Region struct {
	Kind         RegionKind
	SourceOffset int64
	ChunkID      int64
	ChunkOffset  int64
}

// ChunkSource decompresses one chunk by id; shared contract for every
// compressed-format layer's cache.New wiring.
type ChunkSource func(chunkID int64) ([]byte, error)

// ChunkCacheGetter is satisfied by *internal/cache.ChunkCache; kept as
// an interface here so layer.go does not need to import internal/cache
// directly for layers with no compression (raw, sparse-only VHD).
type ChunkCacheGetter interface {
	Get(chunkID int64) ([]byte, error)
}

// Layer is the tagged-union-by-interface contract every container
// format satisfies: a PositionalByteStream over the format's logical
// (decompressed, de-differenced) address space, plus identity for
// stack resolution and debugging.
type Layer interface {
	stream.PositionalByteStream
	Kind() string
	Parent() Layer
}

// RegionSource supplies the pieces ReadAtTranslated needs to resolve
// one Region into bytes: the underlying container stream and
// (for compressed formats) a chunk cache.
type RegionSource struct {
	Container stream.PositionalByteStream
	Chunks    ChunkCacheGetter // nil for layers with no compressed regions
}

// RegionTree is satisfied by *blocktree.Tree[Region]; declared here so
// format layers can pass their tree's Get method without this package
// importing blocktree for a type it only ever calls one method on.
type RegionTree interface {
	Get(offset uint64) *Region
}

// LookupIn finds the Region covering a virtual offset in tree, or
// RegionNotPresent if the tree has no entry there (either a true hole
// in a sparse format, or "ask the parent" in a differencing chain).
func LookupIn(tree RegionTree, offset int64) Region {
	if r := tree.Get(uint64(offset)); r != nil {
		return *r
	}
	return Region{Kind: RegionNotPresent}
}

// ReadAtTranslated implements the common read_at loop from spec.md
// §4.4: walk the virtual range leaf-block by leaf-block, resolve each
// leaf's Region, and either copy raw bytes, copy zeros, copy from a
// decompressed chunk, or (RegionNotPresent) ask parent/fall back to
// zero. dataSize bounds the logical stream so reads past the end are
// truncated per the byte-stream contract.
func ReadAtTranslated(
	p []byte,
	off int64,
	dataSize int64,
	leafSize int64,
	lookup func(virtualOffset int64) Region,
	src RegionSource,
	parent Layer,
) (int, error) {
	if off < 0 {
		return 0, errtrace.New(errtrace.InvalidSeek, "negative ReadAt offset")
	}
	if off >= dataSize {
		return 0, io.EOF
	}
	if int64(len(p)) > dataSize-off {
		p = p[:dataSize-off]
	}
	total := 0
	for total < len(p) {
		virt := off + int64(total)
		leafStart := (virt / leafSize) * leafSize
		inLeaf := virt - leafStart
		want := leafSize - inLeaf
		if remain := int64(len(p) - total); want > remain {
			want = remain
		}
		region := lookup(virt)
		dst := p[total : int64(total)+want]
		switch region.Kind {
		case RegionZero:
			clear(dst)
		case RegionRaw:
			srcOff := region.SourceOffset + inLeaf
			if err := stream.ReadExactAt(src.Container, dst, srcOff); err != nil {
				return total, err
			}
		case RegionCompressed:
			if src.Chunks == nil {
				return total, errtrace.New(errtrace.Unsupported, "compressed region with no chunk cache wired")
			}
			chunk, err := src.Chunks.Get(region.ChunkID)
			if err != nil {
				return total, err
			}
			start := region.ChunkOffset + inLeaf
			if start < 0 || start+want > int64(len(chunk)) {
				return total, errtrace.New(errtrace.OutOfRange, "decompressed chunk shorter than region declares")
			}
			copy(dst, chunk[start:start+want])
		case RegionNotPresent:
			if parent != nil {
				n, err := parent.ReadAt(dst, virt)
				if n < len(dst) && err != nil && err != io.EOF {
					return total, err
				}
				if n < len(dst) {
					clear(dst[n:])
				}
			} else {
				clear(dst)
			}
		}
		total += int(want)
	}
	return total, nil
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// base is embedded by every concrete layer to provide the
// ByteStream's stateful Read/Seek in terms of its stateless ReadAt,
// plus Kind/Parent bookkeeping, grounded on the teacher's SubRange
// outer-unwrap-chaining shape in stream/subrange.go.
type base struct {
	kind     string
	size     int64
	parent   Layer
	readAtFn func(p []byte, off int64) (int, error)
	pos      int64
}

func (b *base) Size() int64  { return b.size }
func (b *base) Kind() string { return b.kind }
func (b *base) Parent() Layer {
	return b.parent
}

func (b *base) ReadAt(p []byte, off int64) (int, error) {
	return b.readAtFn(p, off)
}

func (b *base) Read(p []byte) (int, error) {
	n, err := b.readAtFn(p, b.pos)
	b.pos += int64(n)
	return n, err
}

func (b *base) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = b.pos
	case io.SeekEnd:
		base = b.size
	default:
		return b.pos, errtrace.New(errtrace.InvalidSeek, "invalid whence")
	}
	newpos := base + offset
	if newpos < 0 {
		return b.pos, errtrace.New(errtrace.InvalidSeek, "negative offset underflow")
	}
	b.pos = newpos
	return newpos, nil
}
