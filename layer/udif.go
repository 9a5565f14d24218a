// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package layer

import (
	"bytes"
	"compress/bzip2"
	"compress/zlib"
	"io"

	"github.com/therootcompany/xz"

	"github.com/vfsforensics/corefs/blocktree"
	"github.com/vfsforensics/corefs/formats/udif"
	"github.com/vfsforensics/corefs/internal/cache"
	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/stream"
)

const udifSectorSize = 512

// UDIF implements an Apple disk image (.dmg) as a Layer over its
// "mish" block-run chunk descriptor table. plist decoding is not this
// package's concern: ReadBlkxTable is handed the already-extracted
// mish payload bytes, per spec.md's "decompress(in,out)" collaborator
// boundary.
type UDIF struct {
	base
}

// OpenUDIF parses the koly trailer and an already-located mish table,
// building the block-translation tree over sector offsets.
func OpenUDIF(container stream.PositionalByteStream, mish []byte) (*UDIF, error) {
	size := container.Size()
	if size < 512 {
		return nil, errtrace.New(errtrace.IoError, "container too small for UDIF trailer")
	}
	trailerBuf := make([]byte, 512)
	if err := stream.ReadExactAt(container, trailerBuf, size-512); err != nil {
		return nil, err
	}
	trailer, err := udif.ReadTrailer(trailerBuf)
	if err != nil {
		return nil, err
	}

	table, err := udif.ReadBlkxTable(mish)
	if err != nil {
		return nil, err
	}

	logicalSize := int64(trailer.SectorCount) * udifSectorSize
	tree := blocktree.New[Region](uint64(logicalSize), 2, udifSectorSize)

	var chunkID int64
	type meta struct {
		typ    uint32
		offset int64
		length int64
	}
	chunkMeta := map[int64]meta{}

	for _, run := range table.Runs {
		if run.Type == udif.ChunkTerminator || run.Type == udif.ChunkComment {
			continue
		}
		blockStart := run.SectorStart * udifSectorSize
		blockLen := run.SectorCount * udifSectorSize
		if blockStart+blockLen > uint64(logicalSize) {
			blockLen = uint64(logicalSize) - blockStart
		}
		switch run.Type {
		case udif.ChunkZero, udif.ChunkIgnore:
			if err := tree.Insert(blockStart, blockLen, Region{Kind: RegionZero}); err != nil {
				return nil, err
			}
		case udif.ChunkRaw:
			if err := tree.Insert(blockStart, blockLen, Region{Kind: RegionRaw, SourceOffset: int64(run.CompressedOffset)}); err != nil {
				return nil, err
			}
		default:
			if !udif.SupportedChunkType(run.Type) {
				return nil, errtrace.New(errtrace.Unsupported, "unsupported UDIF chunk type")
			}
			id := chunkID
			chunkID++
			chunkMeta[id] = meta{typ: run.Type, offset: int64(run.CompressedOffset), length: int64(run.CompressedLength)}
			if err := tree.Insert(blockStart, blockLen, Region{Kind: RegionCompressed, ChunkID: id}); err != nil {
				return nil, err
			}
		}
	}

	source := func(id int64) ([]byte, error) {
		m, ok := chunkMeta[id]
		if !ok {
			return nil, errtrace.New(errtrace.OutOfRange, "unknown UDIF compressed chunk id")
		}
		raw := make([]byte, m.length)
		if err := stream.ReadExactAt(container, raw, m.offset); err != nil {
			return nil, err
		}
		return decompressUDIFChunk(raw, m.typ)
	}
	chunks := cache.New("udif", source)

	l := &UDIF{}
	src := RegionSource{Container: container, Chunks: chunks}
	l.base = base{
		kind: "udif",
		size: logicalSize,
		readAtFn: func(p []byte, off int64) (int, error) {
			return ReadAtTranslated(p, off, logicalSize, udifSectorSize, func(v int64) Region {
				return LookupIn(tree, v)
			}, src, nil)
		},
	}
	return l, nil
}

func decompressUDIFChunk(raw []byte, typ uint32) ([]byte, error) {
	switch typ {
	case udif.ChunkZlib:
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errtrace.Wrap(errtrace.IoError, err, "zlib open UDIF chunk")
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errtrace.Wrap(errtrace.IoError, err, "zlib decompress UDIF chunk")
		}
		return out, nil
	case udif.ChunkBzip2:
		out, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, errtrace.Wrap(errtrace.IoError, err, "bzip2 decompress UDIF chunk")
		}
		return out, nil
	case udif.ChunkLZMA:
		r, err := xz.NewReader(bytes.NewReader(raw), xz.DefaultDictMax)
		if err != nil {
			return nil, errtrace.Wrap(errtrace.IoError, err, "xz open UDIF chunk")
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errtrace.Wrap(errtrace.IoError, err, "xz decompress UDIF chunk")
		}
		return out, nil
	default:
		return nil, errtrace.New(errtrace.Unsupported, "UDIF chunk type has no grounded decompressor in this build")
	}
}
