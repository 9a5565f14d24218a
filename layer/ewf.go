// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package layer

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/vfsforensics/corefs/blocktree"
	"github.com/vfsforensics/corefs/formats/ewf"
	"github.com/vfsforensics/corefs/internal/cache"
	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/stream"
)

// SegmentReader supplies one EWF segment file's bytes plus its
// sequence of section descriptors (already walked by the caller,
// since segment-file chaining and E01/Ex01 suffix discovery is a VFS
// concern, not this layer's).
type SegmentReader struct {
	Stream   stream.PositionalByteStream
	Sections []ewf.SectionDescriptor
}

// EWF implements an Expert Witness Format acquisition (one or more
// E01/Ex01 segment files) as a Layer over its per-chunk table
// sections: each chunk is either stored raw or zlib-compressed.
type EWF struct {
	base
}

// OpenEWF walks each segment's sections to locate "volume" and
// "table"/"table2" sections, builds the chunk-indexed
// block-translation tree, and wires decompression through
// internal/cache.
func OpenEWF(segments []SegmentReader) (*EWF, error) {
	if len(segments) == 0 {
		return nil, errtrace.New(errtrace.InvalidField, "no EWF segments supplied")
	}

	var vol ewf.VolumeSection
	haveVol := false
	type chunkLoc struct {
		segment    int
		offset     int64
		compressed bool
	}
	chunks := make(map[int64]chunkLoc)
	var nextChunk int64

	for segIdx, seg := range segments {
		for _, sd := range seg.Sections {
			switch sd.Type {
			case "volume", "disk":
				buf := make([]byte, sd.Size-76)
				if err := stream.ReadExactAt(seg.Stream, buf, int64(sd.Next)-int64(sd.Size)+76); err == nil {
					if v, err := ewf.ReadVolumeSection(buf); err == nil {
						vol = v
						haveVol = true
					}
				}
			case "table", "table2":
				tableStart := int64(sd.Next) - int64(sd.Size) + 76
				buf := make([]byte, sd.Size-76)
				if err := stream.ReadExactAt(seg.Stream, buf, tableStart); err != nil {
					return nil, err
				}
				table, err := ewf.ReadTableSection(buf, uint64(tableStart))
				if err != nil {
					return nil, err
				}
				for _, raw := range table.Entries {
					offset, compressed := ewf.DecodeEntry(raw)
					chunks[nextChunk] = chunkLoc{segment: segIdx, offset: int64(offset) + int64(table.BaseOffset), compressed: compressed}
					nextChunk++
				}
			}
		}
	}
	if !haveVol {
		return nil, errtrace.New(errtrace.InvalidField, "EWF image has no volume/disk section")
	}

	chunkSize := vol.ChunkSize()
	logicalSize := int64(vol.SectorCount) * int64(vol.BytesPerSector)
	tree := blocktree.New[Region](uint64(logicalSize), 2, chunkSize)

	for id := int64(0); id < nextChunk; id++ {
		blockStart := uint64(id) * chunkSize
		if blockStart >= uint64(logicalSize) {
			break
		}
		blockLen := chunkSize
		if blockStart+blockLen > uint64(logicalSize) {
			blockLen = uint64(logicalSize) - blockStart
		}
		if err := tree.Insert(blockStart, blockLen, Region{Kind: RegionCompressed, ChunkID: id}); err != nil {
			return nil, err
		}
	}

	source := func(id int64) ([]byte, error) {
		loc, ok := chunks[id]
		if !ok {
			return nil, errtrace.New(errtrace.OutOfRange, "unknown EWF chunk id")
		}
		seg := segments[loc.segment]
		// Chunk length isn't separately recorded in the table entry;
		// the next entry's offset (or section end) bounds it. Read a
		// full chunk-sized window and let zlib/raw framing settle it.
		raw := make([]byte, chunkSize+512)
		n, err := seg.Stream.ReadAt(raw, loc.offset)
		if n == 0 && err != nil && err != io.EOF {
			return nil, err
		}
		raw = raw[:n]
		if !loc.compressed {
			if uint64(len(raw)) > chunkSize {
				raw = raw[:chunkSize]
			}
			return raw, nil
		}
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errtrace.Wrap(errtrace.IoError, err, "zlib open EWF chunk")
		}
		defer r.Close()
		out := make([]byte, chunkSize)
		got, err := io.ReadFull(r, out)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, errtrace.Wrap(errtrace.IoError, err, "zlib decompress EWF chunk")
		}
		return out[:got], nil
	}
	chunkCache := cache.New("ewf", source)

	l := &EWF{}
	src := RegionSource{Chunks: chunkCache}
	l.base = base{
		kind: "ewf",
		size: logicalSize,
		readAtFn: func(p []byte, off int64) (int, error) {
			return ReadAtTranslated(p, off, logicalSize, int64(chunkSize), func(v int64) Region {
				return LookupIn(tree, v)
			}, src, nil)
		},
	}
	return l, nil
}
