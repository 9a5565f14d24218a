// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package layer

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/DataDog/zstd"

	"github.com/vfsforensics/corefs/blocktree"
	"github.com/vfsforensics/corefs/formats/qcow"
	"github.com/vfsforensics/corefs/internal/cache"
	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/stream"
)

// CompressionMethod selects the codec for a QCOW2 image's compressed
// clusters: 0 = zlib/deflate (the original format), 1 = zstd (the
// QCOW3 "compression_type" header extension, a real QCOW2 feature the
// distilled spec's "LZ reads" elided).
type CompressionMethod uint32

const (
	CompressionZlib CompressionMethod = 0
	CompressionZstd CompressionMethod = 1
)

// QCOW implements a QEMU QCOW v1-v3 image as a Layer over its two-level
// L1/L2 cluster lookup tables.
type QCOW struct {
	base
}

// OpenQCOW parses the header and L1/L2 tables, and wires a
// RegionCompressed chunk source for compressed clusters through
// internal/cache, per spec.md §4.4.
func OpenQCOW(container stream.PositionalByteStream, method CompressionMethod, parent Layer) (*QCOW, error) {
	headerBuf := make([]byte, 104)
	if err := stream.ReadExactAt(container, headerBuf, 0); err != nil {
		return nil, err
	}
	header, err := qcow.ReadHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	clusterSize := header.ClusterSize()
	l1Buf := make([]byte, uint64(header.L1Size)*8)
	if err := stream.ReadExactAt(container, l1Buf, int64(header.L1TableOffset)); err != nil {
		return nil, err
	}
	l1, err := qcow.L1Entries(l1Buf, header.L1Size)
	if err != nil {
		return nil, err
	}

	tree := blocktree.New[Region](header.Size, 2, clusterSize)
	numClusters := (header.Size + clusterSize - 1) / clusterSize
	l2PerTable := clusterSize / 8

	var chunkID int64
	chunkMeta := map[int64]compressedChunkMeta{}

	for i := uint64(0); i < numClusters; i++ {
		l1Idx := i / l2PerTable
		l2Idx := i % l2PerTable
		if l1Idx >= uint64(len(l1)) || l1[l1Idx] == 0 {
			continue
		}
		l2Buf := make([]byte, clusterSize)
		if err := stream.ReadExactAt(container, l2Buf, int64(l1[l1Idx])); err != nil {
			return nil, err
		}
		l2, err := qcow.L2Entries(l2Buf, clusterSize)
		if err != nil {
			return nil, err
		}
		if l2Idx >= uint64(len(l2)) {
			continue
		}
		compressed, hostOffset, descriptor, allocated := qcow.DecodeL2Entry(l2[l2Idx], header.ClusterBits)
		if !allocated {
			continue
		}
		blockStart := i * clusterSize
		blockLen := clusterSize
		if blockStart+blockLen > header.Size {
			blockLen = header.Size - blockStart
		}
		if !compressed {
			if err := tree.Insert(blockStart, blockLen, Region{Kind: RegionRaw, SourceOffset: int64(hostOffset)}); err != nil {
				return nil, err
			}
			continue
		}
		off, extraSectors := qcow.SplitCompressedDescriptor(descriptor, header.ClusterBits)
		id := chunkID
		chunkID++
		chunkMeta[id] = compressedChunkMeta{hostOffset: int64(off), length: int64(extraSectors+1) * 512}
		if err := tree.Insert(blockStart, blockLen, Region{Kind: RegionCompressed, ChunkID: id}); err != nil {
			return nil, err
		}
	}

	source := func(id int64) ([]byte, error) {
		meta, ok := chunkMeta[id]
		if !ok {
			return nil, errtrace.New(errtrace.OutOfRange, "unknown QCOW compressed chunk id")
		}
		raw := make([]byte, meta.length)
		if err := stream.ReadExactAt(container, raw, meta.hostOffset); err != nil {
			return nil, err
		}
		return decompressQCOWCluster(raw, clusterSize, method)
	}
	chunks := cache.New("qcow", source)

	l := &QCOW{}
	src := RegionSource{Container: container, Chunks: chunks}
	size := int64(header.Size)
	l.base = base{
		kind:   "qcow",
		size:   size,
		parent: parent,
		readAtFn: func(p []byte, off int64) (int, error) {
			return ReadAtTranslated(p, off, size, int64(clusterSize), func(v int64) Region {
				return LookupIn(tree, v)
			}, src, parent)
		},
	}
	return l, nil
}

type compressedChunkMeta struct {
	hostOffset int64
	length     int64
}

func decompressQCOWCluster(raw []byte, clusterSize uint64, method CompressionMethod) ([]byte, error) {
	switch method {
	case CompressionZstd:
		out, err := zstd.Decompress(nil, raw)
		if err != nil {
			return nil, errtrace.Wrap(errtrace.IoError, err, "zstd decompress QCOW cluster")
		}
		return out, nil
	default:
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errtrace.Wrap(errtrace.IoError, err, "zlib open QCOW cluster")
		}
		defer r.Close()
		out := make([]byte, clusterSize)
		n, err := io.ReadFull(r, out)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, errtrace.Wrap(errtrace.IoError, err, "zlib decompress QCOW cluster")
		}
		return out[:n], nil
	}
}
