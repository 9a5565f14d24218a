// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package layer

import (
	"github.com/vfsforensics/corefs/blocktree"
	"github.com/vfsforensics/corefs/formats/vhd"
	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/stream"
)

// VHD implements a dynamic or differencing Connectix/Microsoft VHD
// image as a Layer: the BAT maps each 2 MiB (default) block to either
// "not allocated" (defer to Parent, or zero if none) or a sector
// bitmap + data block in the container stream.
type VHD struct {
	base
	container stream.PositionalByteStream
	tree      *blocktree.Tree[Region]
}

const vhdSectorSize = 512

// OpenVHD parses footer+header+BAT from container and builds the
// block-translation tree. parent is nil for a fixed/dynamic disk and
// non-nil when footer.DiskType is differencing.
func OpenVHD(container stream.PositionalByteStream, parent Layer) (*VHD, error) {
	footerBuf := make([]byte, 512)
	size := container.Size()
	if size < 512 {
		return nil, errtrace.New(errtrace.IoError, "container too small for VHD footer")
	}
	if err := stream.ReadExactAt(container, footerBuf, size-512); err != nil {
		return nil, err
	}
	footer, err := vhd.ReadFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	l := &VHD{container: container}

	if footer.DiskType == vhd.DiskTypeFixed {
		l.tree = blocktree.New[Region](uint64(footer.CurrentSize), 2, vhdSectorSize)
		if err := l.tree.Insert(0, uint64(footer.CurrentSize), Region{Kind: RegionRaw, SourceOffset: 0}); err != nil {
			return nil, err
		}
		l.finish(footer.CurrentSize, parent)
		return l, nil
	}

	if footer.DiskType != vhd.DiskTypeDynamic && footer.DiskType != vhd.DiskTypeDifferencing {
		return nil, errtrace.New(errtrace.Unsupported, "unsupported VHD disk type")
	}

	headerBuf := make([]byte, 1024)
	if err := stream.ReadExactAt(container, headerBuf, int64(footer.DataOffset)); err != nil {
		return nil, err
	}
	header, err := vhd.ReadDynamicHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	batBuf := make([]byte, int64(header.MaxTableEntries)*4)
	if err := stream.ReadExactAt(container, batBuf, int64(header.TableOffset)); err != nil {
		return nil, err
	}
	bat, err := vhd.ReadBAT(batBuf, header.MaxTableEntries)
	if err != nil {
		return nil, err
	}

	blockSize := uint64(header.BlockSize)
	if blockSize == 0 {
		blockSize = 2 * 1024 * 1024
	}
	sectorBitmapSize := alignUp(blockSize/vhdSectorSize/8, vhdSectorSize)

	l.tree = blocktree.New[Region](uint64(footer.CurrentSize), 2, vhdSectorSize)
	for i, sectorOffset := range bat {
		if sectorOffset == vhd.BATEntryNotPresent {
			continue
		}
		blockStart := uint64(i) * blockSize
		blockLen := blockSize
		if blockStart+blockLen > uint64(footer.CurrentSize) {
			blockLen = uint64(footer.CurrentSize) - blockStart
		}
		dataOffset := int64(sectorOffset)*vhdSectorSize + int64(sectorBitmapSize)
		if err := l.tree.Insert(blockStart, blockLen, Region{Kind: RegionRaw, SourceOffset: dataOffset}); err != nil {
			return nil, err
		}
	}

	l.finish(footer.CurrentSize, parent)
	return l, nil
}

func (l *VHD) finish(size int64, parent Layer) {
	tree := l.tree
	src := RegionSource{Container: l.container}
	l.base = base{
		kind:   "vhd",
		size:   size,
		parent: parent,
		readAtFn: func(p []byte, off int64) (int, error) {
			return ReadAtTranslated(p, off, size, vhdSectorSize, func(v int64) Region {
				return LookupIn(tree, v)
			}, src, parent)
		},
	}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}
