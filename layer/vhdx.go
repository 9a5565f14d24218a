// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package layer

import (
	"encoding/binary"

	"github.com/vfsforensics/corefs/blocktree"
	"github.com/vfsforensics/corefs/formats/vhdx"
	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/stream"
)

const vhdxHeaderRegionOffset = 3 * 64 * 1024 // region table 1 lives at 192 KiB, the fourth 64KiB block

// VHDX implements a Microsoft VHDX image (fixed, dynamic, or
// differencing) as a Layer over its payload Block Allocation Table.
type VHDX struct {
	base
}

// OpenVHDX parses the region table, metadata table, and payload BAT,
// building the block-translation tree over logical disk offsets.
func OpenVHDX(container stream.PositionalByteStream, parent Layer) (*VHDX, error) {
	regionBuf := make([]byte, 64*1024)
	if err := stream.ReadExactAt(container, regionBuf, vhdxHeaderRegionOffset); err != nil {
		return nil, err
	}
	regions, err := vhdx.ReadRegionTable(regionBuf)
	if err != nil {
		return nil, err
	}

	var batRegion, metaRegion *vhdx.RegionEntry
	for i := range regions {
		switch regions[i].GUID {
		case vhdx.RegionBAT:
			batRegion = &regions[i]
		case vhdx.RegionMetadata:
			metaRegion = &regions[i]
		}
	}
	if batRegion == nil || metaRegion == nil {
		return nil, errtrace.New(errtrace.InvalidField, "VHDX region table missing BAT or Metadata region")
	}

	metaTableBuf := make([]byte, 64*1024)
	if err := stream.ReadExactAt(container, metaTableBuf, int64(metaRegion.Offset)); err != nil {
		return nil, err
	}
	items, err := vhdx.ReadMetadataTable(metaTableBuf)
	if err != nil {
		return nil, err
	}

	var fileParams vhdx.FileParameters
	var diskSize uint64
	var sectorSize uint32 = 512
	for _, item := range items {
		itemBuf := make([]byte, item.Length)
		if err := stream.ReadExactAt(container, itemBuf, int64(metaRegion.Offset)+int64(item.Offset)); err != nil {
			return nil, err
		}
		switch item.ItemID {
		case vhdx.ItemFileParameters:
			fileParams, err = vhdx.ReadFileParameters(itemBuf)
		case vhdx.ItemVirtualDiskSize:
			diskSize, err = vhdx.ReadVirtualDiskSize(itemBuf)
		case vhdx.ItemLogicalSectorSize:
			sectorSize, err = vhdx.ReadLogicalSectorSize(itemBuf)
		}
		if err != nil {
			return nil, err
		}
	}
	if fileParams.BlockSize == 0 {
		return nil, errtrace.New(errtrace.InvalidField, "VHDX file parameters missing block size")
	}

	ratio := vhdx.ChunkRatio(fileParams.BlockSize, sectorSize)
	blockSize := uint64(fileParams.BlockSize)
	numBlocks := (diskSize + blockSize - 1) / blockSize

	batBuf := make([]byte, batRegion.Length)
	if err := stream.ReadExactAt(container, batBuf, int64(batRegion.Offset)); err != nil {
		return nil, err
	}

	tree := blocktree.New[Region](diskSize, 2, blockSize)
	for i := uint64(0); i < numBlocks; i++ {
		// Payload entries are interspersed with one sector-bitmap
		// entry per `ratio` payload entries; skip the bitmap slots.
		entryIndex := i + i/ratio
		entryOffset := entryIndex * 8
		if entryOffset+8 > uint64(len(batBuf)) {
			break
		}
		raw := binary.LittleEndian.Uint64(batBuf[entryOffset:])
		state, fileOffsetMiB := vhdx.BATEntry(raw)
		blockStart := i * blockSize
		blockLen := blockSize
		if blockStart+blockLen > diskSize {
			blockLen = diskSize - blockStart
		}
		switch state {
		case vhdx.Present:
			if err := tree.Insert(blockStart, blockLen, Region{Kind: RegionRaw, SourceOffset: int64(fileOffsetMiB) * 1024 * 1024}); err != nil {
				return nil, err
			}
		case vhdx.Zero:
			if err := tree.Insert(blockStart, blockLen, Region{Kind: RegionZero}); err != nil {
				return nil, err
			}
		case vhdx.NotPresent, vhdx.Undefined, vhdx.Unmapped:
			// Leave unset: read_at defers to parent, or zero with no parent.
		}
	}

	l := &VHDX{}
	src := RegionSource{Container: container}
	size := int64(diskSize)
	l.base = base{
		kind:   "vhdx",
		size:   size,
		parent: parent,
		readAtFn: func(p []byte, off int64) (int, error) {
			return ReadAtTranslated(p, off, size, int64(blockSize), func(v int64) Region {
				return LookupIn(tree, v)
			}, src, parent)
		},
	}
	return l, nil
}
