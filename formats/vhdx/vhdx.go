// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package vhdx parses the VHDX container's region table, metadata
// table, and Block Allocation Table, per spec.md §4.4 and
// keramics-vfs/src/vhdx/file_system.rs. VHDX is a Windows/Intel-origin
// format: all multi-byte fields are little-endian.
package vhdx

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

var FileSignature = [8]byte{'v', 'h', 'd', 'x', 'f', 'i', 'l', 'e'}
var RegionSignature = [4]byte{'r', 'e', 'g', 'i'}
var MetadataSignature = [8]byte{'m', 'e', 't', 'a', 'd', 'a', 't', 'a'}

// Well-known region/metadata GUIDs (mixed-endian GUID byte layout, as
// laid out on disk): BAT region 2DC27766-F623-4200-9D64-115E9BFD4A08,
// Metadata region 8B7CA206-4790-4B9A-B8FE-575F050F886E.
var (
	RegionBAT      = [16]byte{0x66, 0x77, 0xC2, 0x2D, 0x23, 0xF6, 0x00, 0x42, 0x9D, 0x64, 0x11, 0x5E, 0x9B, 0xFD, 0x4A, 0x08}
	RegionMetadata = [16]byte{0x06, 0xA2, 0x7C, 0x8B, 0x90, 0x47, 0x9A, 0x4B, 0xB8, 0xFE, 0x57, 0x5F, 0x05, 0x0F, 0x88, 0x6E}
)

// RegionEntry maps a region GUID to its byte range within the file.
type RegionEntry struct {
	GUID     [16]byte
	Offset   uint64
	Length   uint32
	Required bool
}

// ReadRegionTable decodes the region table header plus its entries.
// The header occupies the first 16 bytes; entries are 32 bytes each.
func ReadRegionTable(b []byte) ([]RegionEntry, error) {
	if len(b) < 32 {
		return nil, errtrace.New(errtrace.IoError, "region table shorter than 32 bytes")
	}
	for i := range RegionSignature {
		if b[i] != RegionSignature[i] {
			return nil, errtrace.New(errtrace.InvalidSignature, "missing regi signature")
		}
	}
	count := binary.LittleEndian.Uint32(b[8:12])
	entries := make([]RegionEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e := b[16+i*32:]
		if len(e) < 32 {
			return nil, errtrace.New(errtrace.IoError, "truncated region entry")
		}
		var entry RegionEntry
		copy(entry.GUID[:], e[0:16])
		entry.Offset = binary.LittleEndian.Uint64(e[16:24])
		entry.Length = binary.LittleEndian.Uint32(e[24:28])
		entry.Required = binary.LittleEndian.Uint32(e[28:32])&1 != 0
		entries = append(entries, entry)
	}
	return entries, nil
}

// Well-known metadata item GUIDs.
var (
	ItemFileParameters    = [16]byte{0x37, 0x67, 0xA1, 0xCA, 0x36, 0xFA, 0x43, 0x4D, 0xB3, 0xB6, 0x33, 0xF0, 0xAA, 0x44, 0xE7, 0x6B}
	ItemVirtualDiskSize   = [16]byte{0x24, 0x42, 0xA5, 0x2F, 0x1B, 0xCD, 0x76, 0x48, 0xB2, 0x11, 0x5D, 0xBE, 0xD8, 0x3B, 0xF4, 0xB8}
	ItemLogicalSectorSize = [16]byte{0x1D, 0xBF, 0x41, 0x81, 0x6F, 0xA9, 0x09, 0x47, 0xBA, 0x47, 0xF2, 0x33, 0xA8, 0xFA, 0xAB, 0x5F}
	ItemParentLocator     = [16]byte{0x2D, 0x5F, 0xD3, 0xA8, 0x0B, 0xB3, 0x4D, 0x45, 0xAB, 0xF7, 0xD3, 0xD8, 0x48, 0x34, 0xAB, 0x0C}
)

// MetadataEntry is one entry of the metadata table (virtual disk size,
// block size, logical sector size, parent locator, etc).
type MetadataEntry struct {
	ItemID [16]byte
	Offset uint32
	Length uint32
	IsUser bool
	IsRequired bool
}

func ReadMetadataTable(b []byte) ([]MetadataEntry, error) {
	if len(b) < 32 {
		return nil, errtrace.New(errtrace.IoError, "metadata table shorter than 32 bytes")
	}
	for i := range MetadataSignature {
		if b[i] != MetadataSignature[i] {
			return nil, errtrace.New(errtrace.InvalidSignature, "missing metadata signature")
		}
	}
	count := binary.LittleEndian.Uint16(b[8:10])
	entries := make([]MetadataEntry, 0, count)
	for i := uint16(0); i < count; i++ {
		e := b[32+int(i)*32:]
		if len(e) < 32 {
			return nil, errtrace.New(errtrace.IoError, "truncated metadata entry")
		}
		var entry MetadataEntry
		copy(entry.ItemID[:], e[0:16])
		entry.Offset = binary.LittleEndian.Uint32(e[16:20])
		entry.Length = binary.LittleEndian.Uint32(e[20:24])
		flags := binary.LittleEndian.Uint32(e[24:28])
		entry.IsUser = flags&1 != 0
		entry.IsRequired = flags&4 != 0
		entries = append(entries, entry)
	}
	return entries, nil
}

// FileParameters is the fixed "File Parameters" metadata item.
type FileParameters struct {
	BlockSize      uint32
	LeaveBlocksAllocated bool
	HasParent      bool
}

func ReadFileParameters(b []byte) (FileParameters, error) {
	if len(b) < 8 {
		return FileParameters{}, errtrace.New(errtrace.IoError, "file parameters item shorter than 8 bytes")
	}
	blockSize := binary.LittleEndian.Uint32(b[0:4])
	flags := binary.LittleEndian.Uint32(b[4:8])
	return FileParameters{
		BlockSize:            blockSize,
		LeaveBlocksAllocated: flags&1 != 0,
		HasParent:            flags&2 != 0,
	}, nil
}

// VirtualDiskSize is the fixed "Virtual Disk Size" metadata item (u64).
func ReadVirtualDiskSize(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, errtrace.New(errtrace.IoError, "virtual disk size item shorter than 8 bytes")
	}
	return binary.LittleEndian.Uint64(b[0:8]), nil
}

// LogicalSectorSize is the fixed "Logical Sector Size" metadata item (u32).
func ReadLogicalSectorSize(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, errtrace.New(errtrace.IoError, "logical sector size item shorter than 4 bytes")
	}
	return binary.LittleEndian.Uint32(b[0:4]), nil
}

// BATEntryState is the 3-bit state field packed into each 8-byte BAT
// entry (bits 0-2), per spec.md §4.4.
type BATEntryState uint8

const (
	NotPresent BATEntryState = 0
	Undefined  BATEntryState = 1
	Zero       BATEntryState = 2
	Unmapped   BATEntryState = 3
	Present    BATEntryState = 6
)

// BATEntry decodes one 8-byte payload BAT entry: state in bits 0-2,
// file offset in bits 20-63 (top 44 bits, in units of 1MiB).
func BATEntry(raw uint64) (state BATEntryState, fileOffsetMiB uint64) {
	return BATEntryState(raw & 0x7), raw >> 20
}

// SectorBitmapEntry decodes the bitmap-block BAT entries interleaved
// with payload block entries at the chunk-ratio boundary (state only;
// the bitmap block itself is an opaque 1MiB presence bitmap, consumed
// by the image layer, not this pure parser).
func SectorBitmapEntry(raw uint64) (state BATEntryState, fileOffsetMiB uint64) {
	return BATEntry(raw)
}

// ChunkRatio is the number of payload blocks described between two
// consecutive sector-bitmap BAT entries: (2^23 * logicalSectorSize) / blockSize.
func ChunkRatio(blockSize uint32, logicalSectorSize uint32) uint64 {
	return (uint64(1) << 23) * uint64(logicalSectorSize) / uint64(blockSize)
}

// ReadParentLocator decodes the "Parent Locator" metadata item for a
// differencing VHDX: a locator-type GUID followed by a count of
// UTF-16LE key/value pairs (key_offset, value_offset, key_length,
// value_length, each a uint16 relative to the start of b). Only the
// well-known "relative_path"/"volume_path"/"absolute_win32_path" keys
// are of interest to sibling resolution.
func ReadParentLocator(b []byte) (map[string]string, error) {
	if len(b) < 20 {
		return nil, errtrace.New(errtrace.IoError, "parent locator item shorter than 20 bytes")
	}
	count := binary.LittleEndian.Uint16(b[18:20])
	out := make(map[string]string, count)
	for i := uint16(0); i < count; i++ {
		e := b[20+int(i)*8:]
		if len(e) < 8 {
			return nil, errtrace.New(errtrace.IoError, "truncated parent locator entry")
		}
		keyOffset := binary.LittleEndian.Uint16(e[0:2])
		valueOffset := binary.LittleEndian.Uint16(e[2:4])
		keyLength := binary.LittleEndian.Uint16(e[4:6])
		valueLength := binary.LittleEndian.Uint16(e[6:8])
		key, err := utf16leString(b, keyOffset, keyLength)
		if err != nil {
			return nil, err
		}
		value, err := utf16leString(b, valueOffset, valueLength)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

func utf16leString(b []byte, offset, length uint16) (string, error) {
	if int(offset)+int(length) > len(b) {
		return "", errtrace.New(errtrace.IoError, "parent locator string exceeds item bounds")
	}
	raw := b[offset:][:length]
	units := make([]uint16, 0, length/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(raw[i:]))
	}
	return string(utf16.Decode(units)), nil
}
