// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package vhd parses Microsoft Virtual Hard Disk (VHD) footers, dynamic
// disk headers, and Block Allocation Tables, per spec.md §4.4 and
// keramics-vfs/src/vhd/file_system.rs. VHD is an Apple/Connectix-origin
// container (Connectix Virtual PC) whose on-disk fields are big-endian,
// per spec.md §4.3's endianness rule.
package vhd

import (
	"encoding/binary"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

const Cookie = "conectix"
const DynamicCookie = "cxsparse"

const (
	DiskTypeFixed        = 2
	DiskTypeDynamic      = 3
	DiskTypeDifferencing = 4
)

// Footer is the 512-byte trailer (and, for some images, a copy at the
// start of the file) describing the logical disk.
type Footer struct {
	Features        uint32
	FileFormatVer    uint32
	DataOffset       uint64 // 0xFFFFFFFFFFFFFFFF for fixed disks
	DiskType         uint32
	CurrentSize      uint64
	UniqueID         [16]byte
}

func ReadFooter(b []byte) (Footer, error) {
	if len(b) < 512 {
		return Footer{}, errtrace.New(errtrace.IoError, "VHD footer shorter than 512 bytes")
	}
	if string(b[0:8]) != Cookie {
		return Footer{}, errtrace.New(errtrace.InvalidSignature, "missing conectix cookie")
	}
	var f Footer
	f.Features = binary.BigEndian.Uint32(b[8:12])
	f.FileFormatVer = binary.BigEndian.Uint32(b[12:16])
	f.DataOffset = binary.BigEndian.Uint64(b[16:24])
	f.CurrentSize = binary.BigEndian.Uint64(b[48:56])
	f.DiskType = binary.BigEndian.Uint32(b[60:64])
	copy(f.UniqueID[:], b[68:84])
	switch f.DiskType {
	case DiskTypeFixed, DiskTypeDynamic, DiskTypeDifferencing:
	default:
		return Footer{}, errtrace.New(errtrace.Unsupported, "unsupported VHD disk type")
	}
	return f, nil
}

// DynamicHeader is the 1024-byte header immediately following a
// dynamic or differencing disk's footer copy, describing the BAT.
type DynamicHeader struct {
	TableOffset    uint64
	MaxTableEntries uint32
	BlockSize       uint32 // bytes per data block, typically 2MiB
	ParentUniqueID  [16]byte
	ParentTimestamp uint32
	ParentLocators  [8]ParentLocator
}

type ParentLocator struct {
	Code         uint32
	DataSpace    uint32
	DataLength   uint32
	DataOffset   uint64
}

func ReadDynamicHeader(b []byte) (DynamicHeader, error) {
	if len(b) < 1024 {
		return DynamicHeader{}, errtrace.New(errtrace.IoError, "VHD dynamic header shorter than 1024 bytes")
	}
	if string(b[0:8]) != DynamicCookie {
		return DynamicHeader{}, errtrace.New(errtrace.InvalidSignature, "missing cxsparse cookie")
	}
	var h DynamicHeader
	h.TableOffset = binary.BigEndian.Uint64(b[16:24])
	h.MaxTableEntries = binary.BigEndian.Uint32(b[28:32])
	h.BlockSize = binary.BigEndian.Uint32(b[32:36])
	copy(h.ParentUniqueID[:], b[40:56])
	h.ParentTimestamp = binary.BigEndian.Uint32(b[56:60])
	for i := 0; i < 8; i++ {
		p := b[576+i*24:]
		h.ParentLocators[i] = ParentLocator{
			Code:       binary.BigEndian.Uint32(p[0:4]),
			DataSpace:  binary.BigEndian.Uint32(p[4:8]),
			DataLength: binary.BigEndian.Uint32(p[8:12]),
			DataOffset: binary.BigEndian.Uint64(p[16:24]),
		}
	}
	return h, nil
}

// BATEntryNotPresent marks a dynamic-disk data block as absent
// (sparse, or delegate to parent for a differencing disk).
const BATEntryNotPresent = 0xFFFFFFFF

// ReadBAT decodes a contiguous Block Allocation Table of maxEntries
// 4-byte sector offsets.
func ReadBAT(b []byte, maxEntries uint32) ([]uint32, error) {
	if uint32(len(b)) < maxEntries*4 {
		return nil, errtrace.New(errtrace.IoError, "BAT shorter than declared entry count")
	}
	out := make([]uint32, maxEntries)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return out, nil
}
