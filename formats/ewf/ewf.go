// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package ewf parses Expert Witness Format (EWF/E01) segment file
// headers, volume sections, and table sections, per spec.md §4.4 and
// keramics-vfs/src/ewf/file_system.rs. EWF is Windows/Intel-origin:
// little-endian.
package ewf

import (
	"encoding/binary"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

var Signature = [8]byte{0x45, 0x56, 0x46, 0x09, 0x0D, 0x0A, 0xFF, 0x00} // "EVF\t\r\n\xff\x00"

// SectionDescriptor is the 76-byte fixed section header preceding
// every EWF section (header, volume, table, sectors, next, done...).
type SectionDescriptor struct {
	Type   string // up to 16 ASCII bytes, NUL-trimmed
	Next   uint64 // absolute offset of the next section descriptor
	Size   uint64 // size of this section including the descriptor
}

func ReadSectionDescriptor(b []byte) (SectionDescriptor, error) {
	if len(b) < 76 {
		return SectionDescriptor{}, errtrace.New(errtrace.IoError, "EWF section descriptor shorter than 76 bytes")
	}
	typ := b[0:16]
	n := 0
	for n < len(typ) && typ[n] != 0 {
		n++
	}
	return SectionDescriptor{
		Type: string(typ[:n]),
		Next: binary.LittleEndian.Uint64(b[16:24]),
		Size: binary.LittleEndian.Uint64(b[24:32]),
	}, nil
}

// VolumeSection (EWF1 "volume" section) declares chunk geometry.
type VolumeSection struct {
	ChunkCount    uint32
	SectorsPerChunk uint32
	BytesPerSector  uint32
	SectorCount     uint64
}

func ReadVolumeSection(b []byte) (VolumeSection, error) {
	if len(b) < 94 {
		return VolumeSection{}, errtrace.New(errtrace.IoError, "EWF volume section shorter than 94 bytes")
	}
	return VolumeSection{
		ChunkCount:      binary.LittleEndian.Uint32(b[4:8]),
		SectorsPerChunk: binary.LittleEndian.Uint32(b[8:12]),
		BytesPerSector:  binary.LittleEndian.Uint32(b[12:16]),
		SectorCount:     binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// ChunkSize derives the uncompressed size of one chunk from the
// volume section's declared geometry.
func (v VolumeSection) ChunkSize() uint64 {
	return uint64(v.SectorsPerChunk) * uint64(v.BytesPerSector)
}

// TableSection ("table"/"table2") maps chunk index to an offset
// (relative to the section's base) with the high bit flagging
// compression.
type TableSection struct {
	BaseOffset uint64
	Entries    []uint32 // raw entries, high bit (1<<31) = compressed
}

const CompressedFlag = uint32(1) << 31

func ReadTableSection(b []byte, baseOffset uint64) (TableSection, error) {
	if len(b) < 4 {
		return TableSection{}, errtrace.New(errtrace.IoError, "EWF table section shorter than 4 bytes")
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	const headerLen = 24
	need := headerLen + int(count)*4
	if len(b) < need {
		return TableSection{}, errtrace.New(errtrace.IoError, "EWF table section truncated before declared entry count")
	}
	entries := make([]uint32, count)
	for i := range entries {
		entries[i] = binary.LittleEndian.Uint32(b[headerLen+i*4:])
	}
	return TableSection{BaseOffset: baseOffset, Entries: entries}, nil
}

// DecodeEntry splits a raw table entry into (offset, compressed).
func DecodeEntry(raw uint32) (offset uint32, compressed bool) {
	return raw &^ CompressedFlag, raw&CompressedFlag != 0
}

// SegmentFilenameSuffix derives the conventional Exx/exx suffix for
// segment number n (1-based): E01, E02, ... E99, EAA, EAB, ...
func SegmentFilenameSuffix(n int) string {
	if n < 1 {
		n = 1
	}
	n--
	letters := "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// Matches EWF's own base: two digits 01-99, then letters.
	if n < 99 {
		return "E" + string([]byte{byte('0' + (n+1)/10), byte('0' + (n+1)%10)})
	}
	n -= 99
	hi := letters[(n/len(letters))%len(letters)]
	lo := letters[n%len(letters)]
	return "E" + string([]byte{hi, lo})
}
