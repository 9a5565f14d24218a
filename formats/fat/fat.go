// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package fat parses FAT12/16/32 boot sectors, cluster-chain
// allocation tables, and 8.3/VFAT directory entries, per spec.md §4.6.
// Windows/Intel-origin: little-endian.
package fat

import (
	"encoding/binary"

	"golang.org/x/text/encoding/charmap"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

// Variant identifies which FAT width a boot sector describes.
type Variant int

const (
	VariantUnknown Variant = iota
	Variant12
	Variant16
	Variant32
)

// BootSector is the decoded BIOS Parameter Block common to all three
// variants, plus the FAT32-only extension fields.
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	TotalSectors32    uint32
	FATSize16         uint16
	FATSize32         uint32 // FAT32 only
	RootCluster       uint32 // FAT32 only
	FSInfoSector      uint16 // FAT32 only
}

func ReadBootSector(b []byte) (BootSector, error) {
	if len(b) < 90 {
		return BootSector{}, errtrace.New(errtrace.IoError, "FAT boot sector shorter than 90 bytes")
	}
	if b[510] != 0x55 || b[511] != 0xAA {
		return BootSector{}, errtrace.New(errtrace.InvalidSignature, "missing 0x55AA boot sector signature")
	}
	var s BootSector
	s.BytesPerSector = binary.LittleEndian.Uint16(b[11:13])
	s.SectorsPerCluster = b[13]
	s.ReservedSectors = binary.LittleEndian.Uint16(b[14:16])
	s.NumFATs = b[16]
	s.RootEntryCount = binary.LittleEndian.Uint16(b[17:19])
	s.TotalSectors16 = binary.LittleEndian.Uint16(b[19:21])
	s.FATSize16 = binary.LittleEndian.Uint16(b[22:24])
	s.TotalSectors32 = binary.LittleEndian.Uint32(b[32:36])
	if s.FATSize16 == 0 && len(b) >= 68 {
		s.FATSize32 = binary.LittleEndian.Uint32(b[36:40])
		s.RootCluster = binary.LittleEndian.Uint32(b[44:48])
		s.FSInfoSector = binary.LittleEndian.Uint16(b[48:50])
	}
	if s.BytesPerSector == 0 || s.SectorsPerCluster == 0 || s.NumFATs == 0 {
		return BootSector{}, errtrace.New(errtrace.InvalidField, "zero-valued BPB field")
	}
	return s, nil
}

func (s BootSector) FATSize() uint32 {
	if s.FATSize16 != 0 {
		return uint32(s.FATSize16)
	}
	return s.FATSize32
}

func (s BootSector) TotalSectors() uint32 {
	if s.TotalSectors16 != 0 {
		return uint32(s.TotalSectors16)
	}
	return s.TotalSectors32
}

// RootDirSectors is the number of sectors occupied by a fixed-size
// FAT12/16 root directory; zero for FAT32, whose root is an ordinary
// cluster chain.
func (s BootSector) RootDirSectors() uint32 {
	return (uint32(s.RootEntryCount)*32 + uint32(s.BytesPerSector) - 1) / uint32(s.BytesPerSector)
}

func (s BootSector) FirstDataSector() uint32 {
	return s.ReservedSectors0() + s.NumFATs32()*s.FATSize() + s.RootDirSectors()
}

func (s BootSector) ReservedSectors0() uint32 { return uint32(s.ReservedSectors) }
func (s BootSector) NumFATs32() uint32        { return uint32(s.NumFATs) }

// ClusterCount determines which variant applies per the Microsoft
// FAT spec's count-of-clusters test, the only reliable discriminator.
func (s BootSector) ClusterCount() uint32 {
	dataSectors := s.TotalSectors() - s.FirstDataSector()
	return dataSectors / uint32(s.SectorsPerCluster)
}

func (s BootSector) Variant() Variant {
	switch c := s.ClusterCount(); {
	case c < 4085:
		return Variant12
	case c < 65525:
		return Variant16
	default:
		return Variant32
	}
}

// End-of-chain and free/bad sentinels per variant, masked against the
// raw stored value (FAT12 entries are 12 bits, FAT16 16 bits, FAT32
// stores 32 bits but only the low 28 are meaningful).
const (
	EOC12  = 0xFF8
	Bad12  = 0xFF7
	EOC16  = 0xFFF8
	Bad16  = 0xFFF7
	EOC32  = 0x0FFFFFF8
	Bad32  = 0x0FFFFFF7
	Mask32 = 0x0FFFFFFF
)

// NextCluster12 reads the 12-bit entry for cluster n out of a raw FAT
// buffer, handling the byte-straddling nibble packing.
func NextCluster12(fat []byte, n uint32) (uint32, error) {
	offset := n + n/2
	if int(offset)+1 >= len(fat) {
		return 0, errtrace.New(errtrace.OutOfRange, "FAT12 cluster index beyond table")
	}
	v := uint16(fat[offset]) | uint16(fat[offset+1])<<8
	if n%2 == 0 {
		return uint32(v & 0x0FFF), nil
	}
	return uint32(v >> 4), nil
}

func NextCluster16(fat []byte, n uint32) (uint32, error) {
	offset := int(n) * 2
	if offset+2 > len(fat) {
		return 0, errtrace.New(errtrace.OutOfRange, "FAT16 cluster index beyond table")
	}
	return uint32(binary.LittleEndian.Uint16(fat[offset:])), nil
}

func NextCluster32(fat []byte, n uint32) (uint32, error) {
	offset := int(n) * 4
	if offset+4 > len(fat) {
		return 0, errtrace.New(errtrace.OutOfRange, "FAT32 cluster index beyond table")
	}
	return binary.LittleEndian.Uint32(fat[offset:]) & Mask32, nil
}

// IsEndOfChain reports whether a raw (already-masked) next-cluster
// value terminates a chain for the given variant.
func IsEndOfChain(v Variant, next uint32) bool {
	switch v {
	case Variant12:
		return next >= EOC12
	case Variant16:
		return next >= EOC16
	case Variant32:
		return next >= EOC32
	default:
		return true
	}
}

// DirectoryEntry is a decoded 32-byte 8.3 directory entry.
type DirectoryEntry struct {
	Name       [8]byte
	Ext        [3]byte
	Attr       uint8
	FirstClusterHi uint16
	FirstClusterLo uint16
	FileSize   uint32
	Deleted    bool
	IsVolumeID bool
	IsLongName bool
}

const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

func ReadDirectoryEntry(b []byte) (DirectoryEntry, error) {
	if len(b) < 32 {
		return DirectoryEntry{}, errtrace.New(errtrace.IoError, "directory entry shorter than 32 bytes")
	}
	var d DirectoryEntry
	copy(d.Name[:], b[0:8])
	copy(d.Ext[:], b[8:11])
	d.Attr = b[11]
	d.Deleted = b[0] == 0xE5
	d.IsVolumeID = d.Attr&AttrVolumeID != 0
	d.IsLongName = d.Attr&AttrLongName == AttrLongName
	d.FirstClusterHi = binary.LittleEndian.Uint16(b[20:22])
	d.FirstClusterLo = binary.LittleEndian.Uint16(b[26:28])
	d.FileSize = binary.LittleEndian.Uint32(b[28:32])
	return d, nil
}

func (d DirectoryEntry) FirstCluster() uint32 {
	return uint32(d.FirstClusterHi)<<16 | uint32(d.FirstClusterLo)
}

func (d DirectoryEntry) IsFree() bool { return d.Name[0] == 0x00 }

// ShortName reassembles the 8.3 name with trailing-space trimming and
// the 0x05 => 0xE5 KANJI first-byte substitution. Bytes above 0x7F are
// interpreted as OEM code page 437, the FAT default, so a short name
// like a DOS-era "naïve.txt" decodes to its real characters instead
// of mojibake.
func (d DirectoryEntry) ShortName() string {
	name := d.Name
	if name[0] == 0x05 {
		name[0] = 0xE5
	}
	base := trimSpaces(name[:])
	ext := trimSpaces(d.Ext[:])
	if ext == "" {
		return decodeOEM(base)
	}
	return decodeOEM(base) + "." + decodeOEM(ext)
}

func trimSpaces(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == ' ' {
		n--
	}
	return string(b[:n])
}

// decodeOEM converts a code-page-437-encoded short-name fragment
// (already trimmed and ASCII-range-trimSpaces'd) to its Unicode text.
// Pure-ASCII fragments pass through unchanged; CodePage437 is an
// identity mapping below 0x80.
func decodeOEM(s string) string {
	out, err := charmap.CodePage437.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}

// LongNameEntry is a decoded VFAT long-filename directory entry; up
// to 13 UTF-16 code units split across three subfields.
type LongNameEntry struct {
	Order    uint8 // bit 0x40 marks the last (first-stored) entry of a sequence
	Checksum uint8
	Chars    [13]uint16
}

func ReadLongNameEntry(b []byte) (LongNameEntry, error) {
	if len(b) < 32 {
		return LongNameEntry{}, errtrace.New(errtrace.IoError, "long name entry shorter than 32 bytes")
	}
	var e LongNameEntry
	e.Order = b[0]
	e.Checksum = b[13]
	idx := 0
	for i := 0; i < 5; i++ {
		e.Chars[idx] = binary.LittleEndian.Uint16(b[1+i*2:])
		idx++
	}
	for i := 0; i < 6; i++ {
		e.Chars[idx] = binary.LittleEndian.Uint16(b[14+i*2:])
		idx++
	}
	for i := 0; i < 2; i++ {
		e.Chars[idx] = binary.LittleEndian.Uint16(b[28+i*2:])
		idx++
	}
	return e, nil
}

const LongNameLast = 0x40

// ShortNameChecksum computes the checksum VFAT stores in each
// LongNameEntry, used to validate a long-name run against its
// following short entry.
func ShortNameChecksum(name8_3 [11]byte) uint8 {
	var sum uint8
	for _, c := range name8_3 {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}
