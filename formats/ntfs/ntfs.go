// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package ntfs parses NTFS boot sectors, MFT entries (including the
// fixup array), attribute headers, and non-resident data runlists,
// per spec.md §4.6 and keramics-formats/src/ntfs/{mft,attribute,runlist}.rs.
// Windows-origin: little-endian.
package ntfs

import (
	"encoding/binary"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

var OEMID = [8]byte{'N', 'T', 'F', 'S', ' ', ' ', ' ', ' '}

// BootSector is the decoded NTFS BPB plus extension fields.
type BootSector struct {
	BytesPerSector       uint16
	SectorsPerCluster    uint8
	TotalSectors         uint64
	MFTClusterNumber     uint64
	MFTMirrClusterNumber uint64
	ClustersPerMFTRecord int8 // negative means 2^-n bytes, positive means n clusters
	ClustersPerIndexRecord int8
	VolumeSerialNumber   uint64
}

func ReadBootSector(b []byte) (BootSector, error) {
	if len(b) < 512 {
		return BootSector{}, errtrace.New(errtrace.IoError, "NTFS boot sector shorter than 512 bytes")
	}
	if string(b[3:11]) != string(OEMID[:]) {
		return BootSector{}, errtrace.New(errtrace.InvalidSignature, "missing 'NTFS    ' OEM ID")
	}
	if b[510] != 0x55 || b[511] != 0xAA {
		return BootSector{}, errtrace.New(errtrace.InvalidSignature, "missing 0x55AA boot sector signature")
	}
	var s BootSector
	s.BytesPerSector = binary.LittleEndian.Uint16(b[11:13])
	s.SectorsPerCluster = b[13]
	s.TotalSectors = binary.LittleEndian.Uint64(b[40:48])
	s.MFTClusterNumber = binary.LittleEndian.Uint64(b[48:56])
	s.MFTMirrClusterNumber = binary.LittleEndian.Uint64(b[56:64])
	s.ClustersPerMFTRecord = int8(b[64])
	s.ClustersPerIndexRecord = int8(b[68])
	s.VolumeSerialNumber = binary.LittleEndian.Uint64(b[72:80])
	if s.BytesPerSector == 0 || s.SectorsPerCluster == 0 {
		return BootSector{}, errtrace.New(errtrace.InvalidField, "zero-valued BPB field")
	}
	return s, nil
}

func (s BootSector) ClusterSize() uint64 { return uint64(s.BytesPerSector) * uint64(s.SectorsPerCluster) }

// MFTRecordSize resolves the signed clusters-per-record encoding: a
// positive value is a cluster count, a negative value n means the
// record size is 2^(-n) bytes.
func (s BootSector) MFTRecordSize() uint64 {
	if s.ClustersPerMFTRecord >= 0 {
		return uint64(s.ClustersPerMFTRecord) * s.ClusterSize()
	}
	return uint64(1) << uint(-s.ClustersPerMFTRecord)
}

func (s BootSector) IndexRecordSize() uint64 {
	if s.ClustersPerIndexRecord >= 0 {
		return uint64(s.ClustersPerIndexRecord) * s.ClusterSize()
	}
	return uint64(1) << uint(-s.ClustersPerIndexRecord)
}

var FileRecordSignature = [4]byte{'F', 'I', 'L', 'E'}

// RecordHeader is the decoded fixed portion of an MFT file record,
// before fixup application.
type RecordHeader struct {
	USAOffset      uint16
	USACount       uint16
	LogFileSeqNo   uint64
	SequenceNumber uint16
	LinkCount      uint16
	AttrsOffset    uint16
	Flags          uint16 // bit0 = in use, bit1 = directory
	BytesInUse     uint32
	BytesAllocated uint32
	BaseFileRecord uint64 // MFT reference of base record, zero if this is the base
	NextAttrID     uint16
	MFTRecordNumber uint32
}

const (
	RecordFlagInUse    = 0x0001
	RecordFlagDirectory = 0x0002
)

func ReadRecordHeader(b []byte) (RecordHeader, error) {
	if len(b) < 48 {
		return RecordHeader{}, errtrace.New(errtrace.IoError, "MFT record header shorter than 48 bytes")
	}
	if string(b[0:4]) != string(FileRecordSignature[:]) {
		return RecordHeader{}, errtrace.New(errtrace.InvalidSignature, "missing FILE signature")
	}
	var h RecordHeader
	h.USAOffset = binary.LittleEndian.Uint16(b[4:6])
	h.USACount = binary.LittleEndian.Uint16(b[6:8])
	h.LogFileSeqNo = binary.LittleEndian.Uint64(b[8:16])
	h.SequenceNumber = binary.LittleEndian.Uint16(b[16:18])
	h.LinkCount = binary.LittleEndian.Uint16(b[18:20])
	h.AttrsOffset = binary.LittleEndian.Uint16(b[20:22])
	h.Flags = binary.LittleEndian.Uint16(b[22:24])
	h.BytesInUse = binary.LittleEndian.Uint32(b[24:28])
	h.BytesAllocated = binary.LittleEndian.Uint32(b[28:32])
	h.BaseFileRecord = binary.LittleEndian.Uint64(b[32:40])
	h.NextAttrID = binary.LittleEndian.Uint16(b[40:42])
	if len(b) >= 48 {
		h.MFTRecordNumber = binary.LittleEndian.Uint32(b[44:48])
	}
	return h, nil
}

func (h RecordHeader) InUse() bool     { return h.Flags&RecordFlagInUse != 0 }
func (h RecordHeader) IsDirectory() bool { return h.Flags&RecordFlagDirectory != 0 }

// ApplyFixup validates and reverses the Update Sequence Array
// in-place protection scheme: the last two bytes of every sector in
// the record must equal the USA's "update sequence number", and are
// replaced with the original bytes stored in the USA. sectorSize is
// the device's bytes-per-sector (usually 512).
func ApplyFixup(record []byte, usaOffset, usaCount uint16, sectorSize int) error {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	off := int(usaOffset)
	if off+int(usaCount)*2 > len(record) {
		return errtrace.New(errtrace.InvalidField, "update sequence array extends past record")
	}
	if usaCount == 0 {
		return errtrace.New(errtrace.InvalidField, "update sequence array count is zero")
	}
	usn := binary.LittleEndian.Uint16(record[off : off+2])
	entries := usaCount - 1
	for i := uint16(0); i < entries; i++ {
		sectorEnd := (int(i)+1)*sectorSize - 2
		if sectorEnd+2 > len(record) {
			break
		}
		got := binary.LittleEndian.Uint16(record[sectorEnd : sectorEnd+2])
		if got != usn {
			return errtrace.New(errtrace.ChecksumMismatch, "update sequence number mismatch, fixup failed")
		}
		orig := record[off+2+int(i)*2 : off+4+int(i)*2]
		copy(record[sectorEnd:sectorEnd+2], orig)
	}
	return nil
}

// AttributeHeader is the common portion of every attribute record
// (resident or non-resident).
type AttributeHeader struct {
	TypeCode     uint32
	Length       uint32
	NonResident  bool
	NameLength   uint8
	NameOffset   uint16
	Flags        uint16
	AttributeID  uint16
	// resident
	ResidentValueLength uint32
	ResidentValueOffset uint16
	// non-resident
	LowestVCN  uint64
	HighestVCN uint64
	RunlistOffset uint16
	AllocatedSize uint64
	DataSize      uint64
	InitializedSize uint64
}

const AttributeListEnd = 0xFFFFFFFF

const (
	AttrTypeStandardInformation = 0x10
	AttrTypeAttributeList       = 0x20
	AttrTypeFileName            = 0x30
	AttrTypeObjectID            = 0x40
	AttrTypeData                = 0x80
	AttrTypeIndexRoot           = 0x90
	AttrTypeIndexAllocation     = 0xA0
	AttrTypeBitmap              = 0xB0
	AttrTypeReparsePoint        = 0xC0
)

// ReadAttributeHeader decodes one attribute header starting at b[0].
// Returns ok=false, no error, when the type code is the list
// terminator (0xFFFFFFFF).
func ReadAttributeHeader(b []byte) (hdr AttributeHeader, ok bool, err error) {
	if len(b) < 4 {
		return AttributeHeader{}, false, errtrace.New(errtrace.IoError, "attribute header shorter than 4 bytes")
	}
	typeCode := binary.LittleEndian.Uint32(b[0:4])
	if typeCode == AttributeListEnd {
		return AttributeHeader{}, false, nil
	}
	if len(b) < 16 {
		return AttributeHeader{}, false, errtrace.New(errtrace.IoError, "attribute header shorter than 16 bytes")
	}
	var h AttributeHeader
	h.TypeCode = typeCode
	h.Length = binary.LittleEndian.Uint32(b[4:8])
	h.NonResident = b[8] != 0
	h.NameLength = b[9]
	h.NameOffset = binary.LittleEndian.Uint16(b[10:12])
	h.Flags = binary.LittleEndian.Uint16(b[12:14])
	h.AttributeID = binary.LittleEndian.Uint16(b[14:16])
	if uint32(len(b)) < h.Length {
		return AttributeHeader{}, false, errtrace.New(errtrace.IoError, "attribute record truncated before declared length")
	}
	if h.NonResident {
		if len(b) < 64 {
			return AttributeHeader{}, false, errtrace.New(errtrace.IoError, "non-resident attribute header shorter than 64 bytes")
		}
		h.LowestVCN = binary.LittleEndian.Uint64(b[16:24])
		h.HighestVCN = binary.LittleEndian.Uint64(b[24:32])
		h.RunlistOffset = binary.LittleEndian.Uint16(b[32:34])
		h.AllocatedSize = binary.LittleEndian.Uint64(b[40:48])
		h.DataSize = binary.LittleEndian.Uint64(b[48:56])
		h.InitializedSize = binary.LittleEndian.Uint64(b[56:64])
	} else {
		if len(b) < 24 {
			return AttributeHeader{}, false, errtrace.New(errtrace.IoError, "resident attribute header shorter than 24 bytes")
		}
		h.ResidentValueLength = binary.LittleEndian.Uint32(b[16:20])
		h.ResidentValueOffset = binary.LittleEndian.Uint16(b[20:22])
	}
	return h, true, nil
}

// ResidentValue slices out the resident value bytes given the
// attribute's raw record bytes (same slice passed to
// ReadAttributeHeader).
func ResidentValue(record []byte, h AttributeHeader) ([]byte, error) {
	if h.NonResident {
		return nil, errtrace.New(errtrace.InvalidField, "attribute is non-resident")
	}
	start := int(h.ResidentValueOffset)
	end := start + int(h.ResidentValueLength)
	if end > len(record) {
		return nil, errtrace.New(errtrace.IoError, "resident value extends past attribute record")
	}
	return record[start:end], nil
}

// RunlistEntry is one decoded run: a contiguous span of length
// clusters starting at LCN (logical cluster number). LCN is relative
// (a delta from the previous run's LCN on disk); Absolute holds the
// resolved absolute cluster number after DecodeRunlist folds the
// deltas. Sparse runs (no LCN byte count) have Sparse=true and
// Absolute=0.
type RunlistEntry struct {
	Length   uint64
	Absolute uint64
	Sparse   bool
}

// DecodeRunlist parses a non-resident attribute's data-run list: a
// sequence of (header-byte, length-bytes, lcn-delta-bytes) groups
// terminated by a zero header byte, per the NTFS on-disk runlist
// encoding (variable-length signed/unsigned little-endian integers
// packed into a nibble-counted header byte).
func DecodeRunlist(b []byte) ([]RunlistEntry, error) {
	var out []RunlistEntry
	var lcn int64
	pos := 0
	for pos < len(b) {
		header := b[pos]
		if header == 0 {
			break
		}
		lengthBytes := int(header & 0x0F)
		offsetBytes := int(header >> 4)
		pos++
		if pos+lengthBytes+offsetBytes > len(b) {
			return nil, errtrace.New(errtrace.IoError, "runlist entry extends past buffer")
		}
		length := readUintLE(b[pos : pos+lengthBytes])
		pos += lengthBytes
		if offsetBytes == 0 {
			out = append(out, RunlistEntry{Length: length, Sparse: true})
			continue
		}
		delta := readIntLE(b[pos : pos+offsetBytes])
		pos += offsetBytes
		lcn += delta
		if lcn < 0 {
			return nil, errtrace.New(errtrace.InvalidField, "runlist LCN went negative")
		}
		out = append(out, RunlistEntry{Length: length, Absolute: uint64(lcn)})
	}
	return out, nil
}

func readUintLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func readIntLE(b []byte) int64 {
	v := readUintLE(b)
	if len(b) == 0 {
		return 0
	}
	if b[len(b)-1]&0x80 != 0 {
		v |= ^uint64(0) << (8 * uint(len(b)))
	}
	return int64(v)
}

// FileNameAttribute is the decoded $FILE_NAME attribute value.
type FileNameAttribute struct {
	ParentDirectory uint64 // MFT reference, low 48 bits record number, high 16 bits sequence
	AllocatedSize   uint64
	RealSize        uint64
	Flags           uint32
	NameLength      uint8
	Namespace       uint8
	Name            string
}

const (
	NamespacePOSIX    = 0
	NamespaceWin32    = 1
	NamespaceDOS      = 2
	NamespaceWin32DOS = 3
)

func ReadFileNameAttribute(b []byte) (FileNameAttribute, error) {
	if len(b) < 66 {
		return FileNameAttribute{}, errtrace.New(errtrace.IoError, "$FILE_NAME value shorter than 66 bytes")
	}
	var f FileNameAttribute
	f.ParentDirectory = binary.LittleEndian.Uint64(b[0:8])
	f.AllocatedSize = binary.LittleEndian.Uint64(b[40:48])
	f.RealSize = binary.LittleEndian.Uint64(b[48:56])
	f.Flags = binary.LittleEndian.Uint32(b[56:60])
	f.NameLength = b[64]
	f.Namespace = b[65]
	nameBytes := int(f.NameLength) * 2
	if 66+nameBytes > len(b) {
		return FileNameAttribute{}, errtrace.New(errtrace.InvalidField, "name_length exceeds $FILE_NAME value")
	}
	f.Name = decodeUTF16LE(b[66 : 66+nameBytes])
	return f, nil
}

func decodeUTF16LE(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	var out []rune
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case u >= 0xD800 && u <= 0xDBFF && i+1 < len(units) && units[i+1] >= 0xDC00 && units[i+1] <= 0xDFFF:
			r := (rune(u-0xD800)<<10 | rune(units[i+1]-0xDC00)) + 0x10000
			out = append(out, r)
			i++
		default:
			out = append(out, rune(u))
		}
	}
	return string(out)
}

// IndexRootHeader is the decoded fixed header of a $INDEX_ROOT
// attribute value, preceding its B-tree root node.
type IndexRootHeader struct {
	AttributeType   uint32
	CollationRule   uint32
	BytesPerIndexRecord uint32
	ClustersPerIndexRecord uint8
}

func ReadIndexRootHeader(b []byte) (IndexRootHeader, error) {
	if len(b) < 16 {
		return IndexRootHeader{}, errtrace.New(errtrace.IoError, "$INDEX_ROOT header shorter than 16 bytes")
	}
	return IndexRootHeader{
		AttributeType:          binary.LittleEndian.Uint32(b[0:4]),
		CollationRule:          binary.LittleEndian.Uint32(b[4:8]),
		BytesPerIndexRecord:    binary.LittleEndian.Uint32(b[8:12]),
		ClustersPerIndexRecord: b[12],
	}, nil
}

// IndexNodeHeader precedes the list of index entries in both
// $INDEX_ROOT (offset 16) and each $INDEX_ALLOCATION record (after a
// 24-byte "INDX" record header with its own USA fixup).
type IndexNodeHeader struct {
	EntriesOffset uint32
	IndexLength   uint32
	AllocatedSize uint32
	Flags         uint8 // bit0 set => has sub-nodes
}

const IndexNodeHasChildren = 0x01

func ReadIndexNodeHeader(b []byte) (IndexNodeHeader, error) {
	if len(b) < 16 {
		return IndexNodeHeader{}, errtrace.New(errtrace.IoError, "index node header shorter than 16 bytes")
	}
	return IndexNodeHeader{
		EntriesOffset: binary.LittleEndian.Uint32(b[0:4]),
		IndexLength:   binary.LittleEndian.Uint32(b[4:8]),
		AllocatedSize: binary.LittleEndian.Uint32(b[8:12]),
		Flags:         b[12],
	}, nil
}

// IndexEntryHeader is the fixed portion preceding an index entry's
// key (a $FILE_NAME attribute value, for directory indexes) and
// optional sub-node VCN.
type IndexEntryHeader struct {
	FileReference uint64
	Length        uint16
	KeyLength     uint16
	Flags         uint16
}

const (
	IndexEntryHasSubNode = 0x0001
	IndexEntryIsLast     = 0x0002
)

func ReadIndexEntryHeader(b []byte) (IndexEntryHeader, error) {
	if len(b) < 16 {
		return IndexEntryHeader{}, errtrace.New(errtrace.IoError, "index entry header shorter than 16 bytes")
	}
	return IndexEntryHeader{
		FileReference: binary.LittleEndian.Uint64(b[0:8]),
		Length:        binary.LittleEndian.Uint16(b[8:10]),
		KeyLength:     binary.LittleEndian.Uint16(b[10:12]),
		Flags:         binary.LittleEndian.Uint16(b[12:14]),
	}, nil
}

func (h IndexEntryHeader) HasSubNode() bool { return h.Flags&IndexEntryHasSubNode != 0 }
func (h IndexEntryHeader) IsLast() bool     { return h.Flags&IndexEntryIsLast != 0 }

// MFTReferenceRecordNumber and MFTReferenceSequenceNumber split a
// packed 64-bit MFT reference (low 48 bits record number, high 16
// bits sequence number), used for $FILE_NAME.ParentDirectory and
// IndexEntryHeader.FileReference alike.
func MFTReferenceRecordNumber(ref uint64) uint64 { return ref & 0x0000FFFFFFFFFFFF }
func MFTReferenceSequenceNumber(ref uint64) uint16 { return uint16(ref >> 48) }
