// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package mbr parses Master Boot Record partition tables: the master
// record, the chain of extended boot records for logical partitions,
// and sector-size inference, per keramics-formats/src/mbr/volume_system.rs.
package mbr

import (
	"encoding/binary"
	"fmt"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

// SupportedSectorSizes are the sizes the heuristic in
// inferSectorSize probes, in order — "first match wins" per spec.md's
// own caveat about this heuristic's tie-break being undocumented.
var SupportedSectorSizes = [4]uint16{512, 1024, 2048, 4096}

const bootSignature = uint16(0xAA55)

// PartitionEntry is one raw 16-byte MBR partition table entry.
type PartitionEntry struct {
	Bootable    bool
	TypeID      byte
	StartLBA    uint32
	NumSectors  uint32
}

// IsExtended reports whether this entry describes an extended
// partition container (type 0x05 or 0x0F), per spec.md §4.4.
func (p PartitionEntry) IsExtended() bool { return p.TypeID == 0x05 || p.TypeID == 0x0F }

// IsEmpty reports an all-zero entry.
func (p PartitionEntry) IsEmpty() bool { return p.TypeID == 0 && p.NumSectors == 0 }

// MasterBootRecord is the decoded fixed 512-byte master sector.
type MasterBootRecord struct {
	DiskSignature uint32
	Partitions    [4]PartitionEntry
}

// ReadMasterBootRecord decodes a 512-byte master boot sector.
func ReadMasterBootRecord(b []byte) (MasterBootRecord, error) {
	if len(b) < 512 {
		return MasterBootRecord{}, errtrace.New(errtrace.IoError, "MBR sector shorter than 512 bytes")
	}
	if binary.LittleEndian.Uint16(b[510:512]) != bootSignature {
		return MasterBootRecord{}, errtrace.New(errtrace.InvalidSignature, "missing 0x55AA boot signature")
	}
	var m MasterBootRecord
	m.DiskSignature = binary.LittleEndian.Uint32(b[440:444])
	for i := 0; i < 4; i++ {
		e := b[446+i*16:]
		m.Partitions[i] = PartitionEntry{
			Bootable:   e[0] == 0x80,
			TypeID:     e[4],
			StartLBA:   binary.LittleEndian.Uint32(e[8:12]),
			NumSectors: binary.LittleEndian.Uint32(e[12:16]),
		}
	}
	return m, nil
}

// ExtendedBootRecord is one link in the logical-partition chain. The
// first entry is the logical partition's own data; the second (if
// present) points to the next EBR, relative to the first extended
// partition's start LBA.
type ExtendedBootRecord struct {
	Partition PartitionEntry
	Next      PartitionEntry // IsEmpty() if this is the last EBR
}

func ReadExtendedBootRecord(b []byte) (ExtendedBootRecord, error) {
	if len(b) < 512 {
		return ExtendedBootRecord{}, errtrace.New(errtrace.IoError, "EBR sector shorter than 512 bytes")
	}
	if binary.LittleEndian.Uint16(b[510:512]) != bootSignature {
		return ExtendedBootRecord{}, errtrace.New(errtrace.InvalidSignature, "missing 0x55AA boot signature")
	}
	e0 := b[446:462]
	e1 := b[462:478]
	return ExtendedBootRecord{
		Partition: PartitionEntry{
			Bootable:   e0[0] == 0x80,
			TypeID:     e0[4],
			StartLBA:   binary.LittleEndian.Uint32(e0[8:12]),
			NumSectors: binary.LittleEndian.Uint32(e0[12:16]),
		},
		Next: PartitionEntry{
			Bootable:   e1[0] == 0x80,
			TypeID:     e1[4],
			StartLBA:   binary.LittleEndian.Uint32(e1[8:12]),
			NumSectors: binary.LittleEndian.Uint32(e1[12:16]),
		},
	}, nil
}

func DebugRender(m MasterBootRecord) string {
	s := fmt.Sprintf("MBR disk_signature=%#08x", m.DiskSignature)
	for i, p := range m.Partitions {
		if p.IsEmpty() {
			continue
		}
		s += fmt.Sprintf(" [%d type=%#02x]", i, p.TypeID)
	}
	return s
}
