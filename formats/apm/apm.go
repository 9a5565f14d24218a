// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package apm parses the Apple Partition Map, grounded on the
// teacher's own internal/apm/apm.go (the teacher's one big-endian,
// block-oriented format) and keramics-formats/src/apm/partition.rs.
package apm

import (
	"encoding/binary"
	"strings"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

// DriverDescriptorMap is the first block ("ER" signature) declaring
// the disk's native block size.
type DriverDescriptorMap struct {
	BlockSize uint16
	BlockCount uint32
}

func ReadDriverDescriptorMap(b []byte) (DriverDescriptorMap, error) {
	if len(b) < 512 {
		return DriverDescriptorMap{}, errtrace.New(errtrace.IoError, "DDM block shorter than 512 bytes")
	}
	if b[0] != 'E' || b[1] != 'R' {
		return DriverDescriptorMap{}, errtrace.New(errtrace.InvalidSignature, "missing ER signature")
	}
	return DriverDescriptorMap{
		BlockSize:  binary.BigEndian.Uint16(b[2:4]),
		BlockCount: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Entry is one decoded 512-byte partition map entry ("PM" signature).
type Entry struct {
	Index        uint32
	MapEntries   uint32 // pmMapBlkCnt: total entries in the map, from entry 1
	StartBlock   uint32
	BlockCount   uint32
	Name         string
	Type         string
	// LastVCN (the sentinel 0xffffffff "last virtual cluster number"
	// seen in some real-world images) — open question per spec.md §9,
	// tolerated without validating the sum of run lengths.
	LastVCN uint32
}

// IsFree reports the Apple_Free placeholder type, which the teacher
// also filters out when building its partition directory.
func (e Entry) IsFree() bool { return e.Type == "Apple_Free" }

func ReadEntry(b []byte, index uint32) (Entry, error) {
	if len(b) < 512 {
		return Entry{}, errtrace.New(errtrace.IoError, "APM entry shorter than 512 bytes")
	}
	if b[0] != 'P' || b[1] != 'M' {
		return Entry{}, errtrace.New(errtrace.InvalidSignature, "missing PM signature")
	}
	name, _, _ := strings.Cut(string(b[16:48]), "\x00")
	typ, _, _ := strings.Cut(string(b[48:80]), "\x00")
	return Entry{
		Index:      index,
		MapEntries: binary.BigEndian.Uint32(b[4:8]),
		StartBlock: binary.BigEndian.Uint32(b[8:12]),
		BlockCount: binary.BigEndian.Uint32(b[12:16]),
		Name:       name,
		Type:       typ,
		LastVCN:    binary.BigEndian.Uint32(b[100:104]),
	}, nil
}

// MapEntryStep chooses between the declared block size and the
// legacy 512-byte "shadow map" some optical-media images carry for
// ROMs that assume 512-byte sectors even on a 2048-byte medium,
// exactly as the teacher's apm.go detects it (peeking at block index
// 1 under a 512-byte assumption for a "PM" signature).
func MapEntryStep(ddmBlockSize uint16, probe []byte) int64 {
	if len(probe) >= 2 && probe[0] == 'P' && probe[1] == 'M' {
		return 512
	}
	return int64(ddmBlockSize)
}
