// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package ntfs

import (
	"encoding/binary"
	"testing"
)

func makeBootSector() []byte {
	b := make([]byte, 512)
	copy(b[3:11], OEMID[:])
	binary.LittleEndian.PutUint16(b[11:13], 512)
	b[13] = 8 // sectors per cluster -> 4096-byte clusters
	binary.LittleEndian.PutUint64(b[40:48], 1000)
	binary.LittleEndian.PutUint64(b[48:56], 4)
	binary.LittleEndian.PutUint64(b[56:64], 500)
	b[64] = 0xF6 // -10 => 2^10 = 1024-byte MFT records
	b[68] = 1    // 1 cluster per index record
	b[510], b[511] = 0x55, 0xAA
	return b
}

func TestReadBootSectorDerivedSizes(t *testing.T) {
	boot, err := ReadBootSector(makeBootSector())
	if err != nil {
		t.Fatal(err)
	}
	if got := boot.ClusterSize(); got != 4096 {
		t.Errorf("ClusterSize() = %d, want 4096", got)
	}
	if got := boot.MFTRecordSize(); got != 1024 {
		t.Errorf("MFTRecordSize() = %d, want 1024", got)
	}
	if got := boot.IndexRecordSize(); got != 4096 {
		t.Errorf("IndexRecordSize() = %d, want 4096 (1 cluster)", got)
	}
}

func TestReadBootSectorRejectsWrongOEMID(t *testing.T) {
	b := makeBootSector()
	copy(b[3:11], "FAT32   ")
	if _, err := ReadBootSector(b); err == nil {
		t.Fatal("expected an error for a non-NTFS OEM ID")
	}
}

// buildFixedUpRecord builds a 2-sector (1024-byte) record whose last
// two bytes of each sector are the USN, with an update sequence array
// of [USN, orig0, orig1] at the given offset.
func buildFixedUpRecord(usaOffset uint16, usn uint16, orig0, orig1 uint16) []byte {
	record := make([]byte, 1024)
	copy(record[0:4], "FILE")
	binary.LittleEndian.PutUint16(record[4:6], usaOffset)
	binary.LittleEndian.PutUint16(record[6:8], 3) // 1 USN + 2 sector entries
	binary.LittleEndian.PutUint16(record[usaOffset:usaOffset+2], usn)
	binary.LittleEndian.PutUint16(record[usaOffset+2:usaOffset+4], orig0)
	binary.LittleEndian.PutUint16(record[usaOffset+4:usaOffset+6], orig1)
	binary.LittleEndian.PutUint16(record[510:512], usn)
	binary.LittleEndian.PutUint16(record[1022:1024], usn)
	return record
}

func TestApplyFixupRestoresOriginalBytesAndValidates(t *testing.T) {
	record := buildFixedUpRecord(48, 0xABCD, 0x1111, 0x2222)
	if err := ApplyFixup(record, 48, 3, 512); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint16(record[510:512]); got != 0x1111 {
		t.Errorf("sector 0 tail = %#04x, want 0x1111", got)
	}
	if got := binary.LittleEndian.Uint16(record[1022:1024]); got != 0x2222 {
		t.Errorf("sector 1 tail = %#04x, want 0x2222", got)
	}
}

func TestApplyFixupDetectsMismatch(t *testing.T) {
	record := buildFixedUpRecord(48, 0xABCD, 0x1111, 0x2222)
	record[511] = 0 // corrupt the sector-0 USN tail
	if err := ApplyFixup(record, 48, 3, 512); err == nil {
		t.Fatal("expected a checksum mismatch error")
	}
}

func TestDecodeRunlistHandlesSparseAndDeltas(t *testing.T) {
	// Run 1: 0x10 clusters starting at LCN 1000 (header 0x21: 1 length
	// byte, 2 offset bytes). Run 2: sparse, 0x05 clusters (header
	// 0x01: 1 length byte, 0 offset bytes). Terminated by 0x00.
	buf := []byte{
		0x21, 0x10, 0xE8, 0x03, // length=0x10, delta=+1000
		0x01, 0x05, // sparse run, length=5
		0x00,
	}
	runs, err := DecodeRunlist(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].Absolute != 1000 || runs[0].Length != 0x10 || runs[0].Sparse {
		t.Errorf("run 0 = %+v", runs[0])
	}
	if !runs[1].Sparse || runs[1].Length != 5 {
		t.Errorf("run 1 = %+v", runs[1])
	}
}

func TestMFTReferenceSplitting(t *testing.T) {
	ref := uint64(0x0007_0000_0000_0005) // sequence 7, record 5
	if got := MFTReferenceRecordNumber(ref); got != 5 {
		t.Errorf("record number = %d, want 5", got)
	}
	if got := MFTReferenceSequenceNumber(ref); got != 7 {
		t.Errorf("sequence number = %d, want 7", got)
	}
}

func TestReadFileNameAttributeDecodesName(t *testing.T) {
	name := "hi"
	b := make([]byte, 66+len(name)*2)
	b[64] = byte(len(name))
	b[65] = NamespaceWin32
	for i, r := range name {
		binary.LittleEndian.PutUint16(b[66+i*2:], uint16(r))
	}
	f, err := ReadFileNameAttribute(b)
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != name {
		t.Errorf("Name = %q, want %q", f.Name, name)
	}
}
