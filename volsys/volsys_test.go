// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package volsys

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/vfsforensics/corefs/layer"
)

// memDisk is a minimal layer.Layer over an in-memory image, enough to
// exercise OpenMBR/OpenGPT/OpenAPM without needing a real container.
type memDisk struct{ data []byte }

func (d *memDisk) Size() int64 { return int64(len(d.data)) }
func (d *memDisk) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, nil
	}
	n := copy(p, d.data[off:])
	return n, nil
}
func (d *memDisk) Read(p []byte) (int, error)     { return d.ReadAt(p, 0) }
func (d *memDisk) Seek(int64, int) (int64, error) { return 0, nil }
func (d *memDisk) Kind() string                   { return "mem-disk" }
func (d *memDisk) Parent() layer.Layer            { return nil }

func putPartitionEntry(sector []byte, index int, bootable bool, typeID byte, startLBA, numSectors uint32) {
	e := sector[446+index*16:]
	if bootable {
		e[0] = 0x80
	}
	e[4] = typeID
	binary.LittleEndian.PutUint32(e[8:12], startLBA)
	binary.LittleEndian.PutUint32(e[12:16], numSectors)
}

func TestOpenMBRSinglePrimaryPartition(t *testing.T) {
	img := make([]byte, 4*512)
	putPartitionEntry(img, 0, true, 0x83, 2, 2)
	img[510], img[511] = 0x55, 0xAA

	parts, err := OpenMBR(&memDisk{data: img})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1", len(parts))
	}
	if parts[0].Index != 1 {
		t.Errorf("Index = %d, want 1", parts[0].Index)
	}
	if got := parts[0].Layer.Size(); got != 1024 {
		t.Errorf("Size() = %d, want 1024 (2 sectors)", got)
	}
}

func TestOpenMBREmptyTableYieldsNoPartitions(t *testing.T) {
	img := make([]byte, 512)
	img[510], img[511] = 0x55, 0xAA

	parts, err := OpenMBR(&memDisk{data: img})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 0 {
		t.Errorf("got %d partitions for an all-zero table, want 0", len(parts))
	}
}

func TestOpenMBRWalksExtendedChain(t *testing.T) {
	// Primary partition 1: an extended container starting at LBA 4.
	// EBR at LBA 4 describes one logical partition (LBA 5, 1 sector)
	// and no further link. The extended container entry itself is
	// never listed as an addressable partition, and the logical
	// partition's 1-based index starts at 5 (0-based slot 4), per
	// keramics-formats/src/mbr/volume_system.rs.
	img := make([]byte, 8*512)
	putPartitionEntry(img, 0, false, 0x05, 4, 4)
	img[510], img[511] = 0x55, 0xAA

	ebr := img[4*512:]
	putPartitionEntry(ebr, 0, false, 0x83, 1, 1) // relative to LBA 4 -> absolute LBA 5
	ebr[510], ebr[511] = 0x55, 0xAA

	parts, err := OpenMBR(&memDisk{data: img})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1 (the extended container is not itself listed)", len(parts))
	}
	if parts[0].Index != 5 {
		t.Errorf("logical partition Index = %d, want 5", parts[0].Index)
	}
	if got := parts[0].Layer.Size(); got != 512 {
		t.Errorf("logical partition Size() = %d, want 512", got)
	}
}

func TestOpenMBRChainedExtendedPartitionsSkipIndexBlocks(t *testing.T) {
	// Two logical partitions chained through two EBRs. The second
	// logical partition's index jumps from 5 to 9 (not 6), since each
	// extended boot record reserves a 4-slot index block mirroring
	// the primary table's own convention.
	img := make([]byte, 12*512)
	putPartitionEntry(img, 0, false, 0x05, 4, 8)
	img[510], img[511] = 0x55, 0xAA

	ebr1 := img[4*512:]
	putPartitionEntry(ebr1, 0, false, 0x83, 1, 1)  // absolute LBA 5
	putPartitionEntry(ebr1, 1, false, 0x05, 6, 2)  // link to next EBR at LBA 4+6=10
	ebr1[510], ebr1[511] = 0x55, 0xAA

	ebr2 := img[10*512:]
	putPartitionEntry(ebr2, 0, false, 0x83, 1, 1) // absolute LBA 11
	ebr2[510], ebr2[511] = 0x55, 0xAA

	parts, err := OpenMBR(&memDisk{data: img})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d partitions, want 2", len(parts))
	}
	if parts[0].Index != 5 {
		t.Errorf("first logical partition Index = %d, want 5", parts[0].Index)
	}
	if parts[1].Index != 9 {
		t.Errorf("second logical partition Index = %d, want 9", parts[1].Index)
	}
}

func TestOpenGPTSkipsUnusedEntries(t *testing.T) {
	const entrySize = 128
	img := make([]byte, 4*512+entrySize*2)
	header := img[512:1024]
	copy(header[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(header[84:88], entrySize)    // size_of_partition_entry
	binary.LittleEndian.PutUint32(header[80:84], 2)            // num_partition_entries
	binary.LittleEndian.PutUint64(header[72:80], 4)            // partition_entry_lba

	entries := img[4*512:]
	// Entry 0: unused (all-zero type GUID).
	// Entry 1: a real partition, LBA 10..19 (10 sectors).
	e1 := entries[entrySize:]
	e1[0] = 0xAB // non-zero type GUID byte
	binary.LittleEndian.PutUint64(e1[32:40], 10)
	binary.LittleEndian.PutUint64(e1[40:48], 19)

	parts, err := OpenGPT(&memDisk{data: img})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1 (the unused entry should be skipped)", len(parts))
	}
	if got := parts[0].Layer.Size(); got != 10*512 {
		t.Errorf("Size() = %d, want %d (10 sectors)", got, 10*512)
	}
}

func TestOpenGPTReportsUniqueGUID(t *testing.T) {
	const entrySize = 128
	img := make([]byte, 4*512+entrySize)
	header := img[512:1024]
	copy(header[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(header[84:88], entrySize)
	binary.LittleEndian.PutUint32(header[80:84], 1)
	binary.LittleEndian.PutUint64(header[72:80], 4)

	e := img[4*512:]
	e[0] = 0xAB // non-zero type GUID
	unique := [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10}
	copy(e[16:32], unique[:])
	binary.LittleEndian.PutUint64(e[32:40], 10)
	binary.LittleEndian.PutUint64(e[40:48], 19)
	copy(e[56:58], []byte{'O', 0})

	parts, err := OpenGPT(&memDisk{data: img})
	if err != nil {
		t.Fatal(err)
	}

	want := []Partition{{Index: 1, Label: "O", UniqueGUID: "04030201-0605-0807-090a-0b0c0d0e0f10"}}
	diff := cmp.Diff(want, parts, cmpopts.IgnoreFields(Partition{}, "Layer"))
	if diff != "" {
		t.Errorf("partition metadata mismatch (-want +got):\n%s", diff)
	}
}
