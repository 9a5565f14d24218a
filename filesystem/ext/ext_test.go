// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package ext

import (
	"encoding/binary"
	"io"
	"testing"

	extfmt "github.com/vfsforensics/corefs/formats/ext"
	"github.com/vfsforensics/corefs/layer"
)

// memVol is a minimal layer.Layer over an in-memory image, enough to
// exercise Open/walkDir without a real container stack underneath.
type memVol struct{ data []byte }

func (v *memVol) Size() int64 { return int64(len(v.data)) }
func (v *memVol) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(v.data)) {
		return 0, io.EOF
	}
	n := copy(p, v.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
func (v *memVol) Read(p []byte) (int, error)     { return v.ReadAt(p, 0) }
func (v *memVol) Seek(int64, int) (int64, error) { return 0, nil }
func (v *memVol) Kind() string                   { return "mem-vol" }
func (v *memVol) Parent() layer.Layer            { return nil }

// buildExt4Image assembles a minimal single-block-group, extent-mapped
// ext4 image: a root directory (inode 2) containing one regular file,
// "hello.txt" (inode 11, content "hello").
//
// Layout (1 KiB blocks):
//
//	block 0: boot block (unused)
//	block 1: superblock
//	block 2: block group descriptor table
//	block 3: inode table (inodes 1-8; the table runs on into block 4)
//	block 4: root directory data; inode 11 (table byte 1280) also
//	         lands here, at byte 256, past the directory's entries
//	block 5: hello.txt data
func buildExt4Image() []byte {
	const blockSize = 1024
	img := make([]byte, 6*blockSize)

	sb := img[1024:1288]
	binary.LittleEndian.PutUint32(sb[40:44], 32) // InodesPerGroup
	sb[56], sb[57] = extfmt.Signature[0], extfmt.Signature[1]
	binary.LittleEndian.PutUint16(sb[88:90], 128) // InodeSize
	binary.LittleEndian.PutUint32(sb[96:100], extfmt.FeatureIncompatExtents|extfmt.FeatureIncompatFiletype)

	gd := img[2*blockSize : 2*blockSize+32]
	binary.LittleEndian.PutUint32(gd[8:12], 3) // InodeTable at block 3

	inodeTable := img[3*blockSize:]
	writeInode := func(index uint32, mode uint16, size uint32, physicalBlock uint32) {
		ino := inodeTable[index*128 : index*128+128]
		binary.LittleEndian.PutUint16(ino[0:2], mode)
		binary.LittleEndian.PutUint32(ino[4:8], size)
		binary.LittleEndian.PutUint32(ino[32:36], extfmt.InodeFlagExtents)
		block := ino[40:100]
		binary.LittleEndian.PutUint16(block[0:2], extfmt.ExtentMagic)
		binary.LittleEndian.PutUint16(block[2:4], 1) // Entries
		binary.LittleEndian.PutUint16(block[4:6], 4) // Max
		binary.LittleEndian.PutUint16(block[6:8], 0) // Depth
		leaf := block[12:24]
		binary.LittleEndian.PutUint32(leaf[0:4], 0) // LogicalBlock
		binary.LittleEndian.PutUint16(leaf[4:6], 1) // Length
		binary.LittleEndian.PutUint16(leaf[6:8], 0) // PhysicalBlock hi
		binary.LittleEndian.PutUint32(leaf[8:12], physicalBlock)
	}
	writeInode(1, 0x41ED, blockSize, 4)  // inode 2: root dir
	writeInode(10, 0x81A4, 5, 5)         // inode 11: hello.txt

	dir := img[4*blockSize : 5*blockSize]
	writeDirEntry := func(buf []byte, inode uint32, recLen uint16, fileType byte, name string) {
		binary.LittleEndian.PutUint32(buf[0:4], inode)
		binary.LittleEndian.PutUint16(buf[4:6], recLen)
		buf[6] = byte(len(name))
		buf[7] = fileType
		copy(buf[8:], name)
	}
	writeDirEntry(dir[0:], 2, 12, 2, ".")
	writeDirEntry(dir[12:], 2, 12, 2, "..")
	writeDirEntry(dir[24:], 11, uint16(blockSize-24), 1, "hello.txt")

	copy(img[5*blockSize:], "hello")

	return img
}

func TestOpenWalksDirectoryTree(t *testing.T) {
	fsys, err := Open(&memVol{data: buildExt4Image()})
	if err != nil {
		t.Fatal(err)
	}

	info, err := fsys.Stat("hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if info.IsDir() {
		t.Error("hello.txt reported as a directory")
	}
	if info.Size() != 5 {
		t.Errorf("Size() = %d, want 5", info.Size())
	}

	f, err := fsys.Open("hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := io.ReadAll(f.(io.Reader))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
}

func TestOpenRejectsMissingFile(t *testing.T) {
	fsys, err := Open(&memVol{data: buildExt4Image()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fsys.Stat("nonexistent.txt"); err == nil {
		t.Fatal("expected an error for a nonexistent path")
	}
}
