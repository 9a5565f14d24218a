// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package fat

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/vfsforensics/corefs/layer"
)

// memVol is a minimal layer.Layer over an in-memory FAT12 image.
type memVol struct{ data []byte }

func (d *memVol) Size() int64 { return int64(len(d.data)) }
func (d *memVol) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
func (d *memVol) Read(p []byte) (int, error)     { return d.ReadAt(p, 0) }
func (d *memVol) Seek(int64, int) (int64, error) { return 0, nil }
func (d *memVol) Kind() string                   { return "mem-vol" }
func (d *memVol) Parent() layer.Layer            { return nil }

// buildFAT12Image constructs a tiny 10-sector FAT12 floppy image with
// a single root-directory file "HI.TXT" containing "hello", occupying
// one data cluster.
func buildFAT12Image() []byte {
	const sectorSize = 512
	img := make([]byte, 10*sectorSize)

	boot := img[0:sectorSize]
	binary.LittleEndian.PutUint16(boot[11:13], sectorSize)
	boot[13] = 1 // sectors per cluster
	binary.LittleEndian.PutUint16(boot[14:16], 1) // reserved sectors
	boot[16] = 1                                  // num FATs
	binary.LittleEndian.PutUint16(boot[17:19], 16) // root entry count
	binary.LittleEndian.PutUint16(boot[19:21], 10) // total sectors
	binary.LittleEndian.PutUint16(boot[22:24], 1)  // FAT size (sectors)
	boot[510], boot[511] = 0x55, 0xAA

	fat := img[1*sectorSize : 2*sectorSize]
	fat[3], fat[4] = 0xF8, 0xFF // cluster 2 -> EOC

	root := img[2*sectorSize : 3*sectorSize]
	copy(root[0:8], "HI      ")
	copy(root[8:11], "TXT")
	root[11] = 0x20 // archive attribute, not a directory
	binary.LittleEndian.PutUint16(root[26:28], 2) // first cluster lo
	binary.LittleEndian.PutUint32(root[28:32], 5) // file size

	data := img[3*sectorSize : 4*sectorSize]
	copy(data, "hello")

	return img
}

func TestOpenFAT12FindsRootFile(t *testing.T) {
	fs, err := Open(&memVol{data: buildFAT12Image()}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	info, err := fs.Stat("HI.TXT")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 5 {
		t.Errorf("Size() = %d, want 5", info.Size())
	}

	f, err := fs.Open("HI.TXT")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := io.ReadAll(f.(io.Reader))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("file contents = %q, want %q", got, "hello")
	}
}

func TestOpenFAT12MissingFile(t *testing.T) {
	fs, err := Open(&memVol{data: buildFAT12Image()}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat("NOPE.TXT"); err == nil {
		t.Fatal("expected an error for a nonexistent file")
	}
}
