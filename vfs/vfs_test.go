// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package vfs

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/vfsforensics/corefs/formats/qcow"
	"github.com/vfsforensics/corefs/formats/sparseimage"
	"github.com/vfsforensics/corefs/formats/vhd"
	"github.com/vfsforensics/corefs/internal/errtrace"
	"github.com/vfsforensics/corefs/layer"
	"github.com/vfsforensics/corefs/stream"
)

// memStream is a minimal in-memory stream.PositionalByteStream, the
// same shape as fat_test.go's memVol.
type memStream struct{ data []byte }

func (d *memStream) Size() int64 { return int64(len(d.data)) }
func (d *memStream) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
func (d *memStream) Read(p []byte) (int, error)     { return d.ReadAt(p, 0) }
func (d *memStream) Seek(int64, int) (int64, error) { return 0, nil }

func buildFAT12Image() []byte {
	const sectorSize = 512
	img := make([]byte, 10*sectorSize)

	boot := img[0:sectorSize]
	binary.LittleEndian.PutUint16(boot[11:13], sectorSize)
	boot[13] = 1
	binary.LittleEndian.PutUint16(boot[14:16], 1)
	boot[16] = 1
	binary.LittleEndian.PutUint16(boot[17:19], 16)
	binary.LittleEndian.PutUint16(boot[19:21], 10)
	binary.LittleEndian.PutUint16(boot[22:24], 1)
	boot[510], boot[511] = 0x55, 0xAA

	fat := img[1*sectorSize : 2*sectorSize]
	fat[3], fat[4] = 0xF8, 0xFF

	root := img[2*sectorSize : 3*sectorSize]
	copy(root[0:8], "HI      ")
	copy(root[8:11], "TXT")
	root[11] = 0x20
	binary.LittleEndian.PutUint16(root[26:28], 2)
	binary.LittleEndian.PutUint32(root[28:32], 5)

	data := img[3*sectorSize : 4*sectorSize]
	copy(data, "hello")

	return img
}

func TestMediatorOpensFileSystemDirectly(t *testing.T) {
	m := Open(&memStream{data: buildFAT12Image()}, nil, Options{})
	f, err := m.Open("/fat1/HI.TXT")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := io.ReadAll(f.(io.Reader))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("contents = %q, want %q", got, "hello")
	}
}

func TestMediatorRejectsWrongFileSystemTag(t *testing.T) {
	m := Open(&memStream{data: buildFAT12Image()}, nil, Options{})
	if _, err := m.Open("/ntfs1/HI.TXT"); err == nil {
		t.Fatal("expected an UnrecognizedFormat error for a mismatched file-system tag")
	}
}

func TestMediatorMetadata(t *testing.T) {
	m := Open(&memStream{data: buildFAT12Image()}, nil, Options{})
	meta, err := m.Metadata("/fat1/HI.TXT")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Size != 5 || meta.IsDir {
		t.Errorf("Metadata = %+v, want size 5, file", meta)
	}
}

func TestMediatorEnumerate(t *testing.T) {
	m := Open(&memStream{data: buildFAT12Image()}, nil, Options{})
	names, err := m.Enumerate("/fat1")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range names {
		if n == "HI.TXT" {
			found = true
		}
	}
	if !found {
		t.Errorf("Enumerate(/fat1) = %v, want HI.TXT present", names)
	}
}

func buildVHDXHeader() []byte {
	b := make([]byte, 1024)
	copy(b[0:8], "vhdxfile")
	return b
}

func TestProbeContainerSingleMatch(t *testing.T) {
	s := layerOf(t, buildVHDXHeader())
	kind, err := probeContainer(s)
	if err != nil {
		t.Fatal(err)
	}
	if kind != "vhdx" {
		t.Errorf("probeContainer = %q, want vhdx", kind)
	}
}

// TestProbeContainerPrefersNonVHD builds an image whose first 512
// bytes are a sparseimage header (so it also happens to carry a VHD
// "conectix" cookie in its trailing 512 bytes, the common case of a
// VHD footer appended by an imaging tool onto unrelated container
// contents) and checks the non-VHD match wins per spec.md §4.7.
func TestProbeContainerPrefersNonVHD(t *testing.T) {
	buf := make([]byte, 1536)
	binary.BigEndian.PutUint32(buf[0:4], sparseimage.Signature)
	binary.BigEndian.PutUint32(buf[12:16], 8192)  // BandSize
	binary.BigEndian.PutUint64(buf[24:32], 65536)
	binary.BigEndian.PutUint32(buf[36:40], 8)
	copy(buf[1536-512:], vhd.Cookie)

	s := layerOf(t, buf)
	kind, err := probeContainer(s)
	if err != nil {
		t.Fatal(err)
	}
	if kind != "sparseimage" {
		t.Errorf("probeContainer = %q, want sparseimage (non-VHD tie-break)", kind)
	}
}

func TestProbeContainerUnrecognized(t *testing.T) {
	s := layerOf(t, make([]byte, 1024))
	_, err := probeContainer(s)
	if !errors.Is(err, errtrace.New(errtrace.UnrecognizedFormat, "")) {
		t.Errorf("expected UnrecognizedFormat, got %v", err)
	}
}

func TestQCOWMagicRecognised(t *testing.T) {
	buf := make([]byte, 104)
	binary.BigEndian.PutUint32(buf[0:4], qcow.Magic)
	s := layerOf(t, buf)
	kind, err := probeContainer(s)
	if err != nil {
		t.Fatal(err)
	}
	if kind != "qcow" {
		t.Errorf("probeContainer = %q, want qcow", kind)
	}
}

func layerOf(t *testing.T, data []byte) layer.Layer {
	t.Helper()
	return layer.NewRaw("test", &memStream{data: data}, 0, int64(len(data)))
}

// buildDifferencingVHD assembles a minimal differencing VHD image: a
// conectix footer at offset 0 (openVHD falls back to it once the
// trailing-copy read at size-512 fails the cookie check against the
// parent-locator name bytes that occupy the tail of this image) plus a
// cxsparse dynamic header whose first parent locator names parentName.
func buildDifferencingVHD(parentName string) []byte {
	nameUTF16 := make([]byte, len(parentName)*2)
	for i, c := range parentName {
		binary.BigEndian.PutUint16(nameUTF16[i*2:], uint16(c))
	}

	const nameOffset = 1536
	img := make([]byte, nameOffset+len(nameUTF16))

	copy(img[0:8], vhd.Cookie)
	binary.BigEndian.PutUint32(img[60:64], vhd.DiskTypeDifferencing)

	header := img[512:1536]
	copy(header[0:8], vhd.DynamicCookie)
	loc := header[576:600]
	binary.BigEndian.PutUint32(loc[0:4], 1)                        // Code
	binary.BigEndian.PutUint32(loc[4:8], 1)                        // DataSpace
	binary.BigEndian.PutUint32(loc[8:12], uint32(len(nameUTF16)))   // DataLength
	binary.BigEndian.PutUint64(loc[16:24], uint64(nameOffset))      // DataOffset

	copy(img[nameOffset:], nameUTF16)
	return img
}

// fakeSiblingResolver serves a fixed set of named in-memory images, the
// way a real directory resolver serves a VHDX/QCOW differencing set.
type fakeSiblingResolver struct{ files map[string][]byte }

func (r *fakeSiblingResolver) CaseSensitive() bool { return true }

func (r *fakeSiblingResolver) OpenByName(name string) (stream.PositionalByteStream, error) {
	data, ok := r.files[name]
	if !ok {
		return nil, errtrace.New(errtrace.NoSuchEntry, name)
	}
	return &memStream{data: data}, nil
}

// TestOpenVHDRejectsCyclicDifferencingChain builds two differencing
// VHDs whose parent locators point at each other and checks that
// resolving either one fails cleanly with InvalidParentChain instead
// of recursing without bound.
func TestOpenVHDRejectsCyclicDifferencingChain(t *testing.T) {
	imgA := buildDifferencingVHD("b.vhd")
	imgB := buildDifferencingVHD("a.vhd")
	res := &fakeSiblingResolver{files: map[string][]byte{"a.vhd": imgA, "b.vhd": imgB}}

	m := &Mediator{resolve: res}
	container := layer.NewRaw("vhd", &memStream{data: imgA}, 0, int64(len(imgA)))
	_, err := m.openContainer("vhd", container, res, newChainGuard())
	if !errors.Is(err, errtrace.New(errtrace.InvalidParentChain, "")) {
		t.Fatalf("openContainer error = %v, want InvalidParentChain", err)
	}
}
