// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package layer

import (
	"encoding/binary"
	"testing"

	"github.com/vfsforensics/corefs/formats/vhd"
)

func buildFixedVHDFooter(currentSize uint64) []byte {
	b := make([]byte, 512)
	copy(b[0:8], vhd.Cookie)
	binary.BigEndian.PutUint64(b[48:56], currentSize)
	binary.BigEndian.PutUint32(b[60:64], vhd.DiskTypeFixed)
	return b
}

func TestOpenVHDFixedDiskReadsThroughContainer(t *testing.T) {
	const size = 4096
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	container := append(append([]byte{}, payload...), buildFixedVHDFooter(size)...)

	l, err := OpenVHD(&fakeStream{data: container}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if l.Size() != size {
		t.Fatalf("Size() = %d, want %d", l.Size(), size)
	}
	if l.Kind() != "vhd" {
		t.Errorf("Kind() = %q, want vhd", l.Kind())
	}

	got := make([]byte, size)
	n, err := l.ReadAt(got, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != size {
		t.Fatalf("ReadAt returned %d bytes, want %d", n, size)
	}
	for i := range got {
		if got[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, got[i], byte(i))
		}
	}
}

func TestOpenVHDRejectsShortContainer(t *testing.T) {
	_, err := OpenVHD(&fakeStream{data: make([]byte, 100)}, nil)
	if err == nil {
		t.Fatal("expected an error for a container too small to hold a footer")
	}
}
