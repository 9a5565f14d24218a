// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package blocktree

import (
	"errors"
	"testing"

	"github.com/vfsforensics/corefs/internal/errtrace"
)

func TestInsertAndGet(t *testing.T) {
	tr := New[string](1<<20, 4, 4096)
	if err := tr.Insert(0, 4096*8, "first"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tr.Insert(4096*8, 4096*4, "second"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for off := uint64(0); off < 4096*8; off += 4096 {
		if got := tr.Get(off); got == nil || *got != "first" {
			t.Fatalf("offset %d: got %v want first", off, got)
		}
	}
	for off := uint64(4096 * 8); off < 4096*12; off += 4096 {
		if got := tr.Get(off); got == nil || *got != "second" {
			t.Fatalf("offset %d: got %v want second", off, got)
		}
	}
	if got := tr.Get(4096 * 12); got != nil {
		t.Fatalf("expected nil past inserted range, got %v", got)
	}
}

func TestOverlapIsAlreadySet(t *testing.T) {
	tr := New[int](1<<20, 4, 4096)
	if err := tr.Insert(0, 4096, 1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := tr.Insert(0, 4096, 2)
	var e *errtrace.Err
	if !errors.As(err, &e) || e.Kind != errtrace.AlreadySet {
		t.Fatalf("expected AlreadySet, got %v", err)
	}
}

func TestMisalignedInsert(t *testing.T) {
	tr := New[int](1<<20, 4, 4096)
	err := tr.Insert(100, 4096, 1)
	var e *errtrace.Err
	if !errors.As(err, &e) || e.Kind != errtrace.Misaligned {
		t.Fatalf("expected Misaligned, got %v", err)
	}
}

func TestOutOfRangeInsert(t *testing.T) {
	tr := New[int](4096, 4, 4096)
	err := tr.Insert(4096, 4096, 1)
	var e *errtrace.Err
	if !errors.As(err, &e) || e.Kind != errtrace.OutOfRange {
		t.Fatalf("expected OutOfRange, got %v", err)
	}
}

func TestLazyBranchMaterialisation(t *testing.T) {
	tr := New[int](1<<30, 16, 4096)
	if err := tr.Insert(0, 4096, 7); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := tr.Get(0); got == nil || *got != 7 {
		t.Fatalf("got %v want 7", got)
	}
	// A far-away untouched offset must return nil without panicking,
	// proving branches along that path were never materialised.
	if got := tr.Get(1 << 29); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestGetBeyondDataSize(t *testing.T) {
	tr := New[int](4096, 4, 4096)
	if got := tr.Get(1 << 40); got != nil {
		t.Fatalf("expected nil beyond data_size, got %v", got)
	}
}
