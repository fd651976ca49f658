package vhd

import (
	"errors"
	"testing"

	"github.com/lingedeng/govhd/util"
)

func TestBATNewAllUnused(t *testing.T) {
	b := NewBAT(5)
	if b.Len() != 5 {
		t.Fatalf("Len = %d, want 5", b.Len())
	}
	for i := 0; i < 5; i++ {
		v, err := b.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if v != blockUnused {
			t.Fatalf("entry %d = %#x, want sentinel", i, v)
		}
	}
}

func TestBATBounds(t *testing.T) {
	b := NewBAT(3)
	if _, err := b.Get(3); !errors.Is(err, ErrKind(InvalidBlockIndex)) {
		t.Fatalf("Get(3) err = %v, want InvalidBlockIndex", err)
	}
	if _, err := b.Get(-1); !errors.Is(err, ErrKind(InvalidBlockIndex)) {
		t.Fatalf("Get(-1) err = %v, want InvalidBlockIndex", err)
	}
	if err := b.Set(3, 1); !errors.Is(err, ErrKind(InvalidBlockIndex)) {
		t.Fatalf("Set(3) err = %v, want InvalidBlockIndex", err)
	}
	// In-range indexes must succeed, all the way to the last entry.
	if err := b.Set(2, 42); err != nil {
		t.Fatalf("Set(2): %v", err)
	}
	if v, _ := b.Get(2); v != 42 {
		t.Fatalf("Get(2) = %d, want 42", v)
	}
}

func TestBATWritePadsWithSentinel(t *testing.T) {
	b := NewBAT(3)
	b.Set(0, 4)

	mem := util.NewMemFile()
	n, err := b.Write(mem, 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != SectorSize {
		t.Fatalf("wrote %d bytes, want one full sector", n)
	}

	raw := mem.Bytes()
	// Entry 0 is big-endian 4.
	if raw[0] != 0 || raw[1] != 0 || raw[2] != 0 || raw[3] != 4 {
		t.Fatalf("entry 0 bytes = %v", raw[:4])
	}
	// Every padding byte must keep the unused sentinel readable.
	for i := 12; i < SectorSize; i++ {
		if raw[i] != 0xFF {
			t.Fatalf("padding byte %d = %#x, want 0xFF", i, raw[i])
		}
	}
}

func TestBATReadRoundTrip(t *testing.T) {
	b := NewBAT(4)
	b.Set(1, 100)
	b.Set(3, 200)

	mem := util.NewMemFile()
	if _, err := b.Write(mem, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := ReadBAT(mem, 0, 4)
	if err != nil {
		t.Fatalf("ReadBAT: %v", err)
	}
	for i := 0; i < 4; i++ {
		want, _ := b.Get(i)
		v, _ := got.Get(i)
		if v != want {
			t.Fatalf("entry %d = %#x, want %#x", i, v, want)
		}
	}
}
