package vhd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	uuid "github.com/satori/go.uuid"
)

func TestCreateFixedAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.vhd")

	img, err := CreateFixed(path, 10)
	if err != nil {
		t.Fatalf("CreateFixed: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	re, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer re.Close()

	if re.DiskType() != "Fixed" {
		t.Fatalf("DiskType = %q, want Fixed", re.DiskType())
	}
	cap, err := re.Capacity()
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}
	if cap != 10<<20 {
		t.Fatalf("Capacity = %d, want %d", cap, 10<<20)
	}
	g, err := re.Geometry()
	if err != nil {
		t.Fatalf("Geometry: %v", err)
	}
	if g.Heads != 4 || g.SectorsPerTrack != 17 {
		t.Fatalf("geometry = (%d,%d,%d), want heads=4 spt=17", g.Cylinders, g.Heads, g.SectorsPerTrack)
	}
	if uuid.Equal(re.ID(), uuid.UUID{}) {
		t.Fatal("ID is the zero UUID")
	}

	// Fixed layout: payload plus one trailing footer.
	st, _ := os.Stat(path)
	if st.Size() != 10<<20+FooterSize {
		t.Fatalf("file size = %d, want %d", st.Size(), 10<<20+FooterSize)
	}
}

func TestCreateDynamicWriteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.vhd")

	img, err := CreateDynamic(path, 2)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	before, err := img.StorageSize()
	if err != nil {
		t.Fatalf("StorageSize: %v", err)
	}

	if _, err := img.WriteAt([]byte{0x41}, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	re, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer re.Close()

	one := make([]byte, 1)
	if _, err := re.ReadAt(one, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if one[0] != 0x41 {
		t.Fatalf("byte 0 = %#x, want 0x41", one[0])
	}
	rest := make([]byte, 511)
	if _, err := re.ReadAt(rest, 1); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range rest {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", 1+i, b)
		}
	}

	after, err := re.StorageSize()
	if err != nil {
		t.Fatalf("StorageSize: %v", err)
	}
	// One bitmap sector plus one block.
	if after-before != SectorSize+DefaultBlockSize {
		t.Fatalf("storage grew by %d, want %d", after-before, SectorSize+DefaultBlockSize)
	}
}

func TestCapacityBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.vhd")
	img, err := CreateDynamic(path, 2)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	defer img.Close()

	cap, _ := img.Capacity()

	if _, err := img.WriteAt([]byte{1}, cap); !errors.Is(err, ErrKind(WriteBeyondEOD)) {
		t.Fatalf("WriteAt(capacity) err = %v, want WriteBeyondEOD", err)
	}
	if _, err := img.ReadAt(make([]byte, 1), cap); !errors.Is(err, ErrKind(ReadBeyondEOD)) {
		t.Fatalf("ReadAt(capacity) err = %v, want ReadBeyondEOD", err)
	}

	// A write straddling the end is clipped to exactly one byte.
	n, err := img.WriteAt([]byte{1, 2}, cap-1)
	if err != nil {
		t.Fatalf("WriteAt(capacity-1): %v", err)
	}
	if n != 1 {
		t.Fatalf("WriteAt(capacity-1) = %d bytes, want 1", n)
	}
}

func TestOpenTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.vhd")
	if err := os.WriteFile(path, make([]byte, 100), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path); !errors.Is(err, ErrKind(FileTooSmall)) {
		t.Fatalf("err = %v, want FileTooSmall", err)
	}
}

func TestCreateDynamicTooBig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.vhd")
	if _, err := CreateDynamic(path, 2041<<10); !errors.Is(err, ErrKind(DiskSizeTooBig)) {
		t.Fatalf("err = %v, want DiskSizeTooBig", err)
	}
}

func TestCreateDiffOverFixedParent(t *testing.T) {
	dir := t.TempDir()
	parent := filepath.Join(dir, "fixed.vhd")
	img, err := CreateFixed(parent, 4)
	if err != nil {
		t.Fatalf("CreateFixed: %v", err)
	}
	img.Close()

	if _, err := CreateDiff(filepath.Join(dir, "d.vhd"), parent); !errors.Is(err, ErrKind(ParentNotDynamic)) {
		t.Fatalf("err = %v, want ParentNotDynamic", err)
	}
}

func TestCreateDiffParentMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := CreateDiff(filepath.Join(dir, "d.vhd"), filepath.Join(dir, "nope.vhd")); !errors.Is(err, ErrKind(ParentNotExist)) {
		t.Fatalf("err = %v, want ParentNotExist", err)
	}
}

func TestCreateDiffNeedsAbsolutePaths(t *testing.T) {
	if _, err := CreateDiff("d.vhd", "c.vhd"); !errors.Is(err, ErrKind(FilePathNeedAbsolute)) {
		t.Fatalf("err = %v, want FilePathNeedAbsolute", err)
	}
}

func TestCreateDiffBinding(t *testing.T) {
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "c.vhd")
	diffPath := filepath.Join(dir, "d.vhd")

	parent, err := CreateDynamic(parentPath, 4)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	payload := bytes.Repeat([]byte{0x55}, SectorSize)
	if _, err := parent.WriteAt(payload, DefaultBlockSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := parent.Close(); err != nil {
		t.Fatalf("Close parent: %v", err)
	}

	// Reopen to learn the parent's identity as recorded on disk.
	parent, err = Open(parentPath)
	if err != nil {
		t.Fatalf("Open parent: %v", err)
	}
	parentUUID := parent.ID()
	parentTimestamp := parent.Footer().Timestamp
	parent.Close()

	diff, err := CreateDiff(diffPath, parentPath)
	if err != nil {
		t.Fatalf("CreateDiff: %v", err)
	}

	h, ok := diff.SparseHeader()
	if !ok {
		t.Fatal("diff image has no sparse header")
	}
	if !uuid.Equal(h.ParentUUID, parentUUID) {
		t.Fatalf("header parent UUID = %s, want %s", h.ParentUUID, parentUUID)
	}
	if h.ParentTimestamp != parentTimestamp {
		t.Fatalf("header parent timestamp = %d, want %d", h.ParentTimestamp, parentTimestamp)
	}
	if h.ParentName != "c.vhd" {
		t.Fatalf("header parent name = %q, want c.vhd", h.ParentName)
	}
	if h.ParentLocators[0].Code != platCodeW2KU || h.ParentLocators[1].Code != platCodeW2RU {
		t.Fatalf("locator codes = %#x,%#x, want W2ku,W2ru",
			h.ParentLocators[0].Code, h.ParentLocators[1].Code)
	}

	// Before any write, the parent's data shows through.
	got := make([]byte, SectorSize)
	if _, err := diff.ReadAt(got, DefaultBlockSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("diff does not read through to parent data")
	}
	if err := diff.Close(); err != nil {
		t.Fatalf("Close diff: %v", err)
	}

	// The chain survives a reopen via the recorded locators.
	re, err := Open(diffPath)
	if err != nil {
		t.Fatalf("Open diff: %v", err)
	}
	defer re.Close()

	if re.DiskType() != "Differencing" {
		t.Fatalf("DiskType = %q", re.DiskType())
	}
	files := re.BackingFiles()
	if len(files) != 2 || files[0] != diffPath || files[1] != parentPath {
		t.Fatalf("BackingFiles = %v", files)
	}

	if _, err := re.ReadAt(got, DefaultBlockSize); err != nil {
		t.Fatalf("ReadAt after reopen: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reopened diff does not read through to parent data")
	}

	// A write to the diff shadows the parent without touching it.
	shadow := bytes.Repeat([]byte{0xEE}, SectorSize)
	if _, err := re.WriteAt(shadow, DefaultBlockSize); err != nil {
		t.Fatalf("WriteAt diff: %v", err)
	}
	if _, err := re.ReadAt(got, DefaultBlockSize); err != nil {
		t.Fatalf("ReadAt diff: %v", err)
	}
	if !bytes.Equal(got, shadow) {
		t.Fatal("diff write not visible")
	}

	p, err := Open(parentPath)
	if err != nil {
		t.Fatalf("Open parent: %v", err)
	}
	defer p.Close()
	if _, err := p.ReadAt(got, DefaultBlockSize); err != nil {
		t.Fatalf("ReadAt parent: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("parent data changed by a diff write")
	}
}

func TestOpenDiffWithMissingParent(t *testing.T) {
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "c.vhd")
	diffPath := filepath.Join(dir, "d.vhd")

	parent, err := CreateDynamic(parentPath, 4)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	parent.Close()

	diff, err := CreateDiff(diffPath, parentPath)
	if err != nil {
		t.Fatalf("CreateDiff: %v", err)
	}
	diff.Close()

	if err := os.Remove(parentPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := Open(diffPath); !errors.Is(err, ErrKind(ParentNotExist)) {
		t.Fatalf("err = %v, want ParentNotExist", err)
	}
}

func TestSizeRoundsUpToWholeBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd.vhd")
	img, err := CreateDynamic(path, 3)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	defer img.Close()

	cap, _ := img.Capacity()
	if cap != 4<<20 {
		t.Fatalf("Capacity = %d, want rounded-up %d", cap, 4<<20)
	}
	h, ok := img.SparseHeader()
	if !ok {
		t.Fatal("no sparse header")
	}
	if h.MaxBATSize != 2 {
		t.Fatalf("MaxBATSize = %d, want 2", h.MaxBATSize)
	}
}
