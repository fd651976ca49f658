package disk

import "testing"

func TestGeometrySmallDisk(t *testing.T) {
	// 10 MiB: 20480 sectors, well inside the 17-sectors-per-track branch.
	g := GeometryForVHDCapacity(10 << 20)
	if g.Heads != 4 || g.SectorsPerTrack != 17 {
		t.Fatalf("geometry = (%d,%d,%d), want heads=4 spt=17", g.Cylinders, g.Heads, g.SectorsPerTrack)
	}
	if g.Cylinders != 301 {
		t.Fatalf("cylinders = %d, want 301", g.Cylinders)
	}
}

func TestGeometryLargeDisk(t *testing.T) {
	// Past 65535*16*63 sectors the geometry saturates at heads=16 spt=255.
	g := GeometryForVHDCapacity(40 << 30)
	if g.Heads != 16 || g.SectorsPerTrack != 255 {
		t.Fatalf("geometry = (%d,%d,%d), want heads=16 spt=255", g.Cylinders, g.Heads, g.SectorsPerTrack)
	}
}

func TestGeometryClampsTotalSectors(t *testing.T) {
	const maxSectors = 65535 * 16 * 255
	g := GeometryForVHDCapacity(3 << 40)
	if got := g.CapacityInSectors(); got > maxSectors {
		t.Fatalf("CapacityInSectors = %d, exceeds CHS maximum %d", got, maxSectors)
	}
}

func TestGeometryMidRangeFallsBackTo63(t *testing.T) {
	// 2 GiB needs the third fallback: spt=63, heads=16.
	g := GeometryForVHDCapacity(2 << 30)
	if g.Heads != 16 || g.SectorsPerTrack != 63 {
		t.Fatalf("geometry = (%d,%d,%d), want heads=16 spt=63", g.Cylinders, g.Heads, g.SectorsPerTrack)
	}
}

func TestGeometryCapacityNeverExceedsDiskSize(t *testing.T) {
	for _, mb := range []uint64{2, 10, 100, 1024, 4096} {
		size := mb << 20
		g := GeometryForVHDCapacity(size)
		if got := g.Capacity(); got > size {
			t.Errorf("size %d MiB: geometry capacity %d exceeds disk size %d", mb, got, size)
		}
	}
}
