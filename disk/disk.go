// Package disk holds the interfaces and geometry types shared by every
// on-disk image format this module supports, so format packages like
// vhd implement a common block-device surface.
package disk

import "io"

// Geometry is the CHS (cylinder/head/sector) geometry reported for a
// disk image, alongside its logical sector size.
type Geometry struct {
	Cylinders       uint16
	Heads           uint8
	SectorsPerTrack uint8
	BytesPerSector  uint32
}

// CapacityInSectors returns the geometry's addressable capacity, which
// may be smaller than the image's real capacity: VHD's CHS fields are
// advisory metadata, not a second source of truth for size.
func (g Geometry) CapacityInSectors() uint64 {
	return uint64(g.Cylinders) * uint64(g.Heads) * uint64(g.SectorsPerTrack)
}

// Capacity returns the byte capacity implied by the geometry.
func (g Geometry) Capacity() uint64 {
	return g.CapacityInSectors() * uint64(g.BytesPerSector)
}

// Disk is the minimal random-access block-device surface: read/write at
// an absolute byte offset, flush, and report capacity/geometry.
type Disk interface {
	io.ReaderAt
	io.WriterAt
	Flush() error
	Geometry() (Geometry, error)
	Capacity() (int64, error)
}

// Image is a Disk backed by one or more files on the host filesystem.
type Image interface {
	Disk
	// DiskType names the on-disk variant (e.g. "Fixed", "Dynamic", "Differencing").
	DiskType() string
	// BackingFiles lists every file this image depends on, in the order
	// they would need to be read to reconstruct its data (the image
	// itself first, then its parent chain).
	BackingFiles() []string
	// StorageSize is the size on disk of the image's own file; the files
	// of its parent chain are not included.
	StorageSize() (int64, error)
	Close() error
}
